package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/streamtable/internal/config"
	"github.com/roach88/streamtable/internal/remote"
	"github.com/roach88/streamtable/internal/server"
	"github.com/roach88/streamtable/internal/store"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/table"
	"github.com/roach88/streamtable/internal/testutil"
	"github.com/roach88/streamtable/internal/transport/pipe"
	"github.com/roach88/streamtable/internal/value"
)

// run holds the live pieces of one scenario execution.
type run struct {
	clock   *testutil.FakeClock
	srv     *server.Server
	trace   *store.Store
	client  *remote.Connection
	pipes   []*pipe.Transport
	mirrors map[string]*table.Table
	result  *Result
}

// Run executes a scenario and returns the result.
//
// The scenario's tables are served by a server.Server whose client is
// connected over an in-process pipe. Time only moves on advance steps,
// and connection ids are sequential, so a scenario always produces the
// same steps and trace.
//
// Failed expectations and assertions are recorded in the result. Run
// returns an error only if the scenario cannot be executed.
func Run(sc *Scenario) (*Result, error) {
	clk := testutil.NewFakeClock(time.Time{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	trace, err := store.Open(":memory:", store.WithClock(clk), store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open trace store: %w", err)
	}
	defer trace.Close()

	cfg := &config.Config{
		Schemas:            sc.Schemas,
		Tables:             sc.Tables,
		BufferTimeout:      config.DefaultBufferTimeout,
		TableWarnThreshold: config.DefaultWarnThreshold,
		CacheTTL:           config.DefaultCacheTTL,
	}
	srv, err := server.New(cfg, server.WithClock(clk), server.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}
	defer srv.Close()

	r := &run{
		clock:   clk,
		srv:     srv,
		trace:   trace,
		mirrors: make(map[string]*table.Table),
		result:  NewResult(),
	}

	serverIDs := testutil.NewSequentialIDGenerator("server")
	r.client = remote.New(
		pipe.Connector(func(p *pipe.Transport) {
			r.pipes = append(r.pipes, p)
			srv.Accept(p,
				remote.WithClock(clk),
				remote.WithIDGenerator(serverIDs),
				remote.WithTracer(trace.Tracer()),
				remote.WithLogger(logger),
			)
		}),
		remote.WithClock(clk),
		remote.WithIDGenerator(testutil.NewSequentialIDGenerator("client")),
		remote.WithLogger(logger),
	)
	defer r.client.Close()

	for _, name := range sc.Mirror {
		t, _ := srv.Table(name)
		m, err := r.client.SyncClient().Mirror(name, t.Schema())
		if err != nil {
			return nil, fmt.Errorf("failed to mirror %s: %w", name, err)
		}
		r.mirrors[name] = m
	}

	for i, step := range sc.Flow {
		if err := r.execute(i+1, step); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	if err := r.collectTrace(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(r.mirrors))
	for name := range r.mirrors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r.result.Mirrors[name] = objects(r.mirrors[name].All())
	}

	for i, a := range sc.Assertions {
		if err := r.evaluate(a); err != nil {
			r.result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return r.result, nil
}

func (r *run) serverTable(name string) (*table.Table, error) {
	t, ok := r.srv.Table(name)
	if !ok {
		return nil, fmt.Errorf("table %q is not served", name)
	}
	return t, nil
}

func (r *run) execute(n int, step FlowStep) error {
	rec := StepRecord{Step: n, Kind: step.Kind()}

	switch rec.Kind {
	case StepInsert:
		t, err := r.serverTable(step.Insert.Table)
		if err != nil {
			return err
		}
		item, err := value.From(step.Insert.Item)
		if err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
		obj := item.(value.Object)
		t.Insert(obj)
		rec.Table = step.Insert.Table
		rec.Items = []value.Value{obj}

	case StepDelete:
		t, err := r.serverTable(step.Delete.Table)
		if err != nil {
			return err
		}
		key, err := values(step.Delete.Key)
		if err != nil {
			return fmt.Errorf("delete key: %w", err)
		}
		idx, ok := t.Schema().PrimaryUnique()
		if !ok {
			return fmt.Errorf("table %q has no unique index to delete by", step.Delete.Table)
		}
		t.DeleteWith(idx.Name, key...)
		rec.Table = step.Delete.Table
		rec.Params = key

	case StepDeleteAll:
		t, err := r.serverTable(step.DeleteAll.Table)
		if err != nil {
			return err
		}
		t.DeleteAll()
		rec.Table = step.DeleteAll.Table

	case StepCall:
		if err := r.call(&rec, step); err != nil {
			return err
		}

	case StepDisconnect:
		if len(r.pipes) == 0 {
			return fmt.Errorf("no connection to drop")
		}
		r.pipes[len(r.pipes)-1].Drop(step.Disconnect.ShouldRetry())

	case StepAdvance:
		r.clock.Advance(step.Advance)
		rec.Params = []value.Value{value.String(step.Advance.String())}

	default:
		return fmt.Errorf("no action")
	}

	r.result.Steps = append(r.result.Steps, rec)
	return nil
}

// call sends a request and waits for it on the fake clock. Because every
// transport in the run is in-process, a request either finishes
// synchronously or is buffered until a later step reconnects; the latter
// is reported as a failure.
func (r *run) call(rec *StepRecord, step FlowStep) error {
	params, err := values(step.Call.Params)
	if err != nil {
		return fmt.Errorf("call params: %w", err)
	}
	rec.Table = step.Call.Table
	rec.Call = step.Call.Fn
	rec.Params = params

	req := value.Object{
		"func":   value.String(step.Call.Table),
		"call":   value.String(step.Call.Fn),
		"params": value.Array(params),
	}
	var (
		events   []stream.Event
		finished bool
	)
	err = r.client.SendRequest(req).CollectFunc(func(evts []stream.Event) {
		events, finished = evts, true
	})
	if err != nil {
		return err
	}
	if !finished {
		r.result.AddError(fmt.Sprintf("step %d: %s.%s did not finish", rec.Step, rec.Table, rec.Call))
		rec.Error = "pending"
		return nil
	}

	for _, evt := range events {
		switch evt.Type {
		case stream.TypeItem:
			v, err := value.From(evt.Item)
			if err != nil {
				return fmt.Errorf("call item: %w", err)
			}
			rec.Items = append(rec.Items, v)
		case stream.TypeFail:
			rec.Error = evt.Err.ErrorType
		}
	}
	if rec.Error != "" {
		rec.Items = nil
	}

	if step.Expect != nil {
		if msg := checkExpect(step.Expect, rec); msg != "" {
			r.result.AddError(fmt.Sprintf("step %d: %s.%s: %s", rec.Step, rec.Table, rec.Call, msg))
		}
	}
	return nil
}

func checkExpect(exp *ExpectClause, rec *StepRecord) string {
	if exp.Error != "" {
		if rec.Error != exp.Error {
			return fmt.Sprintf("expected error %q, got %q", exp.Error, rec.Error)
		}
		return ""
	}
	if rec.Error != "" {
		return fmt.Sprintf("expected items, got error %q", rec.Error)
	}
	want, err := values(exp.Items)
	if err != nil {
		return err.Error()
	}
	if len(want) != len(rec.Items) {
		return fmt.Sprintf("expected %d items, got %d", len(want), len(rec.Items))
	}
	for i := range want {
		if !matchValue(want[i], rec.Items[i]) {
			return fmt.Sprintf("item %d: expected %v, got %v", i, want[i], rec.Items[i])
		}
	}
	return ""
}

// collectTrace reads back every traced server connection in sequence
// order.
func (r *run) collectTrace() error {
	ctx := context.Background()
	conns, err := r.trace.Connections(ctx)
	if err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}
	for _, c := range conns {
		entries, err := r.trace.ReadConnection(ctx, c.ID, "")
		if err != nil {
			return fmt.Errorf("failed to read trace: %w", err)
		}
		r.result.Trace = append(r.result.Trace, entries...)
	}
	sort.Slice(r.result.Trace, func(i, j int) bool {
		return r.result.Trace[i].Seq < r.result.Trace[j].Seq
	})
	return nil
}

func values(in []any) ([]value.Value, error) {
	out := make([]value.Value, len(in))
	for i, v := range in {
		val, err := value.From(v)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out[i] = val
	}
	return out, nil
}

func objects(recs []table.Record) []value.Object {
	out := make([]value.Object, 0, len(recs))
	for _, rec := range recs {
		if obj, ok := rec.(value.Object); ok {
			out = append(out, obj)
		}
	}
	return out
}
