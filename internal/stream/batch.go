package stream

import (
	"sync"
	"time"

	"github.com/roach88/streamtable/internal/clock"
)

// DelayedBatch returns a pair of streams: items put on input come out of
// output grouped into []any batches. A batch is emitted delay after its
// first item arrives. Done, Fail and Close flush the pending batch before
// passing through; other events pass through unchanged.
//
// Receivers on output must not send to input synchronously.
func DelayedBatch(clk clock.Clock, delay time.Duration) (input, output *Stream) {
	input, output = New(), New()

	var (
		mu    sync.Mutex
		buf   []any
		timer clock.Timer
		gen   int
	)

	// flush must be called with mu held.
	flush := func() error {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		gen++
		batch := buf
		buf = nil
		if len(batch) == 0 || output.IsClosed() {
			return nil
		}
		return output.Put(batch)
	}

	_ = input.SendToFunc(func(evt Event) error {
		mu.Lock()
		defer mu.Unlock()

		switch evt.Type {
		case TypeItem:
			buf = append(buf, evt.Item)
			if timer == nil {
				scheduled := gen
				timer = clk.AfterFunc(delay, func() {
					mu.Lock()
					defer mu.Unlock()
					if scheduled != gen {
						return
					}
					if err := flush(); err != nil && !IsBackpressureStop(err) {
						RecordFailure(err, "stream", output.String())
					}
				})
			}
			return nil
		case TypeDone, TypeFail, TypeClose:
			if err := flush(); err != nil {
				return err
			}
		}
		return output.Receive(evt)
	})
	return input, output
}
