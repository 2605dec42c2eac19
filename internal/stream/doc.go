// Package stream implements the event channel every other component is
// built on.
//
// A Stream is a single-producer, single-consumer ordered pipe of Events.
// Producers call Put, PutSchema, PutError, Done and Close (or Receive
// directly); a consumer attaches once with SendTo. Events sent before a
// consumer attaches are kept in a backlog and flushed, in order, when it
// does.
//
// Closing from the consumer side (CloseByDownstream) is how cancellation
// works: every later send returns ErrBackpressureStop, which producers
// treat as "stop now", never as a failure.
//
// Event order on a stream is checked by a Validator. Illegal sequences
// (a second Close, an Item after Done, a Schema after the first Item)
// return a *ProtocolError from the offending send.
package stream
