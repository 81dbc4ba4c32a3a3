// Package protocol converts semantic run deltas into the ordered event
// stream consumed by transports.
//
// An Assembler owns one run's stream. Callers feed it Delta values through
// Consume and end the run with Complete, Cancel or Fail. The assembler keeps
// block nesting consistent (one text block open at a time, tool and action
// blocks closed exactly once, one active task) and stamps every Event with a
// strictly increasing sequence number at emission time.
package protocol
