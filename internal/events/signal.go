// Package events defines the signals the pipeline publishes to downstream
// consumers and the hub that delivers them.
package events

import "eventcache/internal/model"

// Signal is one of NewEvent, NewConfirmation, InvalidConfirmation,
// InitFinished or Error. Consumers switch on the concrete type.
type Signal interface {
	// Source is the logical source (room) the signal belongs to.
	Source() string
	signal()
}

// NewEvent carries a confirmed and validated event.
type NewEvent struct {
	Room  string
	Event model.RawLogEvent
}

// NewConfirmation reports progress of a still pending event.
type NewConfirmation struct {
	Room               string
	Event              model.RawLogEvent
	TransactionHash    string
	Confirmations      uint64
	TargetConfirmation uint64
}

// InvalidConfirmation reports a buffered event that failed validation or
// was dropped from the chain.
type InvalidConfirmation struct {
	Room            string
	TransactionHash string
}

// InitFinished is published once backfill completed and live mode begins.
type InitFinished struct {
	Room string
}

// Error is a non-fatal operational error.
type Error struct {
	Room string
	Err  error
}

func (s NewEvent) Source() string            { return s.Room }
func (s NewConfirmation) Source() string     { return s.Room }
func (s InvalidConfirmation) Source() string { return s.Room }
func (s InitFinished) Source() string        { return s.Room }
func (s Error) Source() string               { return s.Room }

func (NewEvent) signal()            {}
func (NewConfirmation) signal()     {}
func (InvalidConfirmation) signal() {}
func (InitFinished) signal()        {}
func (Error) signal()               {}

// Name returns the wire name of a signal.
func Name(s Signal) string {
	switch s.(type) {
	case NewEvent:
		return "newEvent"
	case NewConfirmation:
		return "newConfirmation"
	case InvalidConfirmation:
		return "invalidConfirmation"
	case InitFinished:
		return "initFinished"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}
