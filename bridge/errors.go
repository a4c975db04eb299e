package bridge

import "errors"

var (
	ErrUnknownCommand = errors.New("bridge: unknown command")
	ErrShortCommand   = errors.New("bridge: command truncated")
	ErrSessionLimit   = errors.New("bridge: session limit reached")
	ErrFilterExists   = errors.New("bridge: filter id already registered")
	ErrNoSession      = errors.New("bridge: no session for arbitration id pair")
	ErrSessionBusy    = errors.New("bridge: session transmit queue full")
	ErrBadOffset      = errors.New("bridge: chunk does not fit the staging buffer")
	ErrBadLength      = errors.New("bridge: staged data does not match declared length")
	ErrPeriodicLimit  = errors.New("bridge: periodic task limit reached")
	ErrNoPeriodic     = errors.New("bridge: no periodic task at index")
	ErrBadInterval    = errors.New("bridge: periodic interval must be positive")
	ErrNoMessages     = errors.New("bridge: periodic task carries no messages")
)
