package core

import "errors"

// ErrFatalIO marks a socket that is permanently unusable. The process exits
// with code 2 when this surfaces from the main loop.
var ErrFatalIO = errors.New("fatal I/O error")

// ErrInvariant marks an internal inconsistency detected at runtime, such as
// a flowlet range crossing the sent-buffer front. The process exits with
// code 3; this signals a bug, not an operational condition.
var ErrInvariant = errors.New("internal invariant violation")
