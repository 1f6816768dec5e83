package devicecode

import "errors"

// ErrExhausted is returned when no free code could be generated.
var ErrExhausted = errors.New("device code space exhausted")
