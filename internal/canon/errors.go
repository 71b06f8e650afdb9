package canon

import "errors"

// Sentinel errors for canonical-encoding validation failures (spec §4.1,
// §7 Validation kind). Higher layers wrap these with tgerr categories when
// surfacing them across a request boundary.
var (
	ErrNonFiniteFloat        = errors.New("canon: non-finite float in hashed field")
	ErrNegativeZero          = errors.New("canon: negative zero in hashed field")
	ErrUnsortedRepeatedField = errors.New("canon: unsorted repeated field")
	ErrHashMismatch          = errors.New("canon: computed hash does not match transmitted value")
)
