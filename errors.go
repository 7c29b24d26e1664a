package luakv

import "errors"

var (
	// ErrCorruptEntry reports stored bytes that do not decode as a value.
	// An absent key reads as nil, but corruption is surfaced, never
	// silently read as nil.
	ErrCorruptEntry = errors.New("luakv: corrupt table entry")

	// ErrHostUnavailable reports a failed host storage call. The table id
	// remains valid; the operation can be retried.
	ErrHostUnavailable = errors.New("luakv: host storage unavailable")

	// ErrNoSnapshot reports a restore attempt against a snapshot store
	// that holds no metadata record.
	ErrNoSnapshot = errors.New("luakv: no snapshot present")
)
