package historian

import "errors"

var (
	// ErrInvalidState is returned by operations called before Initialize or
	// after Terminate has begun.
	ErrInvalidState = errors.New("invalid state")

	// ErrConfig is returned by Config.Validate and New for rejected settings.
	ErrConfig = errors.New("invalid configuration")

	// ErrStorageIO is returned when the storage directory or the store itself
	// cannot be reached.
	ErrStorageIO = errors.New("storage unavailable")

	// ErrPersistence wraps failed insert-and-trim or delete transactions.
	ErrPersistence = errors.New("persistence failed")
)
