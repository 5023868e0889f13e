package summary

import "errors"

var (
	// ErrConflict is returned by a BucketStore when a versioned write lost a race.
	ErrConflict = errors.New("optimistic write conflict")
	// ErrBucketNotFound marks a decrement whose bucket is absent.
	ErrBucketNotFound = errors.New("histogram bucket not found")
	// ErrPartialBatch is returned when some user groups of a batch failed.
	ErrPartialBatch = errors.New("change batch partially applied")
)
