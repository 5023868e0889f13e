package repository

import (
	"errors"

	"github.com/okian/stepscore/internal/domain/summary"
)

// Sentinel kinds for store errors.
var (
	ErrNotFound = errors.New("row not found")
	// ErrConflict is shared with the summary package so the aggregator can
	// detect lost version races without importing this package.
	ErrConflict = summary.ErrConflict
	ErrClosed   = errors.New("store closed")
)
