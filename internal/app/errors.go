package service

import "errors"

// Sentinel errors returned by the Service.
var (
	ErrNotStarted   = errors.New("service not started")
	ErrBackpressure = errors.New("change queue is full")
	ErrInvalidUser  = errors.New("invalid user id")
)
