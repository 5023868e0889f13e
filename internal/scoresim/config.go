// Package scoresim drives a running stepscore service with random play
// results and verifies the histograms it derives from them.
package scoresim

import (
	"errors"
	"time"
)

// Default simulation parameters.
const (
	DefaultBaseURL     = "http://localhost:9080"
	DefaultUsers       = 50
	DefaultSubmissions = 5000
	DefaultRate        = 500
	DefaultWorkers     = 16
	DefaultTimeout     = 30 * time.Second
	DefaultSettle      = 2 * time.Minute
	DefaultAreas       = 8
)

// ErrInvalidConfig is returned for unusable simulation parameters.
var ErrInvalidConfig = errors.New("invalid simulation config")

// Config holds the simulation parameters.
type Config struct {
	BaseURL     string        // service base URL
	Users       int           // distinct simulated players
	Submissions int           // total score submissions
	Rate        float64       // submissions per second; <= 0 means unlimited
	Workers     int           // concurrent submitters
	Seed        uint64        // generator seed; equal seeds replay equal runs
	Areas       int           // area codes players are spread across
	Timeout     time.Duration // per-request timeout
	Settle      time.Duration // how long to wait for the service to go idle
	Verbose     bool
}

// NewConfig returns a Config with default values.
func NewConfig() *Config {
	return &Config{
		BaseURL:     DefaultBaseURL,
		Users:       DefaultUsers,
		Submissions: DefaultSubmissions,
		Rate:        DefaultRate,
		Workers:     DefaultWorkers,
		Seed:        1,
		Areas:       DefaultAreas,
		Timeout:     DefaultTimeout,
		Settle:      DefaultSettle,
	}
}

// Validate checks the parameters.
func (c *Config) Validate() error {
	switch {
	case c.BaseURL == "":
		return errors.Join(ErrInvalidConfig, errors.New("base url is required"))
	case c.Users < 1:
		return errors.Join(ErrInvalidConfig, errors.New("users must be positive"))
	case c.Submissions < 0:
		return errors.Join(ErrInvalidConfig, errors.New("submissions must not be negative"))
	case c.Workers < 1:
		return errors.Join(ErrInvalidConfig, errors.New("workers must be positive"))
	case c.Areas < 0:
		return errors.Join(ErrInvalidConfig, errors.New("areas must not be negative"))
	}
	return nil
}

// Stats summarizes a simulation run.
type Stats struct {
	Submitted  int
	Improved   int
	Unchanged  int
	Rejected   int
	Failed     int
	Verified   int // users whose summary was checked
	Violations []string
	Reconcile  ReconcileReport
	StartTime  time.Time
	Duration   time.Duration
}
