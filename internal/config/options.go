package config

import "time"

// RunOptions tune the supervisor. They are not part of the published
// snapshot since agents never need them.
type RunOptions struct {
	StatsInterval time.Duration
	Grace         time.Duration
	OutputDir     string
	Compress      bool
	TopN          int
}

func DefaultRunOptions() RunOptions {
	return RunOptions{
		StatsInterval: time.Second,
		Grace:         10 * time.Second,
		TopN:          3,
	}
}
