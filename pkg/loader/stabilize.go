package loader

import (
	"context"
	"time"
)

// Config bounds a stabilization run
type Config struct {
	InitialWait   time.Duration
	PollInterval  time.Duration
	MaxWait       time.Duration
	StableSamples int
}

// DefaultConfig suits meshes of a few hundred nodes, which take tens of
// seconds to fill a freshly opened node cache
func DefaultConfig() Config {
	return Config{
		InitialWait:   5 * time.Second,
		PollInterval:  3 * time.Second,
		MaxWait:       90 * time.Second,
		StableSamples: 2,
	}
}

// Result describes how a stabilization run ended
type Result struct {
	Count   int
	Stable  bool
	Samples int
	Waited  time.Duration
}

// Stabilize samples a growing count until StableSamples consecutive samples
// are equal and non-zero, or MaxWait elapses. A zero count never counts as
// stable: an empty cache usually means loading has not started.
//
// It returns the last sampled count either way; callers proceed with
// partial data after a timeout. The only error is context cancellation.
func Stabilize(ctx context.Context, sample func() int, cfg Config) (Result, error) {
	if cfg.StableSamples < 2 {
		cfg.StableSamples = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	start := time.Now()
	deadline := start.Add(cfg.MaxWait)
	res := Result{}

	if err := sleep(ctx, cfg.InitialWait); err != nil {
		return res, err
	}

	prev, run := -1, 0
	for {
		n := sample()
		res.Count = n
		res.Samples++

		if n > 0 && n == prev {
			run++
		} else if n > 0 {
			run = 1
		} else {
			run = 0
		}
		prev = n

		if run >= cfg.StableSamples {
			res.Stable = true
			res.Waited = time.Since(start)
			return res, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			res.Waited = time.Since(start)
			return res, nil
		}
		if err := sleep(ctx, min(cfg.PollInterval, remaining)); err != nil {
			res.Waited = time.Since(start)
			return res, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
