package ingest

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff configures reconnect delays. Zero fields keep the library
// defaults, except Jitter: zero means every delay is exact.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64 // randomization factor, delays spread by up to ±Jitter of themselves
}

// newBackOff builds the exponential policy one reader walks through. Each
// call to NextBackOff grows the interval by Factor up to Max; Reset starts
// over from Initial.
func (b Backoff) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if b.Initial > 0 {
		bo.InitialInterval = b.Initial
	}
	if b.Max > 0 {
		bo.MaxInterval = b.Max
	}
	if b.Factor >= 1 {
		bo.Multiplier = b.Factor
	}
	bo.RandomizationFactor = b.Jitter
	bo.Reset()
	return bo
}
