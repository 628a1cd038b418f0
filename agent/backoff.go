package agent

import (
	"math/rand"
	"time"
)

// BackoffConfig shapes the pause before each retransmission of a reliable
// message.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each pause uniformly over [d/2, d].
	Jitter bool
}

// DefaultBackoff doubles from 100ms up to 5s, jittered.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Delay returns the pause before resend number retry. The first resend is
// retry 1; retry 0 is the original transmission and never waits.
func (b BackoffConfig) Delay(retry int, rng *rand.Rand) time.Duration {
	if retry < 1 || b.InitialDelay <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(b.InitialDelay)
	for i := 1; i < retry; i++ {
		d *= mult
		if b.MaxDelay > 0 && d >= float64(b.MaxDelay) {
			break
		}
	}
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}

	if b.Jitter && rng != nil {
		half := d / 2
		d = half + rng.Float64()*half
	}
	return time.Duration(d)
}
