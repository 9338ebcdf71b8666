package client

import (
	"context"
	"strings"
	"time"
)

// Verification timing.
const (
	DefaultVerifyInterval = time.Second
	DefaultVerifyTimeout  = 10 * time.Second
)

// Detector guesses the identity class shown in the partner's video. It
// returns "" when it cannot tell.
type Detector interface {
	Detect(ctx context.Context) (string, error)
}

// Verdict is the outcome of a verification run.
type Verdict string

const (
	VerdictConfirmed Verdict = "confirmed"
	VerdictMismatch  Verdict = "mismatch"
	VerdictTimeout   Verdict = "timeout"
)

// verifier polls a Detector until it confirms or contradicts the preference,
// or until the timeout. The poll ticker and the timeout timer share ctx, so
// cancelling ctx stops both and whichever fires first ends the run.
type verifier struct {
	detector   Detector
	ready      func() bool
	preference string
	interval   time.Duration
	timeout    time.Duration
}

// run blocks until a verdict or ctx is done. It returns false when cancelled.
func (v verifier) run(ctx context.Context) (Verdict, bool) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	timeout := time.NewTimer(v.timeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", false
		case <-timeout.C:
			return VerdictTimeout, true
		case <-ticker.C:
			if v.detector == nil || (v.ready != nil && !v.ready()) {
				continue
			}
			class, err := v.detector.Detect(ctx)
			if err != nil || class == "" {
				continue
			}
			if ctx.Err() != nil {
				return "", false
			}
			if strings.EqualFold(class, v.preference) {
				return VerdictConfirmed, true
			}
			return VerdictMismatch, true
		}
	}
}
