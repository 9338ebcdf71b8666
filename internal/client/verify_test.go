package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerifierTimeout(t *testing.T) {
	d := &fakeDetector{}
	v := verifier{detector: d, preference: "f", interval: time.Millisecond, timeout: 30 * time.Millisecond}

	verdict, ok := v.run(context.Background())
	assert.True(t, ok)
	assert.Equal(t, VerdictTimeout, verdict)
	assert.Greater(t, d.callCount(), 0)
}

func TestVerifierVerdicts(t *testing.T) {
	for class, want := range map[string]Verdict{"f": VerdictConfirmed, "Female": VerdictMismatch} {
		v := verifier{detector: &fakeDetector{class: class}, preference: "f", interval: time.Millisecond, timeout: time.Minute}
		verdict, ok := v.run(context.Background())
		assert.True(t, ok)
		assert.Equal(t, want, verdict, class)
	}
}

func TestVerifierNilDetectorWaitsForTimeout(t *testing.T) {
	v := verifier{preference: "f", interval: time.Millisecond, timeout: 10 * time.Millisecond}
	verdict, ok := v.run(context.Background())
	assert.True(t, ok)
	assert.Equal(t, VerdictTimeout, verdict)
}

func TestVerifierCancelStopsBothTimers(t *testing.T) {
	d := &fakeDetector{}
	v := verifier{detector: d, preference: "f", interval: time.Millisecond, timeout: 20 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool)
	go func() {
		_, ok := v.run(ctx)
		done <- ok
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	assert.False(t, <-done)
	calls := d.callCount()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, calls, d.callCount())
}
