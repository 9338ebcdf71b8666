package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/whisper/pairing/internal/failure"
)

// DeviceClass selects the capture profile.
type DeviceClass string

const (
	DeviceDesktop DeviceClass = "desktop"
	DeviceMobile  DeviceClass = "mobile"
)

// Constraints request a capture format.
type Constraints struct {
	Width     int
	Height    int
	FrameRate int
	Audio     bool
}

// ProfileFor returns the preferred constraints for a device class.
func ProfileFor(class DeviceClass) Constraints {
	if class == DeviceMobile {
		return Constraints{Width: 640, Height: 480, FrameRate: 24, Audio: true}
	}
	return Constraints{Width: 1280, Height: 720, FrameRate: 30, Audio: true}
}

// Reduced returns the fallback used when c cannot be satisfied.
func (c Constraints) Reduced() Constraints {
	return Constraints{Width: 320, Height: 240, FrameRate: 15, Audio: c.Audio}
}

// MediaStream is acquired local media.
type MediaStream interface {
	Tracks() []webrtc.TrackLocal
	// Stop releases the capture devices.
	Stop()
}

// MediaSource captures local audio and video.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (MediaStream, error)
}

// DeviceCause partitions media acquisition failures.
type DeviceCause string

const (
	CausePermissionDenied        DeviceCause = "permission_denied"
	CauseNoDevice                DeviceCause = "no_device"
	CauseDeviceBusy              DeviceCause = "device_busy"
	CauseConstraintUnsatisfiable DeviceCause = "constraint_unsatisfiable"
)

// MediaError is returned by a MediaSource that could not capture.
type MediaError struct {
	Cause DeviceCause
	Err   error
}

func (e *MediaError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media: %s", e.Cause)
	}
	return fmt.Sprintf("media: %s: %v", e.Cause, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// Message is the text shown to the user for the failure.
func (e *MediaError) Message() string {
	switch e.Cause {
	case CausePermissionDenied:
		return "Camera and microphone access was denied. Allow access in your browser settings and try again."
	case CauseNoDevice:
		return "No camera or microphone was found. Connect a device and try again."
	case CauseDeviceBusy:
		return "Your camera or microphone is in use by another application."
	case CauseConstraintUnsatisfiable:
		return "Your camera does not support the required video settings."
	}
	return "Your camera or microphone is unavailable."
}

// AcquireMedia captures media with the profile for class. An unsatisfiable
// constraint set is retried once with reduced constraints. Failures are
// failure.DeviceUnavailable errors wrapping the *MediaError.
func AcquireMedia(ctx context.Context, src MediaSource, class DeviceClass) (MediaStream, error) {
	constraints := ProfileFor(class)
	stream, err := src.Acquire(ctx, constraints)
	if err == nil {
		return stream, nil
	}

	var me *MediaError
	if errors.As(err, &me) && me.Cause == CauseConstraintUnsatisfiable {
		log.Info().Str("module", "client").Str("class", string(class)).Err(err).Msg("retrying media with reduced constraints")
		stream, err = src.Acquire(ctx, constraints.Reduced())
		if err == nil {
			return stream, nil
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !errors.As(err, &me) {
		err = &MediaError{Cause: CauseNoDevice, Err: err}
	}
	return nil, failure.New(failure.DeviceUnavailable, "acquire media", err)
}
