package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/trihai306/agentphone/internal/models"
)

func TestMemoryTransportRecordsFrames(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()

	if err := tr.SendToDevice(ctx, "d1", Frame{Event: models.EventJobDispatch}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.SendToDevice(ctx, "d1", Frame{Event: models.EventJobCancel}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames := tr.Frames("d1")
	if len(frames) != 2 || frames[0].Event != models.EventJobDispatch || frames[1].Event != models.EventJobCancel {
		t.Errorf("frames wrong: %v", frames)
	}
	if len(tr.Frames("other")) != 0 {
		t.Error("frames leaked across devices")
	}
}

func TestMemoryTransportDisconnect(t *testing.T) {
	tr := NewMemoryTransport()
	tr.Disconnect("d1")

	if tr.Connected("d1") {
		t.Error("disconnected device reported connected")
	}
	err := tr.SendToDevice(context.Background(), "d1", Frame{Event: models.EventJobDispatch})
	if !errors.Is(err, ErrDeviceNotConnected) {
		t.Errorf("expected ErrDeviceNotConnected, got %v", err)
	}

	tr.Reconnect("d1")
	if !tr.Connected("d1") {
		t.Error("reconnected device reported disconnected")
	}
	if err := tr.SendToDevice(context.Background(), "d1", Frame{Event: models.EventJobDispatch}); err != nil {
		t.Errorf("send after reconnect should succeed: %v", err)
	}
}

func TestMemoryTransportFailNext(t *testing.T) {
	tr := NewMemoryTransport()
	boom := errors.New("boom")
	tr.FailNext(boom)

	if err := tr.SendToDevice(context.Background(), "d1", Frame{}); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
	// The fault is one-shot.
	if err := tr.SendToDevice(context.Background(), "d1", Frame{}); err != nil {
		t.Errorf("subsequent send should succeed: %v", err)
	}
}
