// Package transport delivers messages to connected device channels.
//
// This file implements an in-memory Transport that records sent frames.
// It backs dispatcher and API tests.
package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemoryTransport records frames per device instead of delivering them.
type MemoryTransport struct {
	mu           sync.Mutex
	frames       map[string][]Frame
	disconnected map[string]bool
	failNext     error
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		frames:       make(map[string][]Frame),
		disconnected: make(map[string]bool),
	}
}

// Disconnect makes subsequent sends to the device fail with
// ErrDeviceNotConnected.
func (t *MemoryTransport) Disconnect(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected[deviceID] = true
}

// Reconnect clears a prior Disconnect so sends to the device succeed again.
func (t *MemoryTransport) Reconnect(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.disconnected, deviceID)
}

// FailNext makes the next send return err, simulating a transport fault.
func (t *MemoryTransport) FailNext(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = err
}

func (t *MemoryTransport) SendToDevice(_ context.Context, deviceID string, frame Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failNext != nil {
		err := t.failNext
		t.failNext = nil
		return err
	}
	if t.disconnected[deviceID] {
		return fmt.Errorf("device %s: %w", deviceID, ErrDeviceNotConnected)
	}
	t.frames[deviceID] = append(t.frames[deviceID], frame)
	return nil
}

func (t *MemoryTransport) Connected(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.disconnected[deviceID]
}

// Frames returns the frames sent to one device, in order.
func (t *MemoryTransport) Frames(deviceID string) []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Frame(nil), t.frames[deviceID]...)
}
