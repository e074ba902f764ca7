// Package transport delivers messages to connected device channels.
//
// It defines a pluggable delivery abstraction plus the websocket gateway
// devices connect through. The dispatcher only depends on the interface.
package transport

import (
	"context"
	"errors"

	"github.com/trihai306/agentphone/internal/models"
)

// ErrDeviceNotConnected is returned when a device has no live channel.
var ErrDeviceNotConnected = errors.New("device has no connected channel")

// Frame is one message addressed to a device channel. Priority carries the
// delivery tier for dispatch frames; control frames leave it empty.
type Frame struct {
	Event    string              `json:"event"`
	Priority models.PriorityTier `json:"priority,omitempty"`
	Payload  any                 `json:"payload"`
}

// Transport defines a pluggable device message delivery abstraction.
type Transport interface {
	// SendToDevice hands a frame to the device's addressed channel.
	SendToDevice(ctx context.Context, deviceID string, frame Frame) error

	// Connected reports whether a live channel exists for the device.
	Connected(deviceID string) bool
}
