// Package transport delivers messages to connected device channels.
//
// This file implements the websocket gateway. Each device holds one
// connection; connecting registers it with the presence tracker, heartbeats
// refresh it, and disconnecting marks it offline.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/trihai306/agentphone/internal/presence"
	"github.com/trihai306/agentphone/internal/util"
)

// Gateway timing and buffering constants.
const (
	// DefaultSendBuffer is the per-device outbound frame buffer.
	DefaultSendBuffer = 32
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPongTimeout is how long a connection may stay silent before the
	// read pump gives up on it.
	DefaultPongTimeout = 90 * time.Second
	// DefaultPingInterval is the server-side ping cadence.
	DefaultPingInterval = 30 * time.Second
)

// inboundFrame is what devices send upstream: heartbeats and progress
// events. Progress events are forwarded to external status callbacks and
// are not interpreted here.
type inboundFrame struct {
	Event string `json:"event"`
}

type deviceConn struct {
	// connID correlates the log lines of one socket's lifetime, which
	// matters when a reconnect supersedes an older socket for the same
	// device.
	connID    string
	deviceID  string
	accountID string
	ws        *websocket.Conn
	send      chan Frame
	closeOnce sync.Once
	done      chan struct{}
}

func (c *deviceConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Gateway is the websocket Transport implementation. It owns the live
// device channels and feeds the presence tracker.
type Gateway struct {
	tracker  *presence.Tracker
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*deviceConn
}

// NewGateway creates a Gateway. The presence tracker is required; there is
// no implicit default.
func NewGateway(tracker *presence.Tracker) *Gateway {
	return &Gateway{
		tracker: tracker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Device agents connect from app webviews without an Origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*deviceConn),
	}
}

// HandleWS upgrades a device connection and runs its pumps. Devices
// identify themselves with device_id and account_id query parameters.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	accountID := r.URL.Query().Get("account_id")
	internalID := r.URL.Query().Get("internal_id")
	if deviceID == "" || accountID == "" {
		slog.Warn("Gateway.HandleWS: missing identity parameters", "device_id", deviceID, "account_id", accountID)
		http.Error(w, "device_id and account_id are required", http.StatusBadRequest)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Gateway.HandleWS: upgrade failed", "error", err, "device_id", deviceID)
		return
	}

	conn := &deviceConn{
		connID:    util.GenerateRandomID("conn_", 8),
		deviceID:  deviceID,
		accountID: accountID,
		ws:        ws,
		send:      make(chan Frame, DefaultSendBuffer),
		done:      make(chan struct{}),
	}
	g.register(conn)

	ctx := context.Background()
	if err := g.tracker.MarkOnline(ctx, accountID, deviceID, internalID); err != nil {
		slog.Error("Gateway.HandleWS: failed to mark device online", "error", err, "device_id", deviceID)
	}
	slog.Info("Gateway.HandleWS: device connected", "device_id", deviceID, "account_id", accountID, "conn_id", conn.connID)

	go g.writePump(conn)
	g.readPump(ctx, conn)

	g.unregister(conn)
	if err := g.tracker.MarkOffline(ctx, accountID, deviceID); err != nil {
		slog.Error("Gateway.HandleWS: failed to mark device offline", "error", err, "device_id", deviceID)
	}
	slog.Info("Gateway.HandleWS: device disconnected", "device_id", deviceID, "conn_id", conn.connID)
}

func (g *Gateway) register(conn *deviceConn) {
	g.mu.Lock()
	prev := g.conns[conn.deviceID]
	g.conns[conn.deviceID] = conn
	g.mu.Unlock()
	if prev != nil {
		// A reconnect supersedes the previous channel.
		slog.Debug("Gateway.register: superseding previous connection", "device_id", conn.deviceID, "old_conn_id", prev.connID, "conn_id", conn.connID)
		prev.close()
	}
}

func (g *Gateway) unregister(conn *deviceConn) {
	g.mu.Lock()
	if g.conns[conn.deviceID] == conn {
		delete(g.conns, conn.deviceID)
	}
	g.mu.Unlock()
	conn.close()
}

// readPump consumes inbound frames until the connection drops. Heartbeats
// refresh presence; everything else belongs to the status-callback path.
func (g *Gateway) readPump(ctx context.Context, conn *deviceConn) {
	conn.ws.SetReadDeadline(time.Now().Add(DefaultPongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(DefaultPongTimeout))
		return g.tracker.Refresh(ctx, conn.accountID, conn.deviceID)
	})
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Gateway.readPump: connection closed unexpectedly", "error", err, "device_id", conn.deviceID)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(DefaultPongTimeout))
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("Gateway.readPump: undecodable frame ignored", "device_id", conn.deviceID)
			continue
		}
		if frame.Event == "heartbeat" {
			if err := g.tracker.Refresh(ctx, conn.accountID, conn.deviceID); err != nil {
				slog.Error("Gateway.readPump: presence refresh failed", "error", err, "device_id", conn.deviceID)
			}
		}
	}
}

// writePump serializes outbound frames onto the websocket and keeps the
// connection alive with pings.
func (g *Gateway) writePump(conn *deviceConn) {
	ticker := time.NewTicker(DefaultPingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-conn.send:
			if !ok {
				return
			}
			conn.ws.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
			if err := conn.ws.WriteJSON(frame); err != nil {
				slog.Error("Gateway.writePump: write failed", "error", err, "device_id", conn.deviceID, "event", frame.Event)
				conn.close()
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.close()
				return
			}
		case <-conn.done:
			return
		}
	}
}

// SendToDevice queues a frame on the device's channel.
func (g *Gateway) SendToDevice(ctx context.Context, deviceID string, frame Frame) error {
	g.mu.RLock()
	conn := g.conns[deviceID]
	g.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("device %s: %w", deviceID, ErrDeviceNotConnected)
	}
	select {
	case conn.send <- frame:
		return nil
	case <-conn.done:
		return fmt.Errorf("device %s: %w", deviceID, ErrDeviceNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether the device has a live channel.
func (g *Gateway) Connected(deviceID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.conns[deviceID] != nil
}
