// Package presence maintains the live record of connected devices.
//
// This file implements the Tracker, the sole authority the dispatcher
// consults before sending to a device. It avoids a durable write per
// heartbeat at fleet scale: the expiring store holds the truth, and a
// scheduled reconciliation pass folds it back into the database.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/trihai306/agentphone/internal/store"
)

// Key layout and expiry window for the online sets.
const (
	onlineSetPrefix  = "online-devices:"
	deviceInfoPrefix = "device-info:"
	// DefaultTTL is the expiry window for online sets and info records.
	// A device that neither heartbeats nor re-registers inside this window
	// is evicted.
	DefaultTTL = 60 * time.Second
)

// deviceInfo is the per-device info record stored alongside set membership.
type deviceInfo struct {
	AccountID  string `json:"account_id"`
	InternalID string `json:"internal_id"`
}

// Tracker tracks device presence per owning account over an expiring store.
type Tracker struct {
	client Client
	store  store.Store
	ttl    time.Duration
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTTL overrides the expiry window for online sets and info records.
func WithTTL(ttl time.Duration) TrackerOption {
	return func(t *Tracker) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// NewTracker creates a Tracker. Both the expiring-store client and the
// durable store are required; there is no implicit default.
func NewTracker(client Client, st store.Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{client: client, store: st, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func onlineSetKey(accountID string) string { return onlineSetPrefix + accountID }
func deviceInfoKey(deviceID string) string { return deviceInfoPrefix + deviceID }

// MarkOnline adds the device to its account's online set, refreshes the
// set's expiry, and writes the device info record with the same expiry.
func (t *Tracker) MarkOnline(ctx context.Context, accountID, deviceID, internalID string) error {
	setKey := onlineSetKey(accountID)
	if err := t.client.SAdd(ctx, setKey, deviceID); err != nil {
		return fmt.Errorf("failed to add device %s to online set: %w", deviceID, err)
	}
	if _, err := t.client.Expire(ctx, setKey, t.ttl); err != nil {
		return fmt.Errorf("failed to refresh online set expiry: %w", err)
	}
	info, err := json.Marshal(deviceInfo{AccountID: accountID, InternalID: internalID})
	if err != nil {
		return fmt.Errorf("failed to marshal device info: %w", err)
	}
	if err := t.client.Set(ctx, deviceInfoKey(deviceID), string(info), t.ttl); err != nil {
		return fmt.Errorf("failed to write device info for %s: %w", deviceID, err)
	}
	slog.Debug("Tracker.MarkOnline: device online", "account_id", accountID, "device_id", deviceID)
	return nil
}

// MarkOffline removes the device from its account's online set and deletes
// its info record.
func (t *Tracker) MarkOffline(ctx context.Context, accountID, deviceID string) error {
	if err := t.client.SRem(ctx, onlineSetKey(accountID), deviceID); err != nil {
		return fmt.Errorf("failed to remove device %s from online set: %w", deviceID, err)
	}
	if err := t.client.Del(ctx, deviceInfoKey(deviceID)); err != nil {
		return fmt.Errorf("failed to delete device info for %s: %w", deviceID, err)
	}
	slog.Debug("Tracker.MarkOffline: device offline", "account_id", accountID, "device_id", deviceID)
	return nil
}

// IsOnline reports whether the device is currently a member of its account's
// online set. This is the only check the dispatcher trusts at send time.
func (t *Tracker) IsOnline(ctx context.Context, accountID, deviceID string) (bool, error) {
	online, err := t.client.SIsMember(ctx, onlineSetKey(accountID), deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to check presence of device %s: %w", deviceID, err)
	}
	return online, nil
}

// Refresh extends the expiry of the account's online set and the device's
// info record, but only while the device is still a member. A refresh can
// never resurrect an evicted device; it must re-register via MarkOnline.
func (t *Tracker) Refresh(ctx context.Context, accountID, deviceID string) error {
	setKey := onlineSetKey(accountID)
	member, err := t.client.SIsMember(ctx, setKey, deviceID)
	if err != nil {
		return fmt.Errorf("failed to check membership for refresh of %s: %w", deviceID, err)
	}
	if !member {
		slog.Debug("Tracker.Refresh: device not in online set, ignoring", "account_id", accountID, "device_id", deviceID)
		return nil
	}
	if _, err := t.client.Expire(ctx, setKey, t.ttl); err != nil {
		return fmt.Errorf("failed to refresh online set expiry: %w", err)
	}
	if _, err := t.client.Expire(ctx, deviceInfoKey(deviceID), t.ttl); err != nil {
		return fmt.Errorf("failed to refresh device info expiry: %w", err)
	}
	return nil
}

// MarkAllOffline clears one account's entire online set and the associated
// info records. Used when a connectivity channel is fully vacated.
func (t *Tracker) MarkAllOffline(ctx context.Context, accountID string) error {
	setKey := onlineSetKey(accountID)
	members, err := t.client.SMembers(ctx, setKey)
	if err != nil {
		return fmt.Errorf("failed to list online devices for account %s: %w", accountID, err)
	}
	keys := make([]string, 0, len(members)+1)
	for _, deviceID := range members {
		keys = append(keys, deviceInfoKey(deviceID))
	}
	keys = append(keys, setKey)
	if err := t.client.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to clear online set for account %s: %w", accountID, err)
	}
	slog.Info("Tracker.MarkAllOffline: cleared account presence", "account_id", accountID, "devices", len(members))
	return nil
}

// SyncToDatabase reconciles the live online sets into durable storage:
// every currently-online device is marked connected and all others
// disconnected, inside one transaction. Store errors are logged and
// skipped so the next scheduled pass proceeds independently. Callers must
// ensure runs do not overlap.
func (t *Tracker) SyncToDatabase(ctx context.Context) error {
	keys, err := t.client.Keys(ctx, onlineSetPrefix+"*")
	if err != nil {
		slog.Error("Tracker.SyncToDatabase: failed to enumerate online sets", "error", err)
		return fmt.Errorf("failed to enumerate online sets: %w", err)
	}
	seen := make(map[string]bool)
	var onlineIDs []string
	for _, key := range keys {
		members, err := t.client.SMembers(ctx, key)
		if err != nil {
			slog.Error("Tracker.SyncToDatabase: failed to read online set", "error", err, "key", key)
			continue
		}
		accountID := strings.TrimPrefix(key, onlineSetPrefix)
		for _, deviceID := range members {
			if !seen[deviceID] {
				seen[deviceID] = true
				onlineIDs = append(onlineIDs, deviceID)
			}
		}
		slog.Debug("Tracker.SyncToDatabase: collected account set", "account_id", accountID, "devices", len(members))
	}
	if err := t.store.SyncConnectedDevices(onlineIDs); err != nil {
		slog.Error("Tracker.SyncToDatabase: store sync failed", "error", err, "online", len(onlineIDs))
		return fmt.Errorf("failed to sync connected devices: %w", err)
	}
	slog.Info("Tracker.SyncToDatabase: reconciled device connectivity", "online", len(onlineIDs), "accounts", len(keys))
	return nil
}
