package coord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quorum/cmd/internal/identity"
	v1 "quorum/shared/contracts/coord/v1"
)

// TokenBroadcaster pushes leader-performed token refreshes and
// invalidations across the connections of a user.
//
// Rotated token material only ever reaches siblings on the same device;
// other devices get a notification-only invalidation so they re-auth
// through their own channel.
type TokenBroadcaster struct {
	log  *slog.Logger
	reg  *Registry
	prop *Propagator
	svc  identity.Service
}

// NewTokenBroadcaster constructs the broadcaster over the identity
// collaborator.
func NewTokenBroadcaster(log *slog.Logger, reg *Registry, prop *Propagator, svc identity.Service) *TokenBroadcaster {
	return &TokenBroadcaster{log: log, reg: reg, prop: prop, svc: svc}
}

// Refresh rotates the tokens via the identity collaborator and fans the
// result out. Only the leader may refresh. Collaborator failures
// propagate to the caller; the caller decides whether to retry.
func (b *TokenBroadcaster) Refresh(ctx context.Context, conn *Conn, refreshToken string) (identity.TokenPair, error) {
	if !conn.IsLeader() {
		return identity.TokenPair{}, ErrNotLeader
	}

	pair, err := b.svc.RefreshToken(ctx, refreshToken)
	if err != nil {
		return identity.TokenPair{}, fmt.Errorf("identity refresh: %w", err)
	}

	now := time.Now().UTC()

	// Same-device siblings (the leader included) receive the new pair.
	updated := NewEnvelope(v1.TypeTokenUpdated, v1.TokenUpdatedPayload{
		Token:        pair.Token,
		RefreshToken: pair.RefreshToken,
		UpdatedAt:    now,
		Source:       conn.TabID,
	})
	b.prop.EmitWithPropagation(DeviceRoomID(conn.DeviceID), updated, PropagationOptions{})

	// Other devices are told their cached tokens are stale, never the
	// raw token.
	invalidated := NewEnvelope(v1.TypeTokenInvalidated, v1.TokenInvalidatedPayload{
		Reason: "rotated",
		Source: conn.DeviceID,
	})
	for _, deviceRoom := range b.reg.Children(UserRoomID(conn.UserID)) {
		if deviceRoom == DeviceRoomID(conn.DeviceID) {
			continue
		}
		b.prop.Emit(deviceRoom, invalidated)
	}

	b.log.Info("token.refresh", "user_id", conn.UserID, "device_id", conn.DeviceID, "tab_id", conn.TabID)
	return pair, nil
}

// Logout invalidates tokens for conn's device, or for every device of
// the user when allDevices is set, and returns the connections the
// transport must force-close.
func (b *TokenBroadcaster) Logout(ctx context.Context, conn *Conn, allDevices bool) ([]*Conn, error) {
	deviceID := conn.DeviceID
	if allDevices {
		deviceID = ""
	}
	if err := b.svc.InvalidateTokens(ctx, conn.UserID, deviceID); err != nil {
		return nil, fmt.Errorf("identity invalidate: %w", err)
	}

	invalidated := NewEnvelope(v1.TypeTokenInvalidated, v1.TokenInvalidatedPayload{
		Reason: "logout",
		Source: conn.TabID,
	})

	var affected []*Conn
	if allDevices {
		b.prop.EmitWithPropagation(UserRoomID(conn.UserID), invalidated, PropagationOptions{
			Direction: v1.DirectionDown,
			Depth:     3,
		})
		affected = b.reg.Members(UserRoomID(conn.UserID))
	} else {
		b.prop.EmitWithPropagation(DeviceRoomID(conn.DeviceID), invalidated, PropagationOptions{
			Direction: v1.DirectionDown,
			Depth:     2,
		})
		affected = b.reg.Members(DeviceRoomID(conn.DeviceID))
	}

	b.log.Info("token.logout", "user_id", conn.UserID, "device_id", conn.DeviceID, "all_devices", allDevices)
	return affected, nil
}
