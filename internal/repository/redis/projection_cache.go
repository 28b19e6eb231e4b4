package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"auth-engine/internal/client"
	"auth-engine/internal/model"
	"auth-engine/internal/util"
)

const (
	sessionListPrefix = "proj:sessions:"
	deviceListPrefix  = "proj:devices:"
	profilePrefix     = "proj:profile:"

	sessionListTTL = 10 * time.Minute
	deviceListTTL  = 10 * time.Minute
	profileTTL     = 30 * time.Minute
)

// ProjectionCache mirrors durable state for read paths. It never
// originates state: a miss or any decode problem falls through to the
// store, and every trust-bearing mutation invalidates synchronously
// before the caller reports success.
type ProjectionCache struct {
	client *client.RedisClient
}

func NewProjectionCache(client *client.RedisClient) *ProjectionCache {
	return &ProjectionCache{client: client}
}

func (c *ProjectionCache) GetSessionList(ctx context.Context, accountID string) ([]*model.Session, bool) {
	var sessions []*model.Session
	if !c.getJSON(ctx, sessionListPrefix+accountID, &sessions) {
		return nil, false
	}
	return sessions, true
}

func (c *ProjectionCache) SetSessionList(ctx context.Context, accountID string, sessions []*model.Session) error {
	return c.setJSON(ctx, sessionListPrefix+accountID, sessions, sessionListTTL)
}

func (c *ProjectionCache) GetDeviceList(ctx context.Context, accountID string) ([]*model.Device, bool) {
	var devices []*model.Device
	if !c.getJSON(ctx, deviceListPrefix+accountID, &devices) {
		return nil, false
	}
	return devices, true
}

func (c *ProjectionCache) SetDeviceList(ctx context.Context, accountID string, devices []*model.Device) error {
	return c.setJSON(ctx, deviceListPrefix+accountID, devices, deviceListTTL)
}

func (c *ProjectionCache) GetProfile(ctx context.Context, accountID string) (*model.Account, bool) {
	account := &model.Account{}
	if !c.getJSON(ctx, profilePrefix+accountID, account) {
		return nil, false
	}
	return account, true
}

func (c *ProjectionCache) SetProfile(ctx context.Context, accountID string, account *model.Account) error {
	return c.setJSON(ctx, profilePrefix+accountID, account, profileTTL)
}

// InvalidateAccount drops every projection for the account in one call.
func (c *ProjectionCache) InvalidateAccount(ctx context.Context, accountID string) error {
	keys := []string{
		sessionListPrefix + accountID,
		deviceListPrefix + accountID,
		profilePrefix + accountID,
	}
	if err := c.client.Del(ctx, keys...); err != nil {
		util.Error("Failed to invalidate account projections",
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to invalidate account projections: %w", err)
	}

	util.Debug("Account projections invalidated", zap.String("account_id", accountID))
	return nil
}

func (c *ProjectionCache) InvalidateSessions(ctx context.Context, accountID string) error {
	if err := c.client.Del(ctx, sessionListPrefix+accountID); err != nil {
		return fmt.Errorf("failed to invalidate session projection: %w", err)
	}
	return nil
}

func (c *ProjectionCache) InvalidateDevices(ctx context.Context, accountID string) error {
	if err := c.client.Del(ctx, deviceListPrefix+accountID); err != nil {
		return fmt.Errorf("failed to invalidate device projection: %w", err)
	}
	return nil
}

func (c *ProjectionCache) getJSON(ctx context.Context, key string, target interface{}) bool {
	raw, found, err := c.client.GetMiss(ctx, key)
	if err != nil {
		util.Warn("Projection cache read failed, falling through to store",
			zap.String("key", key),
			zap.Error(err))
		return false
	}
	if !found {
		return false
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		util.Warn("Projection cache entry corrupt, dropping",
			zap.String("key", key),
			zap.Error(err))
		_ = c.client.Del(ctx, key)
		return false
	}
	return true
}

func (c *ProjectionCache) setJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal projection: %w", err)
	}
	if err := c.client.Set(ctx, key, raw, ttl); err != nil {
		util.Error("Failed to write projection",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to write projection: %w", err)
	}
	return nil
}
