package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"auth-engine/internal/client"
	"auth-engine/internal/util"
)

const accountLockPrefix = "account_lock:"

// AccountLocker serializes trust transitions and refreshes per account
// with a best-effort SetNX lease. The TTL bounds how long a crashed
// holder can block the account.
type AccountLocker struct {
	client *client.RedisClient
}

func NewAccountLocker(client *client.RedisClient) *AccountLocker {
	return &AccountLocker{client: client}
}

func (l *AccountLocker) Acquire(ctx context.Context, accountID string, ttl time.Duration) (bool, error) {
	acquired, err := l.client.SetNX(ctx, accountLockPrefix+accountID, "held", ttl)
	if err != nil {
		util.Error("Failed to acquire account lock",
			zap.String("account_id", accountID),
			zap.Error(err))
		return false, fmt.Errorf("failed to acquire account lock: %w", err)
	}

	if acquired {
		util.Debug("Account lock acquired",
			zap.String("account_id", accountID),
			zap.Duration("ttl", ttl))
	}
	return acquired, nil
}

func (l *AccountLocker) Release(ctx context.Context, accountID string) error {
	if err := l.client.Del(ctx, accountLockPrefix+accountID); err != nil {
		util.Error("Failed to release account lock",
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to release account lock: %w", err)
	}

	util.Debug("Account lock released", zap.String("account_id", accountID))
	return nil
}
