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
	challengePrefix        = "challenge:"
	challengeAttemptPrefix = "challenge_attempts:"
	pendingTOTPPrefix      = "pending_totp:"
)

var ErrChallengeNotFound = fmt.Errorf("challenge not found")

// ChallengeCache stores outstanding second-factor challenges keyed by
// (account, method). Writing a challenge overwrites any outstanding one
// for the same pair and resets its attempt counter, which is exactly the
// single-outstanding-challenge rule.
type ChallengeCache struct {
	client *client.RedisClient
}

func NewChallengeCache(client *client.RedisClient) *ChallengeCache {
	return &ChallengeCache{client: client}
}

func challengeKey(accountID string, method model.SecondFactorMethod) string {
	return fmt.Sprintf("%s%s:%s", challengePrefix, accountID, method)
}

func attemptKey(accountID string, method model.SecondFactorMethod) string {
	return fmt.Sprintf("%s%s:%s", challengeAttemptPrefix, accountID, method)
}

func (c *ChallengeCache) PutChallenge(ctx context.Context, challenge *model.Challenge, ttl time.Duration) error {
	raw, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	key := challengeKey(challenge.AccountID, challenge.Method)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, raw, ttl)
	pipe.Del(ctx, attemptKey(challenge.AccountID, challenge.Method))
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to store challenge",
			zap.String("account_id", challenge.AccountID),
			zap.String("method", string(challenge.Method)),
			zap.Error(err))
		return fmt.Errorf("failed to store challenge: %w", err)
	}

	util.Debug("Challenge stored",
		zap.String("account_id", challenge.AccountID),
		zap.String("method", string(challenge.Method)),
		zap.Duration("ttl", ttl))
	return nil
}

func (c *ChallengeCache) GetChallenge(ctx context.Context, accountID string, method model.SecondFactorMethod) (*model.Challenge, error) {
	raw, found, err := c.client.GetMiss(ctx, challengeKey(accountID, method))
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	if !found {
		return nil, ErrChallengeNotFound
	}

	challenge := &model.Challenge{}
	if err := json.Unmarshal([]byte(raw), challenge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}
	return challenge, nil
}

func (c *ChallengeCache) DeleteChallenge(ctx context.Context, accountID string, method model.SecondFactorMethod) error {
	keys := []string{
		challengeKey(accountID, method),
		attemptKey(accountID, method),
	}
	if err := c.client.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

// IncrementAttempts bumps the attempt counter for the outstanding
// challenge. The TTL tracks the challenge so the counter dies with it.
func (c *ChallengeCache) IncrementAttempts(ctx context.Context, accountID string, method model.SecondFactorMethod, ttl time.Duration) (int, error) {
	count, err := c.client.IncrWithExpire(ctx, attemptKey(accountID, method), ttl)
	if err != nil {
		util.Error("Failed to increment challenge attempts",
			zap.String("account_id", accountID),
			zap.String("method", string(method)),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment challenge attempts: %w", err)
	}
	return int(count), nil
}

// -------------------- TOTP enrollment holding area --------------------

// PutPendingTOTPSecret parks a generated secret until the user proves
// possession. It never touches the account row.
func (c *ChallengeCache) PutPendingTOTPSecret(ctx context.Context, accountID, secret string, ttl time.Duration) error {
	if err := c.client.Set(ctx, pendingTOTPPrefix+accountID, secret, ttl); err != nil {
		return fmt.Errorf("failed to store pending totp secret: %w", err)
	}

	util.Debug("Pending TOTP secret stored",
		zap.String("account_id", accountID),
		zap.Duration("ttl", ttl))
	return nil
}

func (c *ChallengeCache) GetPendingTOTPSecret(ctx context.Context, accountID string) (string, error) {
	secret, found, err := c.client.GetMiss(ctx, pendingTOTPPrefix+accountID)
	if err != nil {
		return "", fmt.Errorf("failed to get pending totp secret: %w", err)
	}
	if !found {
		return "", ErrChallengeNotFound
	}
	return secret, nil
}

func (c *ChallengeCache) DeletePendingTOTPSecret(ctx context.Context, accountID string) error {
	if err := c.client.Del(ctx, pendingTOTPPrefix+accountID); err != nil {
		return fmt.Errorf("failed to delete pending totp secret: %w", err)
	}
	return nil
}
