package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"auth-engine/internal/bucketing"
	"auth-engine/internal/model"
	"auth-engine/internal/util"
)

var ErrNotFound = errors.New("not found")

// AccountRepository persists accounts across the accounts table and the
// email_to_account lookup table.
type AccountRepository struct {
	client   *ScyllaClient
	buckets  *bucketing.BucketingManager
	keyspace string
}

func NewAccountRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *AccountRepository {
	return &AccountRepository{
		client:  client,
		buckets: buckets,
	}
}

// CreateAccount writes the account, its email lookup row and the first
// device in one logged batch. The first device lands trusted, so the
// account never exists without a trusted device.
func (r *AccountRepository) CreateAccount(ctx context.Context, account *model.Account, firstDevice *model.Device) error {
	if account.AccountID == "" {
		account.AccountID = uuid.New().String()
	}
	account.AccountBucket = r.buckets.GetAccountBucket(account.AccountID)

	now := time.Now().UTC()
	account.CreatedAt = now

	batch := r.client.Batch(gocql.LoggedBatch)

	batch.Query(r.client.Prepared.CreateAccount.Statement(),
		account.AccountBucket, account.AccountID, account.Email, account.EmailHash,
		account.PasswordHash, account.SecondFactorEnabled, string(account.PrimaryMethod),
		account.TOTPSecret,
		account.RecoveryEmailEncrypted, account.RecoveryEmailDEK, account.RecoveryEmailKeyID,
		account.RecoveryPhoneEncrypted, account.RecoveryPhoneDEK, account.RecoveryPhoneKeyID,
		account.FailedAttempts, timeOrZero(account.LockedUntil), account.CreatedAt, now)

	batch.Query(r.client.Prepared.CreateEmailToAccount.Statement(),
		account.EmailHash, account.AccountBucket, account.AccountID, now)

	if firstDevice != nil {
		firstDevice.AccountID = account.AccountID
		if firstDevice.DeviceID == "" {
			firstDevice.DeviceID = uuid.New().String()
		}
		firstDevice.Trusted = true
		firstDevice.FirstSeen = now
		firstDevice.LastSeen = now
		firstDevice.UseCount = 1

		batch.Query(r.client.Prepared.CreateDevice.Statement(),
			firstDevice.AccountID, firstDevice.DeviceID, firstDevice.Fingerprint,
			firstDevice.Trusted, firstDevice.UserAgent, firstDevice.Platform,
			firstDevice.FirstSeen, firstDevice.LastSeen, firstDevice.UseCount)
	}

	if err := r.client.ExecuteBatch(batch.WithContext(ctx)); err != nil {
		util.Error("Failed to create account",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
		return fmt.Errorf("failed to create account: %w", err)
	}

	util.Info("Account created",
		zap.String("account_id", account.AccountID),
		zap.Int("account_bucket", account.AccountBucket))

	return nil
}

func (r *AccountRepository) GetAccountByID(ctx context.Context, accountID string) (*model.Account, error) {
	bucket := r.buckets.GetAccountBucket(accountID)
	query := r.client.Prepared.GetAccountByID.Bind(bucket, accountID).WithContext(ctx)
	return r.scanAccount(query, accountID)
}

// GetAccountByEmail resolves the lookup table first, then reads the
// account partition.
func (r *AccountRepository) GetAccountByEmail(ctx context.Context, emailHash string) (*model.Account, error) {
	var bucket int
	var accountID string

	query := r.client.Prepared.GetAccountByEmail.Bind(emailHash).WithContext(ctx)
	if err := r.client.ScanWithRetry(query, &bucket, &accountID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve email hash: %w", err)
	}

	return r.GetAccountByID(ctx, accountID)
}

func (r *AccountRepository) scanAccount(query *gocql.Query, accountID string) (*model.Account, error) {
	account := &model.Account{}
	var primaryMethod string
	var lockedUntil, updatedAt time.Time

	err := r.client.ScanWithRetry(query,
		&account.AccountBucket, &account.AccountID, &account.Email, &account.EmailHash,
		&account.PasswordHash, &account.SecondFactorEnabled, &primaryMethod,
		&account.TOTPSecret,
		&account.RecoveryEmailEncrypted, &account.RecoveryEmailDEK, &account.RecoveryEmailKeyID,
		&account.RecoveryPhoneEncrypted, &account.RecoveryPhoneDEK, &account.RecoveryPhoneKeyID,
		&account.FailedAttempts, &lockedUntil, &account.CreatedAt, &updatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		util.Error("Failed to get account",
			zap.String("account_id", accountID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	account.PrimaryMethod = model.SecondFactorMethod(primaryMethod)
	account.LockedUntil = nilIfZero(lockedUntil)
	account.UpdatedAt = nilIfZero(updatedAt)
	return account, nil
}

func (r *AccountRepository) UpdatePasswordHash(ctx context.Context, accountID, passwordHash string) error {
	bucket := r.buckets.GetAccountBucket(accountID)
	now := time.Now().UTC()

	query := r.client.Prepared.UpdatePasswordHash.Bind(passwordHash, now, bucket, accountID).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}

	util.Info("Password hash updated", zap.String("account_id", accountID))
	return nil
}

func (r *AccountRepository) UpdateSecondFactor(ctx context.Context, accountID string, enabled bool, method model.SecondFactorMethod, totpSecret string) error {
	bucket := r.buckets.GetAccountBucket(accountID)
	now := time.Now().UTC()

	query := r.client.Prepared.UpdateSecondFactor.
		Bind(enabled, string(method), totpSecret, now, bucket, accountID).
		WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update second factor: %w", err)
	}

	util.Info("Second factor updated",
		zap.String("account_id", accountID),
		zap.Bool("enabled", enabled),
		zap.String("method", string(method)))
	return nil
}

func (r *AccountRepository) UpdateLockout(ctx context.Context, accountID string, failures int, lockedUntil *time.Time) error {
	bucket := r.buckets.GetAccountBucket(accountID)
	now := time.Now().UTC()

	query := r.client.Prepared.UpdateLockout.
		Bind(failures, timeOrZero(lockedUntil), now, bucket, accountID).
		WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update lockout: %w", err)
	}
	return nil
}

func (r *AccountRepository) UpdateRecoveryContacts(ctx context.Context, account *model.Account) error {
	bucket := r.buckets.GetAccountBucket(account.AccountID)
	now := time.Now().UTC()

	query := r.client.Prepared.UpdateRecoveryContacts.Bind(
		account.RecoveryEmailEncrypted, account.RecoveryEmailDEK, account.RecoveryEmailKeyID,
		account.RecoveryPhoneEncrypted, account.RecoveryPhoneDEK, account.RecoveryPhoneKeyID,
		now, bucket, account.AccountID,
	).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update recovery contacts: %w", err)
	}

	util.Info("Recovery contacts updated", zap.String("account_id", account.AccountID))
	return nil
}

func (r *AccountRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck()
}

// Scylla has no SQL NULL for scanned time columns; the zero time stands in.

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func nilIfZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
