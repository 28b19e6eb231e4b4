package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"auth-engine/internal/model"
	"auth-engine/internal/util"
)

// SecondFactorRepository holds backup-code pools, passkey credentials and
// recovery grants. Single-use semantics (backup codes, grants) go through
// lightweight transactions so concurrent redemptions cannot both win.
type SecondFactorRepository struct {
	client *ScyllaClient
}

func NewSecondFactorRepository(client *ScyllaClient) *SecondFactorRepository {
	return &SecondFactorRepository{client: client}
}

// -------------------- Backup codes --------------------

// ReplaceBackupCodes drops the previous pool and installs the new batch in
// one logged batch. Unspent codes of the old batch die with it.
func (r *SecondFactorRepository) ReplaceBackupCodes(ctx context.Context, accountID, batchID string, codeHashes []string) error {
	now := time.Now().UTC()

	batch := r.client.Batch(gocql.LoggedBatch)
	batch.Query(`DELETE FROM backup_codes WHERE account_id = ?`, accountID)
	for _, hash := range codeHashes {
		batch.Query(`
            INSERT INTO backup_codes (account_id, code_hash, batch_id, spent_at, created_at)
            VALUES (?, ?, ?, ?, ?)`,
			accountID, hash, batchID, time.Time{}, now)
	}

	if err := r.client.ExecuteBatch(batch.WithContext(ctx)); err != nil {
		util.Error("Failed to replace backup codes",
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to replace backup codes: %w", err)
	}

	util.Info("Backup codes replaced",
		zap.String("account_id", accountID),
		zap.String("batch_id", batchID),
		zap.Int("count", len(codeHashes)))
	return nil
}

func (r *SecondFactorRepository) ListBackupCodes(ctx context.Context, accountID string) ([]*model.BackupCode, error) {
	iter := r.client.Prepared.ListBackupCodes.Bind(accountID).WithContext(ctx).Iter()

	var codes []*model.BackupCode
	for {
		code := &model.BackupCode{}
		var spentAt time.Time
		if !iter.Scan(&code.AccountID, &code.CodeHash, &code.BatchID, &spentAt, &code.CreatedAt) {
			break
		}
		code.SpentAt = nilIfZero(spentAt)
		codes = append(codes, code)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list backup codes: %w", err)
	}

	return codes, nil
}

// ConsumeBackupCode marks the code spent if and only if it is still
// unspent. Returns false when the code does not exist or already burned.
func (r *SecondFactorRepository) ConsumeBackupCode(ctx context.Context, accountID, codeHash string) (bool, error) {
	var priorSpentAt time.Time
	applied, err := r.client.Prepared.SpendBackupCode.
		Bind(time.Now().UTC(), accountID, codeHash).
		WithContext(ctx).
		ScanCAS(&priorSpentAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}

	if applied {
		util.Info("Backup code consumed", zap.String("account_id", accountID))
	}
	return applied, nil
}

// -------------------- Passkeys --------------------

func (r *SecondFactorRepository) AddPasskey(ctx context.Context, credential *model.PasskeyCredential) error {
	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = time.Now().UTC()
	}

	query := r.client.Prepared.AddPasskey.Bind(
		credential.AccountID, credential.CredentialID, credential.PublicKey,
		int(credential.SignCount), credential.AAGUID, credential.Transports,
		credential.DeviceName, credential.CreatedAt, timeOrZero(credential.LastUsedAt),
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to add passkey: %w", err)
	}

	util.Info("Passkey registered",
		zap.String("account_id", credential.AccountID),
		zap.String("device_name", credential.DeviceName))
	return nil
}

func (r *SecondFactorRepository) ListPasskeys(ctx context.Context, accountID string) ([]*model.PasskeyCredential, error) {
	iter := r.client.Prepared.ListPasskeys.Bind(accountID).WithContext(ctx).Iter()

	var credentials []*model.PasskeyCredential
	for {
		cred := &model.PasskeyCredential{}
		var signCount int
		var lastUsedAt time.Time
		if !iter.Scan(&cred.AccountID, &cred.CredentialID, &cred.PublicKey, &signCount,
			&cred.AAGUID, &cred.Transports, &cred.DeviceName, &cred.CreatedAt, &lastUsedAt) {
			break
		}
		cred.SignCount = uint32(signCount)
		cred.LastUsedAt = nilIfZero(lastUsedAt)
		credentials = append(credentials, cred)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list passkeys: %w", err)
	}

	return credentials, nil
}

func (r *SecondFactorRepository) UpdatePasskeySignCount(ctx context.Context, accountID string, credentialID []byte, signCount uint32, usedAt time.Time) error {
	query := r.client.Prepared.UpdatePasskeyUse.
		Bind(int(signCount), usedAt.UTC(), accountID, credentialID).
		WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update passkey sign count: %w", err)
	}
	return nil
}

// -------------------- Recovery grants --------------------

// CreateGrant inserts a grant with a row TTL slightly past its logical
// expiry; the expiry check in the service is authoritative, the TTL only
// keeps the table from accumulating dead rows.
func (r *SecondFactorRepository) CreateGrant(ctx context.Context, grant *model.RecoveryGrant) error {
	rowTTL := int(time.Until(grant.ExpiresAt).Seconds()) + 3600
	if rowTTL < 60 {
		rowTTL = 60
	}

	query := r.client.Prepared.CreateGrant.Bind(
		grant.GrantID, grant.AccountID, grant.TokenHash,
		grant.IssuedAt, grant.ExpiresAt, timeOrZero(grant.ConsumedAt), rowTTL,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to create recovery grant",
			zap.String("account_id", grant.AccountID),
			zap.Error(err))
		return fmt.Errorf("failed to create recovery grant: %w", err)
	}

	util.Info("Recovery grant created",
		zap.String("account_id", grant.AccountID),
		zap.String("grant_id", grant.GrantID),
		zap.Time("expires_at", grant.ExpiresAt))
	return nil
}

func (r *SecondFactorRepository) GetGrant(ctx context.Context, grantID string) (*model.RecoveryGrant, error) {
	grant := &model.RecoveryGrant{}
	var consumedAt time.Time

	query := r.client.Prepared.GetGrant.Bind(grantID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&grant.GrantID, &grant.AccountID, &grant.TokenHash,
		&grant.IssuedAt, &grant.ExpiresAt, &consumedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get recovery grant: %w", err)
	}

	grant.ConsumedAt = nilIfZero(consumedAt)
	return grant, nil
}

// ConsumeGrant is a compare-and-set: only one caller observes applied.
func (r *SecondFactorRepository) ConsumeGrant(ctx context.Context, grantID string, consumedAt time.Time) (bool, error) {
	var priorConsumedAt time.Time
	applied, err := r.client.Prepared.ConsumeGrant.
		Bind(consumedAt.UTC(), grantID).
		WithContext(ctx).
		ScanCAS(&priorConsumedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to consume recovery grant: %w", err)
	}

	if applied {
		util.Info("Recovery grant consumed", zap.String("grant_id", grantID))
	}
	return applied, nil
}

// ReleaseGrant reopens a grant whose consumption did not complete. The
// IF EXISTS guard keeps it from resurrecting a TTL-expired row.
func (r *SecondFactorRepository) ReleaseGrant(ctx context.Context, grantID string) error {
	applied, err := r.client.Prepared.ReleaseGrant.
		Bind(grantID).
		WithContext(ctx).
		ScanCAS()
	if err != nil && err != gocql.ErrNotFound {
		return fmt.Errorf("failed to release recovery grant: %w", err)
	}

	if applied {
		util.Info("Recovery grant released", zap.String("grant_id", grantID))
	}
	return nil
}
