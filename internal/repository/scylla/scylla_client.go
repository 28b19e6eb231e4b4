package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"auth-engine/internal/config"
	"auth-engine/internal/util"
)

// PreparedStatements holds the statements the repositories bind per call.
// Session rows are duplicated across sessions and sessions_by_id so both
// token introspection (by session id) and account listings stay
// single-partition reads; every write touches both tables in one logged
// batch.
type PreparedStatements struct {
	CreateAccount          *gocql.Query
	CreateEmailToAccount   *gocql.Query
	GetAccountByID         *gocql.Query
	GetAccountByEmail      *gocql.Query
	UpdatePasswordHash     *gocql.Query
	UpdateSecondFactor     *gocql.Query
	UpdateLockout          *gocql.Query
	UpdateRecoveryContacts *gocql.Query

	CreateDevice *gocql.Query
	GetDevice    *gocql.Query
	ListDevices  *gocql.Query
	SetTrust     *gocql.Query
	TouchDevice  *gocql.Query
	DeleteDevice *gocql.Query

	GetSessionByID *gocql.Query
	ListSessions   *gocql.Query

	ListBackupCodes  *gocql.Query
	SpendBackupCode  *gocql.Query
	AddPasskey       *gocql.Query
	ListPasskeys     *gocql.Query
	UpdatePasskeyUse *gocql.Query

	CreateGrant  *gocql.Query
	GetGrant     *gocql.Query
	ConsumeGrant *gocql.Query
	ReleaseGrant *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateAccount = s.Session.Query(`
        INSERT INTO accounts (
            account_bucket, account_id, email, email_hash, password_hash,
            second_factor_enabled, primary_method, totp_secret,
            recovery_email_encrypted, recovery_email_dek, recovery_email_key_id,
            recovery_phone_encrypted, recovery_phone_dek, recovery_phone_key_id,
            failed_attempts, locked_until, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateEmailToAccount = s.Session.Query(`
        INSERT INTO email_to_account (email_hash, account_bucket, account_id, created_at)
        VALUES (?, ?, ?, ?)`)

	prepared.GetAccountByID = s.Session.Query(`
        SELECT account_bucket, account_id, email, email_hash, password_hash,
            second_factor_enabled, primary_method, totp_secret,
            recovery_email_encrypted, recovery_email_dek, recovery_email_key_id,
            recovery_phone_encrypted, recovery_phone_dek, recovery_phone_key_id,
            failed_attempts, locked_until, created_at, updated_at
        FROM accounts WHERE account_bucket = ? AND account_id = ?`)

	prepared.GetAccountByEmail = s.Session.Query(`
        SELECT account_bucket, account_id FROM email_to_account WHERE email_hash = ?`)

	prepared.UpdatePasswordHash = s.Session.Query(`
        UPDATE accounts SET password_hash = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.UpdateSecondFactor = s.Session.Query(`
        UPDATE accounts SET second_factor_enabled = ?, primary_method = ?, totp_secret = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.UpdateLockout = s.Session.Query(`
        UPDATE accounts SET failed_attempts = ?, locked_until = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.UpdateRecoveryContacts = s.Session.Query(`
        UPDATE accounts SET
            recovery_email_encrypted = ?, recovery_email_dek = ?, recovery_email_key_id = ?,
            recovery_phone_encrypted = ?, recovery_phone_dek = ?, recovery_phone_key_id = ?,
            updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.CreateDevice = s.Session.Query(`
        INSERT INTO devices (
            account_id, device_id, fingerprint, trusted, user_agent, platform,
            first_seen, last_seen, use_count
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetDevice = s.Session.Query(`
        SELECT account_id, device_id, fingerprint, trusted, user_agent, platform,
            first_seen, last_seen, use_count
        FROM devices WHERE account_id = ? AND device_id = ?`)

	prepared.ListDevices = s.Session.Query(`
        SELECT account_id, device_id, fingerprint, trusted, user_agent, platform,
            first_seen, last_seen, use_count
        FROM devices WHERE account_id = ?`)

	prepared.SetTrust = s.Session.Query(`
        UPDATE devices SET trusted = ? WHERE account_id = ? AND device_id = ?`)

	prepared.TouchDevice = s.Session.Query(`
        UPDATE devices SET last_seen = ?, use_count = ?
        WHERE account_id = ? AND device_id = ?`)

	prepared.DeleteDevice = s.Session.Query(`
        DELETE FROM devices WHERE account_id = ? AND device_id = ?`)

	prepared.GetSessionByID = s.Session.Query(`
        SELECT session_id, account_id, device_id, active, refresh_token,
            issued_at, expires_at, last_refreshed, revoked_reason
        FROM sessions_by_id WHERE session_id = ?`)

	prepared.ListSessions = s.Session.Query(`
        SELECT session_id, account_id, device_id, active, refresh_token,
            issued_at, expires_at, last_refreshed, revoked_reason
        FROM sessions WHERE account_id = ?`)

	prepared.ListBackupCodes = s.Session.Query(`
        SELECT account_id, code_hash, batch_id, spent_at, created_at
        FROM backup_codes WHERE account_id = ?`)

	prepared.SpendBackupCode = s.Session.Query(`
        UPDATE backup_codes SET spent_at = ?
        WHERE account_id = ? AND code_hash = ? IF spent_at = null`)

	prepared.AddPasskey = s.Session.Query(`
        INSERT INTO passkeys (
            account_id, credential_id, public_key, sign_count, aaguid,
            transports, device_name, created_at, last_used_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.ListPasskeys = s.Session.Query(`
        SELECT account_id, credential_id, public_key, sign_count, aaguid,
            transports, device_name, created_at, last_used_at
        FROM passkeys WHERE account_id = ?`)

	prepared.UpdatePasskeyUse = s.Session.Query(`
        UPDATE passkeys SET sign_count = ?, last_used_at = ?
        WHERE account_id = ? AND credential_id = ?`)

	prepared.CreateGrant = s.Session.Query(`
        INSERT INTO recovery_grants (grant_id, account_id, token_hash, issued_at, expires_at, consumed_at)
        VALUES (?, ?, ?, ?, ?, ?) USING TTL ?`)

	prepared.GetGrant = s.Session.Query(`
        SELECT grant_id, account_id, token_hash, issued_at, expires_at, consumed_at
        FROM recovery_grants WHERE grant_id = ?`)

	prepared.ConsumeGrant = s.Session.Query(`
        UPDATE recovery_grants SET consumed_at = ?
        WHERE grant_id = ? IF consumed_at = null`)

	prepared.ReleaseGrant = s.Session.Query(`
        UPDATE recovery_grants SET consumed_at = null
        WHERE grant_id = ? IF EXISTS`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
