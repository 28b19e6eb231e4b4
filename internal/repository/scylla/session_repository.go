package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"auth-engine/internal/model"
	"auth-engine/internal/util"
)

// SessionRepository duplicates session rows across sessions (partitioned
// by account) and sessions_by_id (partitioned by session). Every mutation
// goes through a logged batch so the two tables cannot drift. Revocation
// flips active and records a reason; rows are never deleted.
type SessionRepository struct {
	client *ScyllaClient
}

func NewSessionRepository(client *ScyllaClient) *SessionRepository {
	return &SessionRepository{client: client}
}

const (
	insertSessionCQL = `
        INSERT INTO sessions (
            account_id, session_id, device_id, active, refresh_token,
            issued_at, expires_at, last_refreshed, revoked_reason
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertSessionByIDCQL = `
        INSERT INTO sessions_by_id (
            session_id, account_id, device_id, active, refresh_token,
            issued_at, expires_at, last_refreshed, revoked_reason
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	updateExpiryCQL = `
        UPDATE sessions SET expires_at = ?, refresh_token = ?, last_refreshed = ?
        WHERE account_id = ? AND session_id = ?`

	updateExpiryByIDCQL = `
        UPDATE sessions_by_id SET expires_at = ?, refresh_token = ?, last_refreshed = ?
        WHERE session_id = ?`

	revokeSessionCQL = `
        UPDATE sessions SET active = false, revoked_reason = ?
        WHERE account_id = ? AND session_id = ?`

	revokeSessionByIDCQL = `
        UPDATE sessions_by_id SET active = false, revoked_reason = ?
        WHERE session_id = ?`

	redateSessionCQL = `
        UPDATE sessions SET expires_at = ?
        WHERE account_id = ? AND session_id = ?`

	redateSessionByIDCQL = `
        UPDATE sessions_by_id SET expires_at = ?
        WHERE session_id = ?`
)

func (r *SessionRepository) CreateSession(ctx context.Context, session *model.Session) error {
	if session.SessionID == "" {
		session.SessionID = uuid.New().String()
	}
	if session.IssuedAt.IsZero() {
		session.IssuedAt = time.Now().UTC()
	}
	session.Active = true

	batch := r.client.Batch(gocql.LoggedBatch)
	batch.Query(insertSessionCQL,
		session.AccountID, session.SessionID, session.DeviceID, session.Active,
		session.RefreshToken, session.IssuedAt, session.ExpiresAt,
		timeOrZero(session.LastRefreshed), session.RevokedReason)
	batch.Query(insertSessionByIDCQL,
		session.SessionID, session.AccountID, session.DeviceID, session.Active,
		session.RefreshToken, session.IssuedAt, session.ExpiresAt,
		timeOrZero(session.LastRefreshed), session.RevokedReason)

	if err := r.client.ExecuteBatch(batch.WithContext(ctx)); err != nil {
		util.Error("Failed to create session",
			zap.String("account_id", session.AccountID),
			zap.String("session_id", session.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	util.Info("Session created",
		zap.String("account_id", session.AccountID),
		zap.String("session_id", session.SessionID),
		zap.String("device_id", session.DeviceID),
		zap.Time("expires_at", session.ExpiresAt))

	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	session := &model.Session{}
	var lastRefreshed time.Time

	query := r.client.Prepared.GetSessionByID.Bind(sessionID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&session.SessionID, &session.AccountID, &session.DeviceID, &session.Active,
		&session.RefreshToken, &session.IssuedAt, &session.ExpiresAt,
		&lastRefreshed, &session.RevokedReason)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session.LastRefreshed = nilIfZero(lastRefreshed)
	return session, nil
}

func (r *SessionRepository) ListSessions(ctx context.Context, accountID string) ([]*model.Session, error) {
	iter := r.client.Prepared.ListSessions.Bind(accountID).WithContext(ctx).Iter()

	var sessions []*model.Session
	for {
		session := &model.Session{}
		var lastRefreshed time.Time
		if !iter.Scan(
			&session.SessionID, &session.AccountID, &session.DeviceID, &session.Active,
			&session.RefreshToken, &session.IssuedAt, &session.ExpiresAt,
			&lastRefreshed, &session.RevokedReason) {
			break
		}
		session.LastRefreshed = nilIfZero(lastRefreshed)
		sessions = append(sessions, session)
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list sessions",
			zap.String("account_id", accountID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return sessions, nil
}

func (r *SessionRepository) UpdateExpiry(ctx context.Context, accountID, sessionID string, expiresAt time.Time, refreshToken string, refreshedAt time.Time) error {
	batch := r.client.Batch(gocql.LoggedBatch)
	batch.Query(updateExpiryCQL, expiresAt, refreshToken, refreshedAt, accountID, sessionID)
	batch.Query(updateExpiryByIDCQL, expiresAt, refreshToken, refreshedAt, sessionID)

	if err := r.client.ExecuteBatch(batch.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to update session expiry: %w", err)
	}

	util.Info("Session refreshed",
		zap.String("account_id", accountID),
		zap.String("session_id", sessionID),
		zap.Time("expires_at", expiresAt))
	return nil
}

func (r *SessionRepository) Revoke(ctx context.Context, accountID, sessionID, reason string) error {
	batch := r.client.Batch(gocql.LoggedBatch)
	batch.Query(revokeSessionCQL, reason, accountID, sessionID)
	batch.Query(revokeSessionByIDCQL, reason, sessionID)

	if err := r.client.ExecuteBatch(batch.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	util.Info("Session revoked",
		zap.String("account_id", accountID),
		zap.String("session_id", sessionID),
		zap.String("reason", reason))
	return nil
}

// RevokeAll revokes every active session for the account, optionally
// sparing one. Returns how many sessions were revoked.
func (r *SessionRepository) RevokeAll(ctx context.Context, accountID, reason, exceptSessionID string) (int, error) {
	sessions, err := r.ListSessions(ctx, accountID)
	if err != nil {
		return 0, err
	}

	batch := r.client.Batch(gocql.LoggedBatch)
	revoked := 0
	for _, s := range sessions {
		if !s.Active || s.SessionID == exceptSessionID {
			continue
		}
		batch.Query(revokeSessionCQL, reason, accountID, s.SessionID)
		batch.Query(revokeSessionByIDCQL, reason, s.SessionID)
		revoked++
	}

	if revoked == 0 {
		return 0, nil
	}

	if err := r.client.ExecuteBatch(batch.WithContext(ctx)); err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}

	util.Info("Sessions revoked",
		zap.String("account_id", accountID),
		zap.String("reason", reason),
		zap.Int("count", revoked))
	return revoked, nil
}

// RedateDeviceSessions rewrites the expiry of every active session bound
// to the device in one batch, so a trust flip moves all of them together.
func (r *SessionRepository) RedateDeviceSessions(ctx context.Context, accountID, deviceID string, expiresAt time.Time) (int, error) {
	sessions, err := r.ListSessions(ctx, accountID)
	if err != nil {
		return 0, err
	}

	batch := r.client.Batch(gocql.LoggedBatch)
	redated := 0
	now := time.Now().UTC()
	for _, s := range sessions {
		if !s.Active || s.DeviceID != deviceID || s.Expired(now) {
			continue
		}
		batch.Query(redateSessionCQL, expiresAt, accountID, s.SessionID)
		batch.Query(redateSessionByIDCQL, expiresAt, s.SessionID)
		redated++
	}

	if redated == 0 {
		return 0, nil
	}

	if err := r.client.ExecuteBatch(batch.WithContext(ctx)); err != nil {
		return 0, fmt.Errorf("failed to redate sessions: %w", err)
	}

	util.Info("Device sessions redated",
		zap.String("account_id", accountID),
		zap.String("device_id", deviceID),
		zap.Time("expires_at", expiresAt),
		zap.Int("count", redated))
	return redated, nil
}
