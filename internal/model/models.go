package model

import (
	"context"
	"net"
	"time"
)

// -------------------- ACCOUNT MODEL --------------------

type SecondFactorMethod string

const (
	MethodTOTP       SecondFactorMethod = "totp"
	MethodEmail      SecondFactorMethod = "email"
	MethodSMS        SecondFactorMethod = "sms"
	MethodWebAuthn   SecondFactorMethod = "webauthn"
	MethodBackupCode SecondFactorMethod = "backup_code"
)

// Account is the identity anchor. PasswordHash may be empty: password-less
// accounts authenticate through a second factor alone. Recovery contacts are
// envelope-encrypted at rest; only their hashes are queryable.
type Account struct {
	AccountBucket int    `json:"account_bucket" db:"account_bucket"`
	AccountID     string `json:"account_id" db:"account_id"`
	Email         string `json:"email" db:"email"` // case-folded, unique
	EmailHash     string `json:"-" db:"email_hash"`
	PasswordHash  string `json:"-" db:"password_hash"`

	SecondFactorEnabled bool               `json:"second_factor_enabled" db:"second_factor_enabled"`
	PrimaryMethod       SecondFactorMethod `json:"primary_method" db:"primary_method"`
	TOTPSecret          string             `json:"-" db:"totp_secret"` // base32, set only after verified enrollment

	RecoveryEmailEncrypted []byte `json:"-" db:"recovery_email_encrypted"`
	RecoveryEmailDEK       []byte `json:"-" db:"recovery_email_dek"`
	RecoveryEmailKeyID     string `json:"-" db:"recovery_email_key_id"`
	RecoveryPhoneEncrypted []byte `json:"-" db:"recovery_phone_encrypted"`
	RecoveryPhoneDEK       []byte `json:"-" db:"recovery_phone_dek"`
	RecoveryPhoneKeyID     string `json:"-" db:"recovery_phone_key_id"`

	FailedAttempts int        `json:"-" db:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty" db:"locked_until"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// Locked reports whether the account is inside a lockout window.
func (a *Account) Locked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// -------------------- DEVICE MODEL --------------------

// Device is a trust-tier label keyed by (account id, device id). The
// fingerprint correlates requests to a physical device; it is not a
// credential. Devices are never reaped automatically, only forgotten on
// explicit request.
type Device struct {
	AccountID   string    `json:"account_id" db:"account_id"`
	DeviceID    string    `json:"device_id" db:"device_id"`
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	Trusted     bool      `json:"trusted" db:"trusted"`
	UserAgent   string    `json:"user_agent" db:"user_agent"`
	Platform    string    `json:"platform" db:"platform"`
	FirstSeen   time.Time `json:"first_seen" db:"first_seen"`
	LastSeen    time.Time `json:"last_seen" db:"last_seen"`
	UseCount    int       `json:"use_count" db:"use_count"`
}

// -------------------- SESSION MODEL --------------------

// Session is a bearer credential bound to one account and usually one
// device. Revocation flips Active; rows are kept for audit history.
// ExpiresAt always derives from the bound device's trust flag at issue or
// refresh time.
type Session struct {
	SessionID     string     `json:"session_id" db:"session_id"`
	AccountID     string     `json:"account_id" db:"account_id"`
	DeviceID      string     `json:"device_id" db:"device_id"` // empty for deviceless service sessions
	Active        bool       `json:"active" db:"active"`
	RefreshToken  string     `json:"-" db:"refresh_token"`
	IssuedAt      time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt     time.Time  `json:"expires_at" db:"expires_at"`
	LastRefreshed *time.Time `json:"last_refreshed,omitempty" db:"last_refreshed"`
	RevokedReason string     `json:"revoked_reason,omitempty" db:"revoked_reason"`
}

func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// -------------------- SECOND-FACTOR CHALLENGE --------------------

// Challenge is the ephemeral envelope shared by all second-factor methods,
// keyed by (account id, method). Only a hash of the secret is ever held.
type Challenge struct {
	AccountID   string             `json:"account_id"`
	Method      SecondFactorMethod `json:"method"`
	CodeHash    string             `json:"code_hash,omitempty"`
	HashVersion int                `json:"hash_version,omitempty"`
	IssuedAt    time.Time          `json:"issued_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
	MaxAttempts int                `json:"max_attempts"`
	Meta        ChallengeMeta      `json:"meta,omitempty"`
}

// ChallengeMeta is a tagged variant: exactly one pointer is set, matching
// the challenge method, and carries only the fields that method needs.
type ChallengeMeta struct {
	WebAuthn *WebAuthnChallengeMeta `json:"webauthn,omitempty"`
	Delivery *DeliveryChallengeMeta `json:"delivery,omitempty"`
}

type WebAuthnChallengeMeta struct {
	Nonce         string   `json:"nonce"`
	CredentialIDs []string `json:"credential_ids"`
}

type DeliveryChallengeMeta struct {
	Channel           string `json:"channel"` // email | sms
	MaskedDestination string `json:"masked_destination"`
	Delivered         bool   `json:"delivered"`
}

func (c *Challenge) ExpiredAt(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// -------------------- BACKUP CODES --------------------

// BackupCode is one entry of a pre-generated single-use pool. A new batch
// supersedes every unspent code of the previous one.
type BackupCode struct {
	AccountID string     `json:"account_id" db:"account_id"`
	CodeHash  string     `json:"-" db:"code_hash"`
	BatchID   string     `json:"batch_id" db:"batch_id"`
	SpentAt   *time.Time `json:"spent_at,omitempty" db:"spent_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// -------------------- PASSKEY CREDENTIAL --------------------

// PasskeyCredential stores the server-side half of a WebAuthn credential.
// Cryptographic verification is delegated to the PasskeyVerifier.
type PasskeyCredential struct {
	AccountID    string     `json:"account_id" db:"account_id"`
	CredentialID []byte     `json:"credential_id" db:"credential_id"`
	PublicKey    []byte     `json:"-" db:"public_key"`
	SignCount    uint32     `json:"sign_count" db:"sign_count"`
	AAGUID       []byte     `json:"-" db:"aaguid"`
	Transports   []string   `json:"transports" db:"transports"`
	DeviceName   string     `json:"device_name" db:"device_name"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// -------------------- RECOVERY GRANT --------------------

// RecoveryGrant is a short-lived single-use token redeemable for exactly
// one credential reset. Consumption also revokes every session.
type RecoveryGrant struct {
	GrantID    string     `json:"grant_id" db:"grant_id"`
	AccountID  string     `json:"account_id" db:"account_id"`
	TokenHash  string     `json:"-" db:"token_hash"`
	IssuedAt   time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
}

// -------------------- AUDIT EVENT --------------------

type AuditEventType string

const (
	EventSessionIssued        AuditEventType = "session_issued"
	EventSessionRefreshed     AuditEventType = "session_refreshed"
	EventSessionRevoked       AuditEventType = "session_revoked"
	EventTrustGranted         AuditEventType = "trust_granted"
	EventTrustRevoked         AuditEventType = "trust_revoked"
	EventDeviceRegistered     AuditEventType = "device_registered"
	EventDeviceForgotten      AuditEventType = "device_forgotten"
	EventChallengeIssued      AuditEventType = "challenge_issued"
	EventChallengeVerified    AuditEventType = "challenge_verified"
	EventChallengeExhausted   AuditEventType = "challenge_exhausted"
	EventSecondFactorEnabled  AuditEventType = "second_factor_enabled"
	EventSecondFactorDisabled AuditEventType = "second_factor_disabled"
	EventBackupCodesGenerated AuditEventType = "backup_codes_generated"
	EventBackupCodeConsumed   AuditEventType = "backup_code_consumed"
	EventRecoveryInitiated    AuditEventType = "recovery_initiated"
	EventRecoveryVerified     AuditEventType = "recovery_verified"
	EventRecoveryConsumed     AuditEventType = "recovery_consumed"
	EventAccountLocked        AuditEventType = "account_locked"
)

// AuditEvent is one append-only row of the security event log.
type AuditEvent struct {
	EventBucket int            `json:"event_bucket" db:"event_bucket"`
	AccountID   string         `json:"account_id" db:"account_id"`
	EventDate   string         `json:"event_date" db:"event_date"`
	EventTime   time.Time      `json:"event_time" db:"event_time"`
	EventType   AuditEventType `json:"event_type" db:"event_type"`
	DeviceID    string         `json:"device_id,omitempty" db:"device_id"`
	SessionID   string         `json:"session_id,omitempty" db:"session_id"`
	IPAddress   net.IP         `json:"ip_address,omitempty" db:"ip_address"`
	RiskScore   int            `json:"risk_score" db:"risk_score"`
	Details     string         `json:"details,omitempty" db:"details"`
}

// -------------------- REPOSITORY INTERFACES --------------------

// AccountRepository is the durable credential store.
type AccountRepository interface {
	// CreateAccount persists the account and its first device in one
	// logical write so the trusted-device invariant holds from bootstrap.
	CreateAccount(ctx context.Context, account *Account, firstDevice *Device) error
	GetAccountByID(ctx context.Context, accountID string) (*Account, error)
	GetAccountByEmail(ctx context.Context, emailHash string) (*Account, error)
	UpdatePasswordHash(ctx context.Context, accountID, passwordHash string) error
	UpdateSecondFactor(ctx context.Context, accountID string, enabled bool, method SecondFactorMethod, totpSecret string) error
	UpdateLockout(ctx context.Context, accountID string, failures int, lockedUntil *time.Time) error
	UpdateRecoveryContacts(ctx context.Context, account *Account) error
	HealthCheck(ctx context.Context) error
}

// DeviceRepository is the device registry.
type DeviceRepository interface {
	CreateDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, accountID, deviceID string) (*Device, error)
	GetDeviceByFingerprint(ctx context.Context, accountID, fingerprint string) (*Device, error)
	ListDevices(ctx context.Context, accountID string) ([]*Device, error)
	SetTrust(ctx context.Context, accountID, deviceID string, trusted bool) error
	Touch(ctx context.Context, accountID, deviceID string, seenAt time.Time) error
	CountTrusted(ctx context.Context, accountID string) (int, error)
	DeleteDevice(ctx context.Context, accountID, deviceID string) error
}

// SessionRepository owns session rows. Revocation is a flag flip, never a
// physical delete.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, accountID string) ([]*Session, error)
	UpdateExpiry(ctx context.Context, accountID, sessionID string, expiresAt time.Time, refreshToken string, refreshedAt time.Time) error
	Revoke(ctx context.Context, accountID, sessionID, reason string) error
	RevokeAll(ctx context.Context, accountID, reason, exceptSessionID string) (int, error)
	RedateDeviceSessions(ctx context.Context, accountID, deviceID string, expiresAt time.Time) (int, error)
}

// SecondFactorRepository holds backup-code pools, passkey credentials and
// recovery grants.
type SecondFactorRepository interface {
	ReplaceBackupCodes(ctx context.Context, accountID, batchID string, codeHashes []string) error
	ListBackupCodes(ctx context.Context, accountID string) ([]*BackupCode, error)
	ConsumeBackupCode(ctx context.Context, accountID, codeHash string) (bool, error)

	AddPasskey(ctx context.Context, credential *PasskeyCredential) error
	ListPasskeys(ctx context.Context, accountID string) ([]*PasskeyCredential, error)
	UpdatePasskeySignCount(ctx context.Context, accountID string, credentialID []byte, signCount uint32, usedAt time.Time) error

	CreateGrant(ctx context.Context, grant *RecoveryGrant) error
	GetGrant(ctx context.Context, grantID string) (*RecoveryGrant, error)
	ConsumeGrant(ctx context.Context, grantID string, consumedAt time.Time) (bool, error)
	ReleaseGrant(ctx context.Context, grantID string) error
}

// -------------------- CACHE INTERFACES --------------------

// ProjectionCache mirrors durable state for read paths. It never
// originates state; on any disagreement the store wins. Trust-bearing
// projections (sessions, devices) must be invalidated synchronously with
// every mutation; the profile summary may be served stale-while-revalidate.
type ProjectionCache interface {
	GetSessionList(ctx context.Context, accountID string) ([]*Session, bool)
	SetSessionList(ctx context.Context, accountID string, sessions []*Session) error
	GetDeviceList(ctx context.Context, accountID string) ([]*Device, bool)
	SetDeviceList(ctx context.Context, accountID string, devices []*Device) error
	GetProfile(ctx context.Context, accountID string) (*Account, bool)
	SetProfile(ctx context.Context, accountID string, account *Account) error
	InvalidateAccount(ctx context.Context, accountID string) error
	InvalidateSessions(ctx context.Context, accountID string) error
	InvalidateDevices(ctx context.Context, accountID string) error
}

// ChallengeCache stores outstanding second-factor challenges, one per
// (account, method), plus the temporary TOTP enrollment holding area.
type ChallengeCache interface {
	PutChallenge(ctx context.Context, challenge *Challenge, ttl time.Duration) error
	GetChallenge(ctx context.Context, accountID string, method SecondFactorMethod) (*Challenge, error)
	DeleteChallenge(ctx context.Context, accountID string, method SecondFactorMethod) error
	IncrementAttempts(ctx context.Context, accountID string, method SecondFactorMethod, ttl time.Duration) (int, error)

	PutPendingTOTPSecret(ctx context.Context, accountID, secret string, ttl time.Duration) error
	GetPendingTOTPSecret(ctx context.Context, accountID string) (string, error)
	DeletePendingTOTPSecret(ctx context.Context, accountID string) error
}

// RateLimitCache provides fixed-window counters, temporary locks and a
// sliding window used by the recovery controller and lockout logic.
type RateLimitCache interface {
	IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int, error)
	GetCounter(ctx context.Context, key string) (int, error)
	ResetCounter(ctx context.Context, key string) error
	SetTemporaryLock(ctx context.Context, key string, ttl time.Duration) error
	IsLocked(ctx context.Context, key string) (bool, error)
	LockTTL(ctx context.Context, key string) (time.Duration, error)
	SlidingWindowAllow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error)
}

// AccountLocker serializes trust transitions and session refreshes for one
// account across request workers.
type AccountLocker interface {
	Acquire(ctx context.Context, accountID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, accountID string) error
}

// -------------------- COLLABORATOR INTERFACES --------------------

// AuditRecorder appends to the security event log.
type AuditRecorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// NotificationSender delivers one-time codes. Failures must not block
// challenge issuance; callers downgrade to a degraded success.
type NotificationSender interface {
	SendCode(ctx context.Context, channel, destination, code string) error
}

// PasskeyVerifier wraps the WebAuthn ceremony. This engine decides when
// each call happens; the verifier owns the cryptography.
type PasskeyVerifier interface {
	GenerateRegistrationOptions(ctx context.Context, accountID string) ([]byte, error)
	VerifyRegistration(ctx context.Context, accountID string, response []byte) (*PasskeyCredential, error)
	GenerateAuthenticationOptions(ctx context.Context, accountID string, credentials []*PasskeyCredential) (string, []byte, error)
	VerifyAuthentication(ctx context.Context, accountID, nonce string, credentials []*PasskeyCredential, response []byte) (bool, []byte, uint32, error)
}
