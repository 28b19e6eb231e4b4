package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"auth-engine/internal/model"
	"auth-engine/internal/repository/scylla"
)

// In-memory repository fakes. They mirror the store semantics the
// services rely on: not-found sentinels, id assignment on create, and
// conditional single-use updates.

type fakeAccountRepo struct {
	mu                  sync.Mutex
	byID                map[string]*model.Account
	byEmail             map[string]string // email hash -> account id
	failPasswordUpdates int
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{
		byID:    make(map[string]*model.Account),
		byEmail: make(map[string]string),
	}
}

func (f *fakeAccountRepo) CreateAccount(ctx context.Context, account *model.Account, firstDevice *model.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account.AccountID == "" {
		account.AccountID = uuid.New().String()
	}
	account.CreatedAt = time.Now().UTC()
	cp := *account
	f.byID[account.AccountID] = &cp
	f.byEmail[account.EmailHash] = account.AccountID
	if firstDevice != nil {
		firstDevice.AccountID = account.AccountID
		if firstDevice.DeviceID == "" {
			firstDevice.DeviceID = uuid.New().String()
		}
		firstDevice.Trusted = true
		firstDevice.UseCount = 1
	}
	return nil
}

func (f *fakeAccountRepo) GetAccountByID(ctx context.Context, accountID string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.byID[accountID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	cp := *account
	return &cp, nil
}

func (f *fakeAccountRepo) GetAccountByEmail(ctx context.Context, emailHash string) (*model.Account, error) {
	f.mu.Lock()
	id, ok := f.byEmail[emailHash]
	f.mu.Unlock()
	if !ok {
		return nil, scylla.ErrNotFound
	}
	return f.GetAccountByID(ctx, id)
}

func (f *fakeAccountRepo) UpdatePasswordHash(ctx context.Context, accountID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPasswordUpdates > 0 {
		f.failPasswordUpdates--
		return context.DeadlineExceeded
	}
	account, ok := f.byID[accountID]
	if !ok {
		return scylla.ErrNotFound
	}
	account.PasswordHash = passwordHash
	return nil
}

func (f *fakeAccountRepo) UpdateSecondFactor(ctx context.Context, accountID string, enabled bool, method model.SecondFactorMethod, totpSecret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.byID[accountID]
	if !ok {
		return scylla.ErrNotFound
	}
	account.SecondFactorEnabled = enabled
	account.PrimaryMethod = method
	account.TOTPSecret = totpSecret
	return nil
}

func (f *fakeAccountRepo) UpdateLockout(ctx context.Context, accountID string, failures int, lockedUntil *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.byID[accountID]
	if !ok {
		return scylla.ErrNotFound
	}
	account.FailedAttempts = failures
	account.LockedUntil = lockedUntil
	return nil
}

func (f *fakeAccountRepo) UpdateRecoveryContacts(ctx context.Context, account *model.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.byID[account.AccountID]
	if !ok {
		return scylla.ErrNotFound
	}
	stored.RecoveryEmailEncrypted = account.RecoveryEmailEncrypted
	stored.RecoveryEmailDEK = account.RecoveryEmailDEK
	stored.RecoveryEmailKeyID = account.RecoveryEmailKeyID
	stored.RecoveryPhoneEncrypted = account.RecoveryPhoneEncrypted
	stored.RecoveryPhoneDEK = account.RecoveryPhoneDEK
	stored.RecoveryPhoneKeyID = account.RecoveryPhoneKeyID
	return nil
}

func (f *fakeAccountRepo) HealthCheck(ctx context.Context) error { return nil }

type fakeDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]map[string]*model.Device // account id -> device id -> device
}

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{devices: make(map[string]map[string]*model.Device)}
}

func (f *fakeDeviceRepo) put(device *model.Device) {
	if f.devices[device.AccountID] == nil {
		f.devices[device.AccountID] = make(map[string]*model.Device)
	}
	cp := *device
	f.devices[device.AccountID][device.DeviceID] = &cp
}

func (f *fakeDeviceRepo) CreateDevice(ctx context.Context, device *model.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if device.DeviceID == "" {
		device.DeviceID = uuid.New().String()
	}
	f.put(device)
	return nil
}

func (f *fakeDeviceRepo) GetDevice(ctx context.Context, accountID, deviceID string) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	device, ok := f.devices[accountID][deviceID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	cp := *device
	return &cp, nil
}

func (f *fakeDeviceRepo) GetDeviceByFingerprint(ctx context.Context, accountID, fingerprint string) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, device := range f.devices[accountID] {
		if device.Fingerprint == fingerprint {
			cp := *device
			return &cp, nil
		}
	}
	return nil, scylla.ErrNotFound
}

func (f *fakeDeviceRepo) ListDevices(ctx context.Context, accountID string) ([]*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Device
	for _, device := range f.devices[accountID] {
		cp := *device
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeDeviceRepo) SetTrust(ctx context.Context, accountID, deviceID string, trusted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	device, ok := f.devices[accountID][deviceID]
	if !ok {
		return scylla.ErrNotFound
	}
	device.Trusted = trusted
	return nil
}

func (f *fakeDeviceRepo) Touch(ctx context.Context, accountID, deviceID string, seenAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	device, ok := f.devices[accountID][deviceID]
	if !ok {
		return scylla.ErrNotFound
	}
	device.LastSeen = seenAt
	device.UseCount++
	return nil
}

func (f *fakeDeviceRepo) CountTrusted(ctx context.Context, accountID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, device := range f.devices[accountID] {
		if device.Trusted {
			count++
		}
	}
	return count, nil
}

func (f *fakeDeviceRepo) DeleteDevice(ctx context.Context, accountID, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[accountID][deviceID]; !ok {
		return scylla.ErrNotFound
	}
	delete(f.devices[accountID], deviceID)
	return nil
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session // session id -> session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*model.Session)}
}

func (f *fakeSessionRepo) CreateSession(ctx context.Context, session *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session.SessionID == "" {
		session.SessionID = uuid.New().String()
	}
	session.Active = true
	cp := *session
	f.sessions[session.SessionID] = &cp
	return nil
}

func (f *fakeSessionRepo) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (f *fakeSessionRepo) ListSessions(ctx context.Context, accountID string) ([]*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Session
	for _, session := range f.sessions {
		if session.AccountID == accountID {
			cp := *session
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) UpdateExpiry(ctx context.Context, accountID, sessionID string, expiresAt time.Time, refreshToken string, refreshedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok || session.AccountID != accountID {
		return scylla.ErrNotFound
	}
	session.ExpiresAt = expiresAt
	session.RefreshToken = refreshToken
	session.LastRefreshed = &refreshedAt
	return nil
}

func (f *fakeSessionRepo) Revoke(ctx context.Context, accountID, sessionID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok || session.AccountID != accountID {
		return scylla.ErrNotFound
	}
	session.Active = false
	session.RevokedReason = reason
	return nil
}

func (f *fakeSessionRepo) RevokeAll(ctx context.Context, accountID, reason, exceptSessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	revoked := 0
	for _, session := range f.sessions {
		if session.AccountID != accountID || !session.Active || session.SessionID == exceptSessionID {
			continue
		}
		session.Active = false
		session.RevokedReason = reason
		revoked++
	}
	return revoked, nil
}

func (f *fakeSessionRepo) RedateDeviceSessions(ctx context.Context, accountID, deviceID string, expiresAt time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	redated := 0
	for _, session := range f.sessions {
		if session.AccountID != accountID || session.DeviceID != deviceID {
			continue
		}
		if !session.Active || session.Expired(now) {
			continue
		}
		session.ExpiresAt = expiresAt
		redated++
	}
	return redated, nil
}

type fakeSecondFactorRepo struct {
	mu       sync.Mutex
	backup   map[string]map[string]*model.BackupCode // account id -> code hash -> code
	passkeys map[string][]*model.PasskeyCredential
	grants   map[string]*model.RecoveryGrant
}

func newFakeSecondFactorRepo() *fakeSecondFactorRepo {
	return &fakeSecondFactorRepo{
		backup:   make(map[string]map[string]*model.BackupCode),
		passkeys: make(map[string][]*model.PasskeyCredential),
		grants:   make(map[string]*model.RecoveryGrant),
	}
}

func (f *fakeSecondFactorRepo) ReplaceBackupCodes(ctx context.Context, accountID, batchID string, codeHashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pool := make(map[string]*model.BackupCode, len(codeHashes))
	for _, hash := range codeHashes {
		pool[hash] = &model.BackupCode{
			AccountID: accountID,
			CodeHash:  hash,
			BatchID:   batchID,
			CreatedAt: time.Now().UTC(),
		}
	}
	f.backup[accountID] = pool
	return nil
}

func (f *fakeSecondFactorRepo) ListBackupCodes(ctx context.Context, accountID string) ([]*model.BackupCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.BackupCode
	for _, code := range f.backup[accountID] {
		cp := *code
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeSecondFactorRepo) ConsumeBackupCode(ctx context.Context, accountID, codeHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code, ok := f.backup[accountID][codeHash]
	if !ok || code.SpentAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	code.SpentAt = &now
	return true, nil
}

func (f *fakeSecondFactorRepo) AddPasskey(ctx context.Context, credential *model.PasskeyCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *credential
	f.passkeys[credential.AccountID] = append(f.passkeys[credential.AccountID], &cp)
	return nil
}

func (f *fakeSecondFactorRepo) ListPasskeys(ctx context.Context, accountID string) ([]*model.PasskeyCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.PasskeyCredential
	for _, credential := range f.passkeys[accountID] {
		cp := *credential
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeSecondFactorRepo) UpdatePasskeySignCount(ctx context.Context, accountID string, credentialID []byte, signCount uint32, usedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, credential := range f.passkeys[accountID] {
		if string(credential.CredentialID) == string(credentialID) {
			credential.SignCount = signCount
			credential.LastUsedAt = &usedAt
			return nil
		}
	}
	return scylla.ErrNotFound
}

func (f *fakeSecondFactorRepo) CreateGrant(ctx context.Context, grant *model.RecoveryGrant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *grant
	f.grants[grant.GrantID] = &cp
	return nil
}

func (f *fakeSecondFactorRepo) GetGrant(ctx context.Context, grantID string) (*model.RecoveryGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	grant, ok := f.grants[grantID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	cp := *grant
	return &cp, nil
}

func (f *fakeSecondFactorRepo) ConsumeGrant(ctx context.Context, grantID string, consumedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	grant, ok := f.grants[grantID]
	if !ok || grant.ConsumedAt != nil {
		return false, nil
	}
	grant.ConsumedAt = &consumedAt
	return true, nil
}

func (f *fakeSecondFactorRepo) ReleaseGrant(ctx context.Context, grantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	grant, ok := f.grants[grantID]
	if !ok {
		return scylla.ErrNotFound
	}
	grant.ConsumedAt = nil
	return nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []*model.AuditEvent
}

func (f *fakeAudit) Record(ctx context.Context, event *model.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *event
	f.events = append(f.events, &cp)
	return nil
}

func (f *fakeAudit) eventsOfType(eventType model.AuditEventType) []*model.AuditEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.AuditEvent
	for _, event := range f.events {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

type captureNotifier struct {
	mu       sync.Mutex
	fail     bool
	lastCode string
	sent     int
}

func (n *captureNotifier) SendCode(ctx context.Context, channel, destination, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return context.DeadlineExceeded
	}
	n.lastCode = code
	n.sent++
	return nil
}

func (n *captureNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastCode
}
