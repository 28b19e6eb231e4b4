package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"auth-engine/internal/config"
	"auth-engine/internal/model"
	"auth-engine/internal/repository/scylla"
	"auth-engine/internal/util"
)

// DeviceService is the device registry and trust state machine. Trust
// transitions and the session re-dating they imply run as one logical
// operation inside the per-account advisory lock.
type DeviceService struct {
	devices  model.DeviceRepository
	sessions model.SessionRepository
	cache    model.ProjectionCache
	locker   model.AccountLocker
	audit    model.AuditRecorder
	config   *config.Config
}

func NewDeviceService(
	cfg *config.Config,
	devices model.DeviceRepository,
	sessions model.SessionRepository,
	cache model.ProjectionCache,
	locker model.AccountLocker,
	audit model.AuditRecorder,
) *DeviceService {
	return &DeviceService{
		devices:  devices,
		sessions: sessions,
		cache:    cache,
		locker:   locker,
		audit:    audit,
		config:   cfg,
	}
}

// RegisterOrTouch resolves a fingerprint to a device, creating an
// untrusted one on first sight. The very first device of a fresh account
// is created trusted inside the account bootstrap, never here.
func (s *DeviceService) RegisterOrTouch(ctx context.Context, accountID, userAgent, platform string, hints ...string) (*model.Device, error) {
	fingerprint := util.DeviceFingerprint(userAgent, hints...)
	now := time.Now().UTC()

	device, err := s.devices.GetDeviceByFingerprint(ctx, accountID, fingerprint)
	if err == nil {
		if terr := s.devices.Touch(ctx, accountID, device.DeviceID, now); terr != nil {
			util.Warn("Failed to touch device",
				zap.String("account_id", accountID),
				zap.String("device_id", device.DeviceID),
				zap.Error(terr))
		}
		device.LastSeen = now
		device.UseCount++
		return device, nil
	}
	if !errors.Is(err, scylla.ErrNotFound) {
		return nil, fmt.Errorf("failed to resolve fingerprint: %w", err)
	}

	device = &model.Device{
		AccountID:   accountID,
		Fingerprint: fingerprint,
		Trusted:     false,
		UserAgent:   userAgent,
		Platform:    platform,
		FirstSeen:   now,
		LastSeen:    now,
		UseCount:    1,
	}
	if err := s.devices.CreateDevice(ctx, device); err != nil {
		return nil, err
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: accountID,
		EventType: model.EventDeviceRegistered,
		DeviceID:  device.DeviceID,
	})

	if err := s.cache.InvalidateDevices(ctx, accountID); err != nil {
		return nil, fmt.Errorf("cache invalidation failed: %w", err)
	}
	return device, nil
}

// SetTrust applies a trust transition. Idempotent: re-applying the
// current state is a no-op success. Trusted to untrusted is refused when
// no other trusted device would remain. On success every active session
// bound to the device is re-dated to the new tier before the caller sees
// success.
func (s *DeviceService) SetTrust(ctx context.Context, accountID, deviceID string, trusted bool) (*model.Device, error) {
	acquired, err := s.locker.Acquire(ctx, accountID, accountLockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrConflict
	}
	defer func() {
		if rerr := s.locker.Release(context.Background(), accountID); rerr != nil {
			util.Warn("Failed to release account lock", zap.Error(rerr))
		}
	}()

	device, err := s.devices.GetDevice(ctx, accountID, deviceID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	if device.Trusted == trusted {
		return device, nil
	}

	if !trusted {
		total, err := s.devices.CountTrusted(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if total <= 1 {
			return nil, ErrLastTrustedDevice
		}
	}

	if err := s.devices.SetTrust(ctx, accountID, deviceID, trusted); err != nil {
		return nil, err
	}
	device.Trusted = trusted

	ttl := s.config.Session.UntrustedTTL
	eventType := model.EventTrustRevoked
	if trusted {
		ttl = s.config.Session.TrustedTTL
		eventType = model.EventTrustGranted
	}

	redated, err := s.sessions.RedateDeviceSessions(ctx, accountID, deviceID, time.Now().UTC().Add(ttl))
	if err != nil {
		// Trust flipped but sessions not re-dated is a partial application;
		// surface it as a hard failure so the caller retries.
		return nil, fmt.Errorf("trust updated but session re-dating failed: %w", err)
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: accountID,
		EventType: eventType,
		DeviceID:  deviceID,
		Details:   fmt.Sprintf("re-dated %d sessions", redated),
	})

	if err := s.cache.InvalidateAccount(ctx, accountID); err != nil {
		return nil, fmt.Errorf("cache invalidation failed: %w", err)
	}

	return device, nil
}

// ListDevices reads through the projection cache.
func (s *DeviceService) ListDevices(ctx context.Context, accountID string) ([]*model.Device, error) {
	if cached, ok := s.cache.GetDeviceList(ctx, accountID); ok {
		return cached, nil
	}

	devices, err := s.devices.ListDevices(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetDeviceList(ctx, accountID, devices); err != nil {
		util.Warn("Failed to cache device list",
			zap.String("account_id", accountID),
			zap.Error(err))
	}
	return devices, nil
}

// ForgetDevice removes a device on explicit request. A trusted device is
// held to the same last-trusted-device guard as an untrust; its sessions
// fall back to the short tier rather than being revoked.
func (s *DeviceService) ForgetDevice(ctx context.Context, accountID, deviceID string) error {
	acquired, err := s.locker.Acquire(ctx, accountID, accountLockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrConflict
	}
	defer func() {
		if rerr := s.locker.Release(context.Background(), accountID); rerr != nil {
			util.Warn("Failed to release account lock", zap.Error(rerr))
		}
	}()

	device, err := s.devices.GetDevice(ctx, accountID, deviceID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrDeviceNotFound
		}
		return fmt.Errorf("failed to load device: %w", err)
	}

	if device.Trusted {
		total, err := s.devices.CountTrusted(ctx, accountID)
		if err != nil {
			return err
		}
		if total <= 1 {
			return ErrLastTrustedDevice
		}
	}

	if err := s.devices.DeleteDevice(ctx, accountID, deviceID); err != nil {
		return err
	}

	if device.Trusted {
		if _, err := s.sessions.RedateDeviceSessions(ctx, accountID, deviceID, time.Now().UTC().Add(s.config.Session.UntrustedTTL)); err != nil {
			return fmt.Errorf("device forgotten but session re-dating failed: %w", err)
		}
	}

	s.recordEvent(ctx, &model.AuditEvent{
		AccountID: accountID,
		EventType: model.EventDeviceForgotten,
		DeviceID:  deviceID,
	})

	if err := s.cache.InvalidateAccount(ctx, accountID); err != nil {
		return fmt.Errorf("cache invalidation failed: %w", err)
	}
	return nil
}

func (s *DeviceService) recordEvent(ctx context.Context, event *model.AuditEvent) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, event); err != nil {
		util.Warn("Failed to record audit event",
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
	}
}
