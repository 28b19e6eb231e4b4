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

// DeviceRepository is the device registry. All rows for an account share
// one partition, so fingerprint matching and trust counting are
// single-partition scans.
type DeviceRepository struct {
	client *ScyllaClient
}

func NewDeviceRepository(client *ScyllaClient) *DeviceRepository {
	return &DeviceRepository{client: client}
}

func (r *DeviceRepository) CreateDevice(ctx context.Context, device *model.Device) error {
	if device.DeviceID == "" {
		device.DeviceID = uuid.New().String()
	}

	now := time.Now().UTC()
	if device.FirstSeen.IsZero() {
		device.FirstSeen = now
	}
	device.LastSeen = now
	if device.UseCount == 0 {
		device.UseCount = 1
	}

	query := r.client.Prepared.CreateDevice.Bind(
		device.AccountID, device.DeviceID, device.Fingerprint,
		device.Trusted, device.UserAgent, device.Platform,
		device.FirstSeen, device.LastSeen, device.UseCount,
	).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to create device",
			zap.String("account_id", device.AccountID),
			zap.String("device_id", device.DeviceID),
			zap.Error(err))
		return fmt.Errorf("failed to create device: %w", err)
	}

	util.Info("Device registered",
		zap.String("account_id", device.AccountID),
		zap.String("device_id", device.DeviceID),
		zap.Bool("trusted", device.Trusted))

	return nil
}

func (r *DeviceRepository) GetDevice(ctx context.Context, accountID, deviceID string) (*model.Device, error) {
	device := &model.Device{}

	query := r.client.Prepared.GetDevice.Bind(accountID, deviceID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&device.AccountID, &device.DeviceID, &device.Fingerprint, &device.Trusted,
		&device.UserAgent, &device.Platform, &device.FirstSeen, &device.LastSeen,
		&device.UseCount)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return device, nil
}

func (r *DeviceRepository) GetDeviceByFingerprint(ctx context.Context, accountID, fingerprint string) (*model.Device, error) {
	devices, err := r.ListDevices(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Fingerprint == fingerprint {
			return d, nil
		}
	}
	return nil, ErrNotFound
}

func (r *DeviceRepository) ListDevices(ctx context.Context, accountID string) ([]*model.Device, error) {
	iter := r.client.Prepared.ListDevices.Bind(accountID).WithContext(ctx).Iter()

	var devices []*model.Device
	for {
		device := &model.Device{}
		if !iter.Scan(
			&device.AccountID, &device.DeviceID, &device.Fingerprint, &device.Trusted,
			&device.UserAgent, &device.Platform, &device.FirstSeen, &device.LastSeen,
			&device.UseCount) {
			break
		}
		devices = append(devices, device)
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list devices",
			zap.String("account_id", accountID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	return devices, nil
}

func (r *DeviceRepository) SetTrust(ctx context.Context, accountID, deviceID string, trusted bool) error {
	query := r.client.Prepared.SetTrust.Bind(trusted, accountID, deviceID).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to set device trust: %w", err)
	}

	util.Info("Device trust updated",
		zap.String("account_id", accountID),
		zap.String("device_id", deviceID),
		zap.Bool("trusted", trusted))
	return nil
}

// Touch bumps last_seen and use_count. Read-modify-write is acceptable
// here; a lost increment only skews a usage statistic.
func (r *DeviceRepository) Touch(ctx context.Context, accountID, deviceID string, seenAt time.Time) error {
	device, err := r.GetDevice(ctx, accountID, deviceID)
	if err != nil {
		return err
	}

	query := r.client.Prepared.TouchDevice.
		Bind(seenAt.UTC(), device.UseCount+1, accountID, deviceID).
		WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}

func (r *DeviceRepository) CountTrusted(ctx context.Context, accountID string) (int, error) {
	devices, err := r.ListDevices(ctx, accountID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, d := range devices {
		if d.Trusted {
			count++
		}
	}
	return count, nil
}

func (r *DeviceRepository) DeleteDevice(ctx context.Context, accountID, deviceID string) error {
	query := r.client.Prepared.DeleteDevice.Bind(accountID, deviceID).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}

	util.Info("Device forgotten",
		zap.String("account_id", accountID),
		zap.String("device_id", deviceID))
	return nil
}
