package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/addonhub/internal/db"
	"github.com/example/addonhub/pkg/cache"
)

// Device event types.
const (
	DeviceEventLogout     = "logout"
	DeviceEventDisconnect = "disconnect"
)

// DeviceEvent is one message for the desktop add-on.
type DeviceEvent struct {
	Type    string            `json:"type"`
	Message string            `json:"message,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// DeviceRegistration reports whether registering replaced another device.
type DeviceRegistration struct {
	DeviceID       string `json:"deviceId"`
	Switched       bool   `json:"switched"`
	PreviousDevice string `json:"previousDevice,omitempty"`
}

type deviceService struct {
	users  db.UserRepository
	queue  cache.Queue
	logger *zap.Logger
	now    func() time.Time
}

// NewDeviceService creates the device event queue service.
func NewDeviceService(users db.UserRepository, queue cache.Queue, logger *zap.Logger) DeviceService {
	return &deviceService{users: users, queue: queue, logger: logger, now: utcNow}
}

func deviceQueueKey(deviceID string) string {
	return "device:" + deviceID + ":events"
}

// Register makes deviceID the user's only active device. The previous device
// receives a logout event.
func (s *deviceService) Register(ctx context.Context, userID, deviceID string) (*DeviceRegistration, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidRequest)
	}
	previous, err := s.users.SwapDevice(ctx, userID, deviceID, s.now())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return nil, err
	}

	// Stale events addressed to this device are void once it registers again.
	if err := s.queue.Drop(ctx, deviceQueueKey(deviceID)); err != nil {
		s.logger.Warn("Failed to reset device queue", zap.String("deviceID", deviceID), zap.Error(err))
	}

	reg := &DeviceRegistration{DeviceID: deviceID}
	if previous == "" || previous == deviceID {
		return reg, nil
	}
	reg.Switched = true
	reg.PreviousDevice = previous

	err = s.Publish(ctx, previous, DeviceEvent{
		Type:    DeviceEventLogout,
		Message: "Signed in on another device",
		Data:    map[string]string{"newDeviceId": deviceID},
	})
	if err != nil {
		s.logger.Warn("Failed to notify previous device", zap.String("userID", userID),
			zap.String("deviceID", previous), zap.Error(err))
	}
	s.logger.Info("Active device switched", zap.String("userID", userID),
		zap.String("from", previous), zap.String("to", deviceID))
	return reg, nil
}

func (s *deviceService) Publish(ctx context.Context, deviceID string, event DeviceEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.queue.Push(ctx, deviceQueueKey(deviceID), string(raw))
}

// Next waits up to timeout for the device's next event. nil means none arrived.
// The user's active device may poll, and so may the device it replaced so that
// the logout event still reaches it.
func (s *deviceService) Next(ctx context.Context, userID, deviceID string, timeout time.Duration) (*DeviceEvent, error) {
	if err := s.checkOwner(ctx, userID, deviceID, true); err != nil {
		return nil, err
	}
	raw, ok, err := s.queue.Pop(ctx, deviceQueueKey(deviceID), timeout)
	if err != nil || !ok {
		return nil, err
	}
	var event DeviceEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil, fmt.Errorf("malformed device event: %w", err)
	}
	return &event, nil
}

// Disconnect ends the stream of the user's active device.
func (s *deviceService) Disconnect(ctx context.Context, userID, deviceID string) error {
	if err := s.checkOwner(ctx, userID, deviceID, false); err != nil {
		return err
	}
	return s.Publish(ctx, deviceID, DeviceEvent{Type: DeviceEventDisconnect})
}

func (s *deviceService) checkOwner(ctx context.Context, userID, deviceID string, allowReplaced bool) error {
	if strings.TrimSpace(deviceID) == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidRequest)
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		return err
	}
	if user.DeviceID == deviceID || (allowReplaced && user.ReplacedDeviceID == deviceID) {
		return nil
	}
	s.logger.Warn("Device access refused", zap.String("userID", userID), zap.String("deviceID", deviceID))
	return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}
