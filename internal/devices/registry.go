// ABOUTME: Credential registry for approver passkey devices
// ABOUTME: Owns device ids, duplicate detection, and signature counter replay checks

package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/greyzone/greyzone/internal/store"
)

// DefaultDeviceName is used when a registration supplies no name
const DefaultDeviceName = "Unknown Device"

// ErrDuplicateCredential is returned when a credential id is already registered
var ErrDuplicateCredential = store.ErrDuplicateCredential

// ErrReplayDetected is returned when a presented signature counter does not
// advance past the stored one
var ErrReplayDetected = errors.New("signature counter replay detected")

// ErrUnknownDevice is returned when no device holds the presented credential id
var ErrUnknownDevice = errors.New("unknown device")

// Credential is the verified output of a registration ceremony.
type Credential struct {
	ID              []byte
	PublicKey       []byte
	Counter         uint32
	AttestationType string
	Transports      []string
	AAGUID          []byte
	BackupEligible  bool
	BackupState     bool
	UserAgent       string
}

// Registry manages registered devices.
type Registry struct {
	store         store.DeviceStore
	strictCounter bool
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStrictCounter rejects authenticators that never increment their counter.
func WithStrictCounter(strict bool) Option {
	return func(r *Registry) { r.strictCounter = strict }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger.With("component", "devices") }
}

// NewRegistry creates a Registry backed by s.
func NewRegistry(s store.DeviceStore, opts ...Option) *Registry {
	r := &Registry{
		store:  s,
		now:    time.Now,
		logger: slog.Default().With("component", "devices"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithStore returns a copy of the registry that reads and writes through s,
// typically a transaction-scoped store.
func (r *Registry) WithStore(s store.DeviceStore) *Registry {
	cp := *r
	cp.store = s
	return &cp
}

// NewDeviceID returns a fresh "dev_" identifier.
func NewDeviceID() string {
	return "dev_" + uuid.New().String()[:8]
}

// Register stores a verified credential under a new device id.
func (r *Registry) Register(ctx context.Context, name string, cred Credential) (*store.Device, error) {
	if name == "" {
		name = DefaultDeviceName
	}

	device := &store.Device{
		ID:              NewDeviceID(),
		Name:            name,
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		Counter:         cred.Counter,
		UserAgent:       cred.UserAgent,
		AttestationType: cred.AttestationType,
		Transports:      cred.Transports,
		AAGUID:          cred.AAGUID,
		BackupEligible:  cred.BackupEligible,
		BackupState:     cred.BackupState,
		RegisteredAt:    r.now().UTC(),
	}

	if err := r.store.CreateDevice(ctx, device); err != nil {
		if errors.Is(err, store.ErrDuplicateCredential) {
			r.logger.Warn("duplicate credential registration rejected", "name", name)
			return nil, ErrDuplicateCredential
		}
		return nil, fmt.Errorf("creating device: %w", err)
	}

	r.logger.Info("device registered", "device_id", device.ID, "name", name)
	return device, nil
}

// ExcludedCredentialIDs returns every registered credential id, for use as the
// exclusion list of a new registration.
func (r *Registry) ExcludedCredentialIDs(ctx context.Context) ([][]byte, error) {
	ids, err := r.store.ListCredentialIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing credential ids: %w", err)
	}
	return ids, nil
}

// Lookup finds the device holding credentialID.
func (r *Registry) Lookup(ctx context.Context, credentialID []byte) (*store.Device, error) {
	device, err := r.store.GetDeviceByCredentialID(ctx, credentialID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, fmt.Errorf("looking up device: %w", err)
	}
	return device, nil
}

// List returns all registered devices.
func (r *Registry) List(ctx context.Context) ([]*store.Device, error) {
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return devices, nil
}

// Remove deletes a device. Removing an unknown id is not an error.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	deleted, err := r.store.DeleteDevice(ctx, id)
	if err != nil {
		return false, fmt.Errorf("removing device: %w", err)
	}
	if deleted {
		r.logger.Info("device removed", "device_id", id)
	}
	return deleted, nil
}

// VerifyAndAdvanceCounter accepts presented only if it is strictly greater than
// the stored counter, then persists it with a fresh last-used time. An
// authenticator that reports zero on both sides is accepted unless the registry
// is strict. On rejection nothing is written and ErrReplayDetected is returned.
func (r *Registry) VerifyAndAdvanceCounter(ctx context.Context, credentialID []byte, presented uint32) (*store.Device, error) {
	device, err := r.Lookup(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	usedAt := r.now().UTC()
	err = r.store.AdvanceDeviceCounter(ctx, device.ID, presented, !r.strictCounter, usedAt)
	if errors.Is(err, store.ErrCounterNotAdvanced) {
		r.logger.Warn("signature counter replay detected",
			"device_id", device.ID,
			"stored", device.Counter,
			"presented", presented,
		)
		return nil, ErrReplayDetected
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, fmt.Errorf("advancing counter: %w", err)
	}

	if presented == 0 {
		r.logger.Warn("authenticator does not report a signature counter", "device_id", device.ID)
	}

	device.Counter = presented
	device.LastUsedAt = &usedAt
	return device, nil
}
