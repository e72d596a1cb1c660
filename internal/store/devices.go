// ABOUTME: Device persistence for registered passkey credentials
// ABOUTME: Enforces credential uniqueness and monotonic signature counters

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const deviceColumns = `id, name, credential_id, public_key, counter, user_agent, attestation_type,
	transports, aaguid, backup_eligible, backup_state, registered_at, last_used_at`

// CreateDevice stores a new device.
// Returns ErrDuplicateCredential if the credential id is already registered.
func (s *SQLiteStore) CreateDevice(ctx context.Context, device *Device) error {
	transports, err := json.Marshal(device.Transports)
	if err != nil {
		return fmt.Errorf("encoding transports: %w", err)
	}

	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.q.ExecContext(ctx, query,
		device.ID,
		device.Name,
		device.CredentialID,
		device.PublicKey,
		int64(device.Counter),
		nullString(device.UserAgent),
		nullString(device.AttestationType),
		string(transports),
		device.AAGUID,
		boolToInt(device.BackupEligible),
		boolToInt(device.BackupState),
		formatTime(device.RegisteredAt),
		nullTime(device.LastUsedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateCredential
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	s.logger.Debug("created device", "id", device.ID, "name", device.Name)
	return nil
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var counter int64
	var userAgent, attestationType, transports, lastUsedAt sql.NullString
	var backupEligible, backupState int
	var registeredAt string

	if err := row.Scan(
		&d.ID,
		&d.Name,
		&d.CredentialID,
		&d.PublicKey,
		&counter,
		&userAgent,
		&attestationType,
		&transports,
		&d.AAGUID,
		&backupEligible,
		&backupState,
		&registeredAt,
		&lastUsedAt,
	); err != nil {
		return nil, err
	}

	d.Counter = uint32(counter)
	d.UserAgent = userAgent.String
	d.AttestationType = attestationType.String
	d.BackupEligible = backupEligible != 0
	d.BackupState = backupState != 0

	if transports.Valid && transports.String != "" && transports.String != "null" {
		if err := json.Unmarshal([]byte(transports.String), &d.Transports); err != nil {
			return nil, fmt.Errorf("parsing transports: %w", err)
		}
	}

	var err error
	d.RegisteredAt, err = parseTime(registeredAt)
	if err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}
	d.LastUsedAt, err = parseNullTime(lastUsedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing last_used_at: %w", err)
	}

	return &d, nil
}

// GetDevice retrieves a device by ID.
// Returns ErrNotFound if the device doesn't exist.
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return d, nil
}

// GetDeviceByCredentialID retrieves a device by its raw credential id.
// Returns ErrNotFound if no device holds the credential.
func (s *SQLiteStore) GetDeviceByCredentialID(ctx context.Context, credentialID []byte) (*Device, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE credential_id = ?`, credentialID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device by credential: %w", err)
	}
	return d, nil
}

// ListDevices returns all devices, most recently registered first.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY registered_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device rows: %w", err)
	}
	return devices, nil
}

// ListCredentialIDs returns the credential id of every registered device.
func (s *SQLiteStore) ListCredentialIDs(ctx context.Context) ([][]byte, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT credential_id FROM devices ORDER BY registered_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying credential ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids [][]byte
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning credential id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AdvanceDeviceCounter moves the stored signature counter forward.
// Returns ErrCounterNotAdvanced when the guard rejects the presented value,
// ErrNotFound when the device does not exist.
func (s *SQLiteStore) AdvanceDeviceCounter(ctx context.Context, id string, presented uint32, allowZero bool, usedAt time.Time) error {
	query := `UPDATE devices SET counter = ?, last_used_at = ? WHERE id = ? AND counter < ?`
	args := []any{int64(presented), formatTime(usedAt), id, int64(presented)}
	if allowZero && presented == 0 {
		query = `UPDATE devices SET last_used_at = ? WHERE id = ? AND counter = 0`
		args = []any{formatTime(usedAt), id}
	}

	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("advancing device counter: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	if _, err := s.GetDevice(ctx, id); err != nil {
		return err
	}
	return ErrCounterNotAdvanced
}

// DeleteDevice removes a device. Reports whether a row was deleted.
func (s *SQLiteStore) DeleteDevice(ctx context.Context, id string) (bool, error) {
	result, err := s.q.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Info("deleted device", "id", id)
	}
	return rowsAffected > 0, nil
}
