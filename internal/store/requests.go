// ABOUTME: Request persistence and guarded lifecycle transitions
// ABOUTME: Every transition is a conditional UPDATE on the current status

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultListLimit is the page size when RequestFilter.Limit is zero
	DefaultListLimit = 100
	// MaxListLimit caps RequestFilter.Limit
	MaxListLimit = 1000
)

const requestColumns = `id, command, reason, agent, priority, status, exit_code, stdout, stderr,
	created_at, expires_at, approved_at, approved_by, completed_at`

// CreateRequest stores a new request.
func (s *SQLiteStore) CreateRequest(ctx context.Context, req *Request) error {
	query := `
		INSERT INTO requests (id, command, reason, agent, priority, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		req.ID,
		req.Command,
		nullString(req.Reason),
		nullString(req.Agent),
		string(req.Priority),
		string(req.Status),
		formatTime(req.CreatedAt),
		formatTime(req.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("inserting request: %w", err)
	}

	s.logger.Debug("created request", "id", req.ID, "agent", req.Agent)
	return nil
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var reason, agent, stdout, stderr, approvedAt, approvedBy, completedAt sql.NullString
	var exitCode sql.NullInt64
	var priority, status, createdAt, expiresAt string

	if err := row.Scan(
		&r.ID,
		&r.Command,
		&reason,
		&agent,
		&priority,
		&status,
		&exitCode,
		&stdout,
		&stderr,
		&createdAt,
		&expiresAt,
		&approvedAt,
		&approvedBy,
		&completedAt,
	); err != nil {
		return nil, err
	}

	r.Reason = reason.String
	r.Agent = agent.String
	r.Priority = Priority(priority)
	r.Status = RequestStatus(status)
	r.Stdout = stdout.String
	r.Stderr = stderr.String
	r.ApprovedBy = approvedBy.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if r.ApprovedAt, err = parseNullTime(approvedAt); err != nil {
		return nil, fmt.Errorf("parsing approved_at: %w", err)
	}
	if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}

	return &r, nil
}

func collectRequests(rows *sql.Rows) ([]*Request, error) {
	defer func() { _ = rows.Close() }()

	var requests []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request row: %w", err)
		}
		requests = append(requests, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating request rows: %w", err)
	}
	return requests, nil
}

// GetRequest retrieves a request by ID.
// Returns ErrNotFound if the request doesn't exist.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying request: %w", err)
	}
	return r, nil
}

// ListRequests returns requests newest first, optionally filtered by status.
func (s *SQLiteStore) ListRequests(ctx context.Context, filter RequestFilter) ([]*Request, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `SELECT ` + requestColumns + ` FROM requests`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	return collectRequests(rows)
}

// ListPendingRequests returns pending requests that have not expired at now,
// oldest first.
func (s *SQLiteStore) ListPendingRequests(ctx context.Context, now time.Time) ([]*Request, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM requests
		WHERE status = ? AND expires_at > ?
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.q.QueryContext(ctx, query, string(StatusPending), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("querying pending requests: %w", err)
	}
	return collectRequests(rows)
}

// ExpirePendingRequests moves every pending request whose deadline is at or
// before now to expired and returns the updated rows.
func (s *SQLiteStore) ExpirePendingRequests(ctx context.Context, now time.Time) ([]*Request, error) {
	query := `
		UPDATE requests
		SET status = ?, completed_at = ?
		WHERE status = ? AND expires_at <= ?
		RETURNING ` + requestColumns

	rows, err := s.q.QueryContext(ctx, query,
		string(StatusExpired),
		formatTime(now),
		string(StatusPending),
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("expiring requests: %w", err)
	}
	return collectRequests(rows)
}

// MarkRunning moves a pending, unexpired request to running.
// Returns ErrNotPending if the guard fails, ErrNotFound if the request is missing.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id, approvedBy string, at time.Time) error {
	query := `
		UPDATE requests
		SET status = ?, approved_at = ?, approved_by = ?
		WHERE id = ? AND status = ? AND expires_at > ?
	`

	result, err := s.q.ExecContext(ctx, query,
		string(StatusRunning),
		formatTime(at),
		nullString(approvedBy),
		id,
		string(StatusPending),
		formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("marking request running: %w", err)
	}
	return s.checkTransition(ctx, result, id, ErrNotPending)
}

// MarkDenied moves a pending request to denied and stamps completed_at.
func (s *SQLiteStore) MarkDenied(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE requests
		SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.q.ExecContext(ctx, query,
		string(StatusDenied),
		formatTime(at),
		id,
		string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("marking request denied: %w", err)
	}
	return s.checkTransition(ctx, result, id, ErrNotPending)
}

// CompleteRequest records the execution outcome of a running request.
func (s *SQLiteStore) CompleteRequest(ctx context.Context, id string, c Completion) error {
	if c.Status != StatusCompleted && c.Status != StatusFailed {
		return fmt.Errorf("invalid completion status %q", c.Status)
	}

	query := `
		UPDATE requests
		SET status = ?, exit_code = ?, stdout = ?, stderr = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.q.ExecContext(ctx, query,
		string(c.Status),
		c.ExitCode,
		c.Stdout,
		c.Stderr,
		formatTime(c.CompletedAt),
		id,
		string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("completing request: %w", err)
	}
	return s.checkTransition(ctx, result, id, ErrNotRunning)
}

// checkTransition turns a zero-row update into ErrNotFound or guardErr.
func (s *SQLiteStore) checkTransition(ctx context.Context, result sql.Result, id string, guardErr error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	if _, err := s.GetRequest(ctx, id); err != nil {
		return err
	}
	return guardErr
}
