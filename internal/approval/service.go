// ABOUTME: Approval state machine for submitted commands
// ABOUTME: Guards pending->running->terminal transitions and runs approved commands exactly once

package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/greyzone/greyzone/internal/events"
	"github.com/greyzone/greyzone/internal/executor"
	"github.com/greyzone/greyzone/internal/store"
)

const (
	// DefaultRequestTimeout is how long a request waits for a decision when
	// the submitter does not say
	DefaultRequestTimeout = 300 * time.Second

	// DefaultMaxRequestTimeout caps submitter-chosen timeouts
	DefaultMaxRequestTimeout = 24 * time.Hour

	// DefaultExecTimeout bounds one command execution
	DefaultExecTimeout = 60 * time.Second

	// DefaultSweepInterval is how often pending requests are checked for expiry
	DefaultSweepInterval = 30 * time.Second
)

// ErrInvalidInput is returned when a submission or approval is malformed
var ErrInvalidInput = errors.New("invalid input")

// ErrAlreadyResolved matches every ConflictError
var ErrAlreadyResolved = errors.New("request already resolved")

// ConflictError reports that a request was no longer pending.
type ConflictError struct {
	ID     string
	Status store.RequestStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("request is already %s", e.Status)
}

// Is lets errors.Is(err, ErrAlreadyResolved) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrAlreadyResolved
}

// Verifier checks an authentication response inside the caller's
// transaction and returns the device that signed it.
type Verifier interface {
	VerifyAssertion(ctx context.Context, tx store.Store, challengeID string, response []byte) (*store.Device, error)
}

// Runner executes a shell command.
type Runner interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (*executor.Result, error)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(event events.Event)
}

// Config tunes request lifetimes and execution.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	ExecTimeout    time.Duration
	SweepInterval  time.Duration // 0 disables the background sweeper
}

// SubmitInput is what a submitter sends.
type SubmitInput struct {
	Command  string
	Reason   string
	Agent    string
	Priority store.Priority
	Timeout  time.Duration // 0 means the configured default
}

// Outcome is the per-request result of ApproveAll.
type Outcome struct {
	ID       string              `json:"id"`
	Status   store.RequestStatus `json:"status"`
	ExitCode *int                `json:"exitCode,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// Service owns the request lifecycle.
type Service struct {
	store    store.Store
	verifier Verifier
	runner   Runner
	events   Publisher
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger

	inflight  sync.WaitGroup
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates the approval service. A zero Config field takes its
// default, except SweepInterval where zero keeps the sweeper off. Call Start
// to run the sweeper and Close to stop it.
func NewService(cfg Config, s store.Store, verifier Verifier, runner Runner, publisher Publisher, opts ...Option) *Service {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultRequestTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultMaxRequestTimeout
	}
	if cfg.DefaultTimeout > cfg.MaxTimeout {
		cfg.DefaultTimeout = cfg.MaxTimeout
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultExecTimeout
	}

	svc := &Service{
		store:    s,
		verifier: verifier,
		runner:   runner,
		events:   publisher,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.logger = svc.logger.With("component", "approval")
	return svc
}

// Start launches the background expiry sweeper. It is a no-op when the
// sweep interval is zero or Start was already called.
func (s *Service) Start() {
	if s.cfg.SweepInterval <= 0 || s.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.sweepLoop(ctx)
}

// Close stops the sweeper and waits for in-flight executions to record
// their results.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		s.inflight.Wait()
	})
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweeping expired requests", "error", err)
			}
		}
	}
}

// newRequestID returns "req_" followed by 12 hex characters.
func newRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// Submit records a new pending request.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*store.Request, error) {
	command := strings.TrimSpace(in.Command)
	if command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidInput)
	}

	priority := in.Priority
	if priority == "" {
		priority = store.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: priority must be normal or high", ErrInvalidInput)
	}

	timeout := in.Timeout
	switch {
	case timeout < 0:
		return nil, fmt.Errorf("%w: timeout must be positive", ErrInvalidInput)
	case timeout == 0:
		timeout = s.cfg.DefaultTimeout
	case timeout > s.cfg.MaxTimeout:
		timeout = s.cfg.MaxTimeout
	}

	now := s.now().UTC()
	req := &store.Request{
		ID:        newRequestID(),
		Command:   in.Command,
		Reason:    in.Reason,
		Agent:     in.Agent,
		Priority:  priority,
		Status:    store.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	s.logger.Info("request submitted",
		"request_id", req.ID,
		"agent", req.Agent,
		"priority", req.Priority,
		"expires_at", req.ExpiresAt)
	s.publish(events.TypeNewRequest, req)
	return req, nil
}

// SweepExpired moves every pending request past its deadline to expired.
func (s *Service) SweepExpired(ctx context.Context) error {
	expired, err := s.store.ExpirePendingRequests(ctx, s.now().UTC())
	if err != nil {
		return fmt.Errorf("expiring requests: %w", err)
	}
	for _, req := range expired {
		s.logger.Info("request expired", "request_id", req.ID)
		s.publish(events.TypeRequestUpdated, req)
	}
	return nil
}

// List returns requests newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status store.RequestStatus, limit int) ([]*store.Request, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrInvalidInput)
	}
	if err := s.SweepExpired(ctx); err != nil {
		return nil, err
	}
	reqs, err := s.store.ListRequests(ctx, store.RequestFilter{Status: status, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	return reqs, nil
}

// Get returns one request.
func (s *Service) Get(ctx context.Context, id string) (*store.Request, error) {
	if err := s.SweepExpired(ctx); err != nil {
		return nil, err
	}
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting request %s: %w", id, err)
	}
	return req, nil
}

// Approve verifies an authentication response against a pending request,
// moves it to running, executes it, and returns the resolved request.
// Verification, counter advance and the running transition commit together
// or not at all. A failed command is reported in the returned request, not as
// an error.
func (s *Service) Approve(ctx context.Context, requestID, challengeID string, response []byte) (*store.Request, error) {
	if requestID == "" || challengeID == "" || len(response) == 0 {
		return nil, fmt.Errorf("%w: request id, challenge id and response are required", ErrInvalidInput)
	}
	if err := s.SweepExpired(ctx); err != nil {
		return nil, err
	}

	var running *store.Request
	err := s.store.InTx(ctx, func(tx store.Store) error {
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return fmt.Errorf("getting request %s: %w", requestID, err)
		}
		if req.Status != store.StatusPending {
			return &ConflictError{ID: req.ID, Status: req.Status}
		}

		device, err := s.verifier.VerifyAssertion(ctx, tx, challengeID, response)
		if err != nil {
			return err
		}

		running, err = s.markRunning(ctx, tx, req, device)
		return err
	})
	if err != nil {
		s.logger.Warn("approval rejected", "request_id", requestID, "error", err)
		return nil, err
	}

	s.publish(events.TypeRequestUpdated, running)
	return s.runAndWait(ctx, running, true)
}

// markRunning transitions req inside tx and returns the fresh row.
func (s *Service) markRunning(ctx context.Context, tx store.Store, req *store.Request, device *store.Device) (*store.Request, error) {
	if err := tx.MarkRunning(ctx, req.ID, device.Name, s.now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotPending) {
			status := req.Status
			if cur, gerr := tx.GetRequest(ctx, req.ID); gerr == nil {
				status = cur.Status
			}
			// still pending in the table means the deadline passed since the sweep
			if status == store.StatusPending {
				status = store.StatusExpired
			}
			return nil, &ConflictError{ID: req.ID, Status: status}
		}
		return nil, fmt.Errorf("marking request running: %w", err)
	}

	running, err := tx.GetRequest(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading request: %w", err)
	}

	s.logger.Info("request approved",
		"request_id", running.ID,
		"device_id", device.ID,
		"approved_by", device.Name)
	return running, nil
}

// runAndWait executes req on a goroutine that outlives ctx and waits for the
// result. If ctx ends first the execution still finishes and is recorded;
// the caller gets the running request and the context error.
func (s *Service) runAndWait(ctx context.Context, req *store.Request, notify bool) (*store.Request, error) {
	result := make(chan *store.Request, 1)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		result <- s.execute(context.WithoutCancel(ctx), req, notify)
	}()

	select {
	case resolved := <-result:
		return resolved, nil
	case <-ctx.Done():
		return req, fmt.Errorf("waiting for execution of %s: %w", req.ID, ctx.Err())
	}
}

// execute runs a running request and always records a terminal outcome,
// including when the runner panics.
func (s *Service) execute(ctx context.Context, req *store.Request, notify bool) (resolved *store.Request) {
	completion := store.Completion{
		Status:   store.StatusFailed,
		ExitCode: 1,
		Stderr:   "execution did not complete",
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("execution panicked", "request_id", req.ID, "panic", r)
			completion = store.Completion{
				Status:   store.StatusFailed,
				ExitCode: 1,
				Stderr:   fmt.Sprintf("execution panicked: %v", r),
			}
		}
		completion.CompletedAt = s.now().UTC()
		resolved = s.complete(ctx, req, completion, notify)
	}()

	res, err := s.runner.Execute(ctx, req.Command, s.cfg.ExecTimeout)
	completion = toCompletion(res, err)
	return resolved
}

// toCompletion maps an executor outcome onto the stored terminal fields.
func toCompletion(res *executor.Result, err error) store.Completion {
	if res == nil {
		res = &executor.Result{ExitCode: 1}
		if err == nil {
			err = errors.New("runner returned no result")
		}
	}

	c := store.Completion{
		Status:   store.StatusCompleted,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	if err != nil {
		c.Status = store.StatusFailed
		if c.ExitCode == 0 {
			c.ExitCode = 1
		}
		if c.Stderr == "" {
			c.Stderr = err.Error()
		}
	}
	return c
}

// complete writes the terminal outcome and returns the stored request. When
// the write fails the in-memory view is returned so callers still see it.
func (s *Service) complete(ctx context.Context, req *store.Request, c store.Completion, notify bool) *store.Request {
	logger := s.logger.With("request_id", req.ID)

	if err := s.store.CompleteRequest(ctx, req.ID, c); err != nil {
		logger.Error("recording execution result", "error", err)
	}

	resolved, err := s.store.GetRequest(ctx, req.ID)
	if err != nil {
		logger.Error("reloading resolved request", "error", err)
		fallback := *req
		exitCode := c.ExitCode
		completedAt := c.CompletedAt
		fallback.Status = c.Status
		fallback.ExitCode = &exitCode
		fallback.Stdout = c.Stdout
		fallback.Stderr = c.Stderr
		fallback.CompletedAt = &completedAt
		resolved = &fallback
	}

	logger.Info("request executed",
		"status", resolved.Status,
		"exit_code", c.ExitCode)
	if notify {
		s.publish(events.TypeRequestUpdated, resolved)
	}
	return resolved
}

// Deny moves a pending request to denied.
func (s *Service) Deny(ctx context.Context, id string) (*store.Request, error) {
	if err := s.SweepExpired(ctx); err != nil {
		return nil, err
	}

	if err := s.store.MarkDenied(ctx, id, s.now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotPending) {
			cur, gerr := s.store.GetRequest(ctx, id)
			if gerr != nil {
				return nil, fmt.Errorf("getting request %s: %w", id, gerr)
			}
			status := cur.Status
			if status == store.StatusPending {
				status = store.StatusExpired
			}
			return nil, &ConflictError{ID: id, Status: status}
		}
		return nil, fmt.Errorf("denying request %s: %w", id, err)
	}

	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting request %s: %w", id, err)
	}

	s.logger.Info("request denied", "request_id", id)
	s.publish(events.TypeRequestUpdated, req)
	return req, nil
}

// ApproveAll verifies one authentication response and then approves and
// executes every pending request in turn. Requests that stop being pending
// before their turn are reported with their current status. Observers get a
// single refresh event when the batch is done.
func (s *Service) ApproveAll(ctx context.Context, challengeID string, response []byte) ([]Outcome, error) {
	if challengeID == "" || len(response) == 0 {
		return nil, fmt.Errorf("%w: challenge id and response are required", ErrInvalidInput)
	}
	if err := s.SweepExpired(ctx); err != nil {
		return nil, err
	}

	var device *store.Device
	err := s.store.InTx(ctx, func(tx store.Store) error {
		var err error
		device, err = s.verifier.VerifyAssertion(ctx, tx, challengeID, response)
		return err
	})
	if err != nil {
		s.logger.Warn("bulk approval rejected", "error", err)
		return nil, err
	}

	pending, err := s.store.ListPendingRequests(ctx, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("listing pending requests: %w", err)
	}

	s.logger.Info("bulk approval started", "device_id", device.ID, "count", len(pending))
	defer s.publish(events.TypeRefresh, nil)

	outcomes := make([]Outcome, 0, len(pending))
	for _, req := range pending {
		var running *store.Request
		err := s.store.InTx(ctx, func(tx store.Store) error {
			var err error
			running, err = s.markRunning(ctx, tx, req, device)
			return err
		})
		if err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				outcomes = append(outcomes, Outcome{ID: req.ID, Status: conflict.Status, Error: conflict.Error()})
				continue
			}
			s.logger.Error("approving request", "request_id", req.ID, "error", err)
			outcomes = append(outcomes, Outcome{ID: req.ID, Status: req.Status, Error: "internal error"})
			continue
		}

		resolved, err := s.runAndWait(ctx, running, false)
		outcome := Outcome{ID: resolved.ID, Status: resolved.Status, ExitCode: resolved.ExitCode}
		if err != nil {
			// caller went away; the rest stay pending for another approval
			outcome.Error = err.Error()
			outcomes = append(outcomes, outcome)
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (s *Service) publish(typ events.Type, req *store.Request) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.Event{Type: typ, Request: req, At: s.now().UTC()})
}
