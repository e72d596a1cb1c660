// ABOUTME: Store interfaces and data types for greyzone persistence
// ABOUTME: Defines Device, Challenge, Request and the lifecycle status enums

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateCredential is returned when a credential id is already registered
var ErrDuplicateCredential = errors.New("credential already registered")

// ErrNotPending is returned when a transition requires a pending request
var ErrNotPending = errors.New("request is not pending")

// ErrNotRunning is returned when completing a request that is not running
var ErrNotRunning = errors.New("request is not running")

// ErrCounterNotAdvanced is returned when a presented signature counter does not
// move past the stored one
var ErrCounterNotAdvanced = errors.New("signature counter not advanced")

// RequestStatus is the lifecycle state of a Request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusRunning   RequestStatus = "running"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
	StatusDenied    RequestStatus = "denied"
	StatusExpired   RequestStatus = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusDenied, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDenied, StatusExpired:
		return true
	}
	return false
}

// Priority is the submitter-supplied urgency of a Request.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityHigh
}

// ChallengeKind identifies the ceremony a challenge was issued for.
type ChallengeKind string

const (
	ChallengeRegistration   ChallengeKind = "registration"
	ChallengeAuthentication ChallengeKind = "authentication"
)

// Device is a registered passkey credential.
type Device struct {
	ID              string
	Name            string
	CredentialID    []byte
	PublicKey       []byte // COSE-encoded
	Counter         uint32
	UserAgent       string
	AttestationType string
	Transports      []string
	AAGUID          []byte
	BackupEligible  bool
	BackupState     bool
	RegisteredAt    time.Time
	LastUsedAt      *time.Time
}

// Challenge is a single-use ceremony challenge.
type Challenge struct {
	ID        string
	Kind      ChallengeKind
	Value     string // base64url, as sent to the authenticator
	Session   []byte // serialized ceremony session bound to Value
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Request is a command submitted for human approval.
type Request struct {
	ID          string
	Command     string
	Reason      string
	Agent       string
	Priority    Priority
	Status      RequestStatus
	ExitCode    *int
	Stdout      string
	Stderr      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ApprovedAt  *time.Time
	ApprovedBy  string
	CompletedAt *time.Time
}

// RequestFilter narrows ListRequests. Zero values mean no filter and the
// default limit.
type RequestFilter struct {
	Status RequestStatus
	Limit  int
}

// Completion is the terminal outcome written by CompleteRequest.
type Completion struct {
	Status      RequestStatus // StatusCompleted or StatusFailed
	ExitCode    int
	Stdout      string
	Stderr      string
	CompletedAt time.Time
}

// DeviceStore persists passkey credentials.
type DeviceStore interface {
	CreateDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	GetDeviceByCredentialID(ctx context.Context, credentialID []byte) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	ListCredentialIDs(ctx context.Context) ([][]byte, error)
	// AdvanceDeviceCounter stores presented as the new counter only if it is
	// greater than the stored one, or if allowZero is set and both are zero.
	AdvanceDeviceCounter(ctx context.Context, id string, presented uint32, allowZero bool, usedAt time.Time) error
	DeleteDevice(ctx context.Context, id string) (bool, error)
}

// ChallengeStore persists ceremony challenges.
type ChallengeStore interface {
	CreateChallenge(ctx context.Context, challenge *Challenge) error
	// RedeemChallenge atomically deletes and returns an unexpired challenge of
	// the given kind. Any miss returns ErrNotFound.
	RedeemChallenge(ctx context.Context, id string, kind ChallengeKind, now time.Time) (*Challenge, error)
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error)
}

// RequestStore persists requests and guards their transitions.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]*Request, error)
	ListPendingRequests(ctx context.Context, now time.Time) ([]*Request, error)
	ExpirePendingRequests(ctx context.Context, now time.Time) ([]*Request, error)
	MarkRunning(ctx context.Context, id, approvedBy string, at time.Time) error
	MarkDenied(ctx context.Context, id string, at time.Time) error
	CompleteRequest(ctx context.Context, id string, c Completion) error
}

// Store is the full persistence surface of the gateway.
type Store interface {
	DeviceStore
	ChallengeStore
	RequestStore

	// InTx runs fn against a transaction-scoped Store. If fn returns an error
	// every write made through the scoped Store is rolled back.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// Ping checks that the database answers.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
