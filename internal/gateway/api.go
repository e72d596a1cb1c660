// ABOUTME: HTTP API for submitting, listing, approving, and denying command requests
// ABOUTME: Maps domain errors onto status codes in one place and renders JSON views

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/greyzone/greyzone/internal/approval"
	"github.com/greyzone/greyzone/internal/auth"
	"github.com/greyzone/greyzone/internal/devices"
	"github.com/greyzone/greyzone/internal/passkey"
	"github.com/greyzone/greyzone/internal/store"
)

const (
	// maxBodyBytes bounds every JSON request body
	maxBodyBytes = 1 << 20

	idempotencyKeyHeader = "Idempotency-Key"
	maxIdempotencyKeyLen = 255
)

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /api/health", g.handleHealth)

	// Requests: submission is the only endpoint agents use
	submit := auth.SubmitterMiddleware(g.submitters)
	mux.Handle("POST /api/requests", submit(http.HandlerFunc(g.handleSubmit)))
	mux.HandleFunc("GET /api/requests", g.handleListRequests)
	mux.HandleFunc("GET /api/requests/{id}", g.handleGetRequest)
	mux.HandleFunc("POST /api/requests/approve-all", g.handleApproveAll)
	mux.HandleFunc("POST /api/requests/{id}/approve", g.handleApprove)
	mux.HandleFunc("POST /api/requests/{id}/deny", g.handleDeny)

	// Devices and passkey ceremonies
	mux.HandleFunc("GET /api/devices", g.handleListDevices)
	mux.HandleFunc("DELETE /api/devices/{id}", g.handleDeleteDevice)
	mux.HandleFunc("POST /api/devices/register/start", g.handleRegisterStart)
	mux.HandleFunc("POST /api/devices/register/complete", g.handleRegisterComplete)
	mux.HandleFunc("POST /api/auth/start", g.handleAuthStart)

	// Live lifecycle events
	mux.HandleFunc("GET /api/events", g.handleEvents)

	return mux
}

// RequestView is the JSON form of a request.
type RequestView struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	Reason      string     `json:"reason,omitempty"`
	Agent       string     `json:"agent,omitempty"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exitCode"`
	Stdout      string     `json:"stdout"`
	Stderr      string     `json:"stderr"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	ApprovedAt  *time.Time `json:"approvedAt"`
	ApprovedBy  string     `json:"approvedBy,omitempty"`
	CompletedAt *time.Time `json:"completedAt"`
}

func requestView(r *store.Request) *RequestView {
	if r == nil {
		return nil
	}
	return &RequestView{
		ID:          r.ID,
		Command:     r.Command,
		Reason:      r.Reason,
		Agent:       r.Agent,
		Priority:    string(r.Priority),
		Status:      string(r.Status),
		ExitCode:    r.ExitCode,
		Stdout:      r.Stdout,
		Stderr:      r.Stderr,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		ApprovedAt:  r.ApprovedAt,
		ApprovedBy:  r.ApprovedBy,
		CompletedAt: r.CompletedAt,
	}
}

// SubmitRequest is the body of POST /api/requests. Timeout is in seconds.
type SubmitRequest struct {
	Command  string `json:"command"`
	Reason   string `json:"reason,omitempty"`
	Agent    string `json:"agent,omitempty"`
	Priority string `json:"priority,omitempty"`
	Timeout  int64  `json:"timeout,omitempty"`
}

// SubmitResponse is returned by POST /api/requests.
type SubmitResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ApproveRequest carries a WebAuthn assertion for approve and approve-all.
type ApproveRequest struct {
	ChallengeID string          `json:"challengeId"`
	Response    json.RawMessage `json:"response"`
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", approval.ErrInvalidInput)
		}
		return fmt.Errorf("%w: invalid JSON body", approval.ErrInvalidInput)
	}
	return nil
}

func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	in := approval.SubmitInput{
		Command:  req.Command,
		Reason:   req.Reason,
		Agent:    req.Agent,
		Priority: store.Priority(req.Priority),
		Timeout:  secondsToDuration(req.Timeout),
	}
	// a token's subject is the authoritative agent name
	if sub := auth.FromContext(r.Context()); sub != nil {
		in.Agent = sub.Agent
	}

	created, replayed, err := g.submitOnce(r.Context(), r.Header.Get(idempotencyKeyHeader), in)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}

	writeJSON(w, http.StatusOK, SubmitResponse{
		ID:        created.ID,
		Status:    string(created.Status),
		CreatedAt: created.CreatedAt,
		ExpiresAt: created.ExpiresAt,
	})
}

// secondsToDuration converts a submitted timeout, saturating instead of
// wrapping so oversized values still reach the approval service's cap.
func secondsToDuration(secs int64) time.Duration {
	const maxSecs = math.MaxInt64 / int64(time.Second)
	switch {
	case secs > maxSecs:
		return time.Duration(math.MaxInt64)
	case secs < -maxSecs:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(secs) * time.Second
}

// submitOnce creates the request, or returns the one an earlier submission
// with the same agent and idempotency key created.
func (g *Gateway) submitOnce(ctx context.Context, key string, in approval.SubmitInput) (*store.Request, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		created, err := g.approvals.Submit(ctx, in)
		return created, false, err
	}
	if len(key) > maxIdempotencyKeyLen {
		return nil, false, fmt.Errorf("%w: %s header exceeds %d bytes", approval.ErrInvalidInput, idempotencyKeyHeader, maxIdempotencyKeyLen)
	}

	var created *store.Request
	id, replayed, err := g.submissions.Do(in.Agent+"\x00"+key, func() (string, error) {
		req, err := g.approvals.Submit(ctx, in)
		if err != nil {
			return "", err
		}
		created = req
		return req.ID, nil
	})
	if err != nil {
		return nil, false, err
	}
	if !replayed {
		return created, false, nil
	}

	original, err := g.approvals.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	g.logger.Info("replayed idempotent submission", "request_id", id, "agent", in.Agent)
	return original, true, nil
}

func (g *Gateway) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", approval.ErrInvalidInput))
			return
		}
		limit = min(n, store.MaxListLimit)
	}

	reqs, err := g.approvals.List(r.Context(), store.RequestStatus(q.Get("status")), limit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	views := make([]*RequestView, len(reqs))
	for i, req := range reqs {
		views[i] = requestView(req)
	}
	writeJSON(w, http.StatusOK, views)
}

func (g *Gateway) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := g.approvals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestView(req))
}

func (g *Gateway) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body ApproveRequest
	if err := decodeJSON(w, r, &body); err != nil {
		g.writeError(w, r, err)
		return
	}

	resolved, err := g.approvals.Approve(r.Context(), r.PathValue("id"), body.ChallengeID, body.Response)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  requestView(resolved),
	})
}

func (g *Gateway) handleDeny(w http.ResponseWriter, r *http.Request) {
	denied, err := g.approvals.Deny(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  requestView(denied),
	})
}

func (g *Gateway) handleApproveAll(w http.ResponseWriter, r *http.Request) {
	var body ApproveRequest
	if err := decodeJSON(w, r, &body); err != nil {
		g.writeError(w, r, err)
		return
	}

	outcomes, err := g.approvals.ApproveAll(r.Context(), body.ChallengeID, body.Response)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"results": outcomes,
	})
}

// writeError maps err onto a status code and a message safe to show.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *approval.ConflictError

	switch {
	case errors.As(err, &conflict):
		sendJSONError(w, http.StatusConflict, conflict.Error())
	case errors.Is(err, devices.ErrDuplicateCredential):
		sendJSONError(w, http.StatusConflict, "device already registered")
	case errors.Is(err, store.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, "not found")
	case passkey.IsAuthFailure(err):
		g.logger.Warn("authentication failed", "path", r.URL.Path, "error", err)
		sendJSONError(w, http.StatusUnauthorized, authFailureMessage(err))
	case errors.Is(err, approval.ErrInvalidInput),
		errors.Is(err, passkey.ErrMalformedResponse),
		errors.Is(err, passkey.ErrRegistrationFailed),
		errors.Is(err, passkey.ErrNoDevices):
		sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// authFailureMessage names the failure without echoing wrapped detail.
func authFailureMessage(err error) string {
	switch {
	case errors.Is(err, passkey.ErrInvalidChallenge):
		return "invalid or expired challenge"
	case errors.Is(err, passkey.ErrUnknownDevice):
		return "unknown device"
	case errors.Is(err, passkey.ErrReplayDetected):
		return "replayed or cloned authenticator"
	default:
		return "authentication failed"
	}
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
