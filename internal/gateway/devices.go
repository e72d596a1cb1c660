// ABOUTME: HTTP handlers for passkey device registration, listing, removal, and auth challenges
// ABOUTME: Device views never include key material

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/greyzone/greyzone/internal/store"
)

// DeviceView is the JSON form of a registered device.
type DeviceView struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	UserAgent    string     `json:"userAgent,omitempty"`
	RegisteredAt time.Time  `json:"registeredAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt"`
}

func deviceView(d *store.Device) DeviceView {
	return DeviceView{
		ID:           d.ID,
		Name:         d.Name,
		UserAgent:    d.UserAgent,
		RegisteredAt: d.RegisteredAt,
		LastUsedAt:   d.LastUsedAt,
	}
}

// RegisterStartRequest is the body of POST /api/devices/register/start.
type RegisterStartRequest struct {
	Name string `json:"name"`
}

// RegisterStartResponse carries the creation options for navigator.credentials.create.
type RegisterStartResponse struct {
	ChallengeID string                       `json:"challengeId"`
	Options     *protocol.CredentialCreation `json:"options"`
	DeviceName  string                       `json:"deviceName"`
}

// RegisterCompleteRequest is the body of POST /api/devices/register/complete.
type RegisterCompleteRequest struct {
	ChallengeID string          `json:"challengeId"`
	Response    json.RawMessage `json:"response"`
	DeviceName  string          `json:"deviceName"`
	UserAgent   string          `json:"userAgent"`
}

// AuthStartResponse carries the request options for navigator.credentials.get.
type AuthStartResponse struct {
	ChallengeID string                        `json:"challengeId"`
	Options     *protocol.CredentialAssertion `json:"options"`
}

func (g *Gateway) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := g.registry.List(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	views := make([]DeviceView, len(devs))
	for i, d := range devs {
		views[i] = deviceView(d)
	}
	writeJSON(w, http.StatusOK, views)
}

func (g *Gateway) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	removed, err := g.registry.Remove(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if !removed {
		sendJSONError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (g *Gateway) handleRegisterStart(w http.ResponseWriter, r *http.Request) {
	var body RegisterStartRequest
	// the body is optional; an empty one takes the default device name
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			g.writeError(w, r, err)
			return
		}
	}

	start, err := g.passkeys.BeginRegistration(r.Context(), body.Name)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, RegisterStartResponse{
		ChallengeID: start.ChallengeID,
		Options:     start.Options,
		DeviceName:  start.DeviceName,
	})
}

func (g *Gateway) handleRegisterComplete(w http.ResponseWriter, r *http.Request) {
	var body RegisterCompleteRequest
	if err := decodeJSON(w, r, &body); err != nil {
		g.writeError(w, r, err)
		return
	}

	userAgent := body.UserAgent
	if userAgent == "" {
		userAgent = r.UserAgent()
	}

	dev, err := g.passkeys.FinishRegistration(r.Context(), body.ChallengeID, body.DeviceName, userAgent, body.Response)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"deviceId": dev.ID,
	})
}

func (g *Gateway) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	start, err := g.passkeys.BeginAuthentication(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, AuthStartResponse{
		ChallengeID: start.ChallengeID,
		Options:     start.Options,
	})
}
