// ABOUTME: WebAuthn registration and assertion ceremonies for the single approver
// ABOUTME: Binds go-webauthn to persisted challenges and the device registry

package passkey

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/greyzone/greyzone/internal/challenge"
	"github.com/greyzone/greyzone/internal/devices"
	"github.com/greyzone/greyzone/internal/store"
)

const (
	// ApproverID is the user handle shared by every registered device
	ApproverID = "admin"

	defaultDisplayName   = "Admin Device"
	defaultRPDisplayName = "Greyzone"
)

var (
	// ErrNoDevices is returned when authentication starts with nothing registered
	ErrNoDevices = errors.New("no devices registered")

	// ErrUnknownDevice is returned when the assertion names an unregistered credential
	ErrUnknownDevice = devices.ErrUnknownDevice

	// ErrReplayDetected is returned when the signature counter did not advance
	ErrReplayDetected = devices.ErrReplayDetected

	// ErrInvalidChallenge is returned for unknown, used, expired, or wrong-kind challenges
	ErrInvalidChallenge = challenge.ErrInvalidChallenge

	// ErrAuthenticationFailed is returned when an assertion does not verify
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrRegistrationFailed is returned when an attestation does not verify
	ErrRegistrationFailed = errors.New("registration verification failed")

	// ErrMalformedResponse is returned when a ceremony response cannot be parsed
	ErrMalformedResponse = errors.New("malformed ceremony response")
)

// IsAuthFailure reports whether err means the approver could not be
// authenticated: bad challenge, unknown device, bad signature, or replay.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrInvalidChallenge) ||
		errors.Is(err, ErrUnknownDevice) ||
		errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrReplayDetected)
}

// Config holds relying party settings.
type Config struct {
	RPID          string
	RPOrigins     []string
	RPDisplayName string
	// BaseURL is used to derive RPID and RPOrigins when they are empty
	BaseURL string
}

// Service runs passkey ceremonies.
type Service struct {
	webauthn   *webauthn.WebAuthn
	store      store.Store
	challenges *challenge.Manager
	registry   *devices.Registry
	logger     *slog.Logger
}

// approver adapts the registered devices to webauthn.User.
type approver struct {
	displayName string
	devices     []*store.Device
}

func (a *approver) WebAuthnID() []byte {
	return []byte(ApproverID)
}

func (a *approver) WebAuthnName() string {
	return ApproverID
}

func (a *approver) WebAuthnDisplayName() string {
	if a.displayName != "" {
		return a.displayName
	}
	return defaultDisplayName
}

func (a *approver) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, len(a.devices))
	for i, d := range a.devices {
		creds[i] = webauthn.Credential{
			ID:              d.CredentialID,
			PublicKey:       d.PublicKey,
			AttestationType: d.AttestationType,
			Transport:       toTransports(d.Transports),
			Flags: webauthn.CredentialFlags{
				UserPresent:    true,
				UserVerified:   true,
				BackupEligible: d.BackupEligible,
				BackupState:    d.BackupState,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:    d.AAGUID,
				SignCount: d.Counter,
			},
		}
	}
	return creds
}

func toTransports(in []string) []protocol.AuthenticatorTransport {
	if len(in) == 0 {
		return nil
	}
	out := make([]protocol.AuthenticatorTransport, len(in))
	for i, t := range in {
		out[i] = protocol.AuthenticatorTransport(t)
	}
	return out
}

func fromTransports(in []protocol.AuthenticatorTransport) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, t := range in {
		out[i] = string(t)
	}
	return out
}

// deriveWebAuthnConfig extracts rpID and rpOrigins from a base URL.
// Returns defaults if URL is empty or invalid.
func deriveWebAuthnConfig(baseURL string) (rpID string, rpOrigins []string) {
	// Defaults for localhost development
	rpID = "localhost"
	rpOrigins = []string{"http://localhost", "https://localhost"}

	if baseURL == "" {
		return rpID, rpOrigins
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return rpID, rpOrigins
	}

	host := parsed.Hostname()
	if host == "" {
		return rpID, rpOrigins
	}

	rpID = host
	rpOrigins = []string{parsed.Scheme + "://" + parsed.Host}
	// Also allow both http and https variants
	if parsed.Scheme == "https" {
		rpOrigins = append(rpOrigins, "http://"+parsed.Host)
	} else {
		rpOrigins = append(rpOrigins, "https://"+parsed.Host)
	}
	return rpID, rpOrigins
}

// NewService creates a ceremony service.
func NewService(cfg Config, s store.Store, challenges *challenge.Manager, registry *devices.Registry, logger *slog.Logger) (*Service, error) {
	rpID, rpOrigins := cfg.RPID, cfg.RPOrigins
	if rpID == "" || len(rpOrigins) == 0 {
		derivedID, derivedOrigins := deriveWebAuthnConfig(cfg.BaseURL)
		if rpID == "" {
			rpID = derivedID
		}
		if len(rpOrigins) == 0 {
			rpOrigins = derivedOrigins
		}
	}

	displayName := cfg.RPDisplayName
	if displayName == "" {
		displayName = defaultRPDisplayName
	}

	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: displayName,
		RPID:          rpID,
		RPOrigins:     rpOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "passkey")
	logger.Info("webauthn configured", "rp_id", rpID, "origins", rpOrigins)

	return &Service{
		webauthn:   w,
		store:      s,
		challenges: challenges,
		registry:   registry,
		logger:     logger,
	}, nil
}

// RegistrationStart is returned by BeginRegistration.
type RegistrationStart struct {
	ChallengeID string
	Options     *protocol.CredentialCreation
	DeviceName  string
}

// BeginRegistration starts a registration ceremony that excludes every
// already registered credential.
func (s *Service) BeginRegistration(ctx context.Context, deviceName string) (*RegistrationStart, error) {
	if deviceName == "" {
		deviceName = devices.DefaultDeviceName
	}

	excluded, err := s.registry.ExcludedCredentialIDs(ctx)
	if err != nil {
		return nil, err
	}

	exclusions := make([]protocol.CredentialDescriptor, len(excluded))
	for i, id := range excluded {
		exclusions[i] = protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: id,
		}
	}

	user := &approver{}
	options, session, err := s.webauthn.BeginRegistration(user,
		webauthn.WithExclusions(exclusions),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationRequired,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("beginning registration: %w", err)
	}

	ch, err := s.challenges.Issue(ctx, store.ChallengeRegistration, session)
	if err != nil {
		return nil, err
	}

	return &RegistrationStart{
		ChallengeID: ch.ID,
		Options:     options,
		DeviceName:  deviceName,
	}, nil
}

// FinishRegistration verifies an attestation and stores the new device. The
// challenge redemption, verification, and insert commit together.
func (s *Service) FinishRegistration(ctx context.Context, challengeID, deviceName, userAgent string, response []byte) (*store.Device, error) {
	var device *store.Device
	err := s.store.InTx(ctx, func(tx store.Store) error {
		session, err := s.challenges.WithStore(tx).Redeem(ctx, challengeID, store.ChallengeRegistration)
		if err != nil {
			return err
		}

		parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}

		registry := s.registry.WithStore(tx)
		existing, err := registry.List(ctx)
		if err != nil {
			return err
		}

		credential, err := s.webauthn.CreateCredential(&approver{devices: existing}, *session, parsed)
		if err != nil {
			s.logger.Warn("registration verification failed", "error", err)
			return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
		}

		device, err = registry.Register(ctx, deviceName, devices.Credential{
			ID:              credential.ID,
			PublicKey:       credential.PublicKey,
			Counter:         credential.Authenticator.SignCount,
			AttestationType: credential.AttestationType,
			Transports:      fromTransports(credential.Transport),
			AAGUID:          credential.Authenticator.AAGUID,
			BackupEligible:  credential.Flags.BackupEligible,
			BackupState:     credential.Flags.BackupState,
			UserAgent:       userAgent,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

// AuthenticationStart is returned by BeginAuthentication.
type AuthenticationStart struct {
	ChallengeID string
	Options     *protocol.CredentialAssertion
}

// BeginAuthentication starts an assertion ceremony allowing every registered
// device.
func (s *Service) BeginAuthentication(ctx context.Context) (*AuthenticationStart, error) {
	existing, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, ErrNoDevices
	}

	options, session, err := s.webauthn.BeginLogin(&approver{devices: existing},
		webauthn.WithUserVerification(protocol.VerificationRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("beginning authentication: %w", err)
	}

	ch, err := s.challenges.Issue(ctx, store.ChallengeAuthentication, session)
	if err != nil {
		return nil, err
	}

	return &AuthenticationStart{ChallengeID: ch.ID, Options: options}, nil
}

// VerifyAssertion redeems the authentication challenge, verifies the assertion
// against the device that produced it, and advances that device's counter. All
// reads and writes go through tx, so a failure at any step leaves no trace once
// the caller rolls back.
func (s *Service) VerifyAssertion(ctx context.Context, tx store.Store, challengeID string, response []byte) (*store.Device, error) {
	session, err := s.challenges.WithStore(tx).Redeem(ctx, challengeID, store.ChallengeAuthentication)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	registry := s.registry.WithStore(tx)
	device, err := registry.Lookup(ctx, parsed.RawID)
	if err != nil {
		return nil, err
	}

	all, err := registry.List(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := s.webauthn.ValidateLogin(&approver{devices: all}, *session, parsed); err != nil {
		s.logger.Warn("assertion verification failed", "device_id", device.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	device, err = registry.VerifyAndAdvanceCounter(ctx, parsed.RawID, parsed.Response.AuthenticatorData.Counter)
	if err != nil {
		return nil, err
	}

	s.logger.Info("approver authenticated", "device_id", device.ID, "device", device.Name)
	return device, nil
}
