// ABOUTME: Software WebAuthn authenticator for driving real ceremonies in tests
// ABOUTME: Produces "none" attestations and ES256 assertions with a controllable counter

// Package passkeytest provides an in-memory platform authenticator. It
// answers the options produced by the passkey service with responses shaped
// exactly like a browser's navigator.credentials output.
package passkeytest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-webauthn/webauthn/protocol"
)

// Authenticator flag bits.
const (
	flagUserPresent  byte = 0x01
	flagUserVerified byte = 0x04
	flagAttestedData byte = 0x40
)

var encMode = func() cbor.EncMode {
	em, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Authenticator holds one ES256 credential.
type Authenticator struct {
	Origin string

	mu           sync.Mutex
	key          *ecdsa.PrivateKey
	credentialID []byte
	counter      uint32
	// frozen authenticators always report a zero counter
	frozen bool
}

// New creates an authenticator that signs for origin.
func New(origin string) (*Authenticator, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	credentialID := make([]byte, 32)
	if _, err := rand.Read(credentialID); err != nil {
		return nil, fmt.Errorf("generating credential id: %w", err)
	}

	return &Authenticator{Origin: origin, key: key, credentialID: credentialID}, nil
}

// WithoutCounter makes the authenticator report a zero signature counter,
// like authenticators that do not implement one.
func (a *Authenticator) WithoutCounter() *Authenticator {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frozen = true
	return a
}

// CredentialID returns the raw credential id.
func (a *Authenticator) CredentialID() []byte {
	return a.credentialID
}

// SetCounter sets the internal counter; the next Assert reports n+1.
func (a *Authenticator) SetCounter(n uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counter = n
}

// Register answers a registration ceremony and returns the JSON a browser
// would post back.
func (a *Authenticator) Register(options *protocol.CredentialCreation) ([]byte, error) {
	if options == nil {
		return nil, errors.New("nil creation options")
	}
	pk := options.Response

	clientData, err := a.clientData(protocol.CreateCeremony, pk.Challenge)
	if err != nil {
		return nil, err
	}

	coseKey, err := encMode.Marshal(map[int]any{
		1:  2,  // kty: EC2
		3:  -7, // alg: ES256
		-1: 1,  // crv: P-256
		-2: a.key.X.FillBytes(make([]byte, 32)),
		-3: a.key.Y.FillBytes(make([]byte, 32)),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}

	authData := a.authData(pk.RelyingParty.ID, flagUserPresent|flagUserVerified|flagAttestedData, 0)
	authData = append(authData, make([]byte, 16)...) // aaguid
	authData = binary.BigEndian.AppendUint16(authData, uint16(len(a.credentialID)))
	authData = append(authData, a.credentialID...)
	authData = append(authData, coseKey...)

	attestation, err := encMode.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding attestation object: %w", err)
	}

	id := b64(a.credentialID)
	return json.Marshal(map[string]any{
		"id":    id,
		"rawId": id,
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    b64(clientData),
			"attestationObject": b64(attestation),
			"transports":        []string{"internal"},
		},
		"clientExtensionResults":  map[string]any{},
		"authenticatorAttachment": "platform",
	})
}

// Assert answers an authentication ceremony, incrementing the counter unless
// the authenticator has none.
func (a *Authenticator) Assert(options *protocol.CredentialAssertion) ([]byte, error) {
	a.mu.Lock()
	if !a.frozen {
		a.counter++
	}
	counter := a.counter
	if a.frozen {
		counter = 0
	}
	a.mu.Unlock()

	return a.AssertWithCounter(options, counter)
}

// AssertWithCounter answers an authentication ceremony reporting counter
// verbatim, for replay tests.
func (a *Authenticator) AssertWithCounter(options *protocol.CredentialAssertion, counter uint32) ([]byte, error) {
	if options == nil {
		return nil, errors.New("nil assertion options")
	}
	pk := options.Response

	clientData, err := a.clientData(protocol.AssertCeremony, pk.Challenge)
	if err != nil {
		return nil, err
	}

	authData := a.authData(pk.RelyingPartyID, flagUserPresent|flagUserVerified, counter)

	clientDataHash := sha256.Sum256(clientData)
	signed := sha256.Sum256(append(append([]byte{}, authData...), clientDataHash[:]...))
	signature, err := ecdsa.SignASN1(rand.Reader, a.key, signed[:])
	if err != nil {
		return nil, fmt.Errorf("signing assertion: %w", err)
	}

	id := b64(a.credentialID)
	return json.Marshal(map[string]any{
		"id":    id,
		"rawId": id,
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    b64(clientData),
			"authenticatorData": b64(authData),
			"signature":         b64(signature),
			"userHandle":        b64([]byte("admin")),
		},
		"clientExtensionResults":  map[string]any{},
		"authenticatorAttachment": "platform",
	})
}

func (a *Authenticator) clientData(ceremony protocol.CeremonyType, challenge protocol.URLEncodedBase64) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":        string(ceremony),
		"challenge":   b64(challenge),
		"origin":      a.Origin,
		"crossOrigin": false,
	})
}

func (a *Authenticator) authData(rpID string, flags byte, counter uint32) []byte {
	rpIDHash := sha256.Sum256([]byte(rpID))
	out := make([]byte, 0, 37)
	out = append(out, rpIDHash[:]...)
	out = append(out, flags)
	return binary.BigEndian.AppendUint32(out, counter)
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
