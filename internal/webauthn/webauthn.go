// Package webauthn wraps the FIDO2 attestation and assertion ceremonies for
// passkey registration and login. Ceremony state lives in redis between the
// challenge and completion requests.
package webauthn

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/identity"
)

// Sentinel errors for the webauthn package.
var (
	ErrNoChallenge   = errors.New("no pending webauthn challenge")
	ErrStateMismatch = errors.New("custom-tab state mismatch")
	ErrNoCredentials = errors.New("user has no registered credentials")
)

// challengeTTL bounds how long a ceremony may take between the challenge and
// the completion request.
const challengeTTL = 5 * time.Minute

func challengeKey(kind, userID string) string { return "wan_challenge:" + kind + ":" + userID }
func stateKey(state string) string            { return "wan_state:" + state }

// user adapts identity.User to the ceremony's user interface.
type user struct {
	u *identity.User
}

func (w user) WebAuthnID() []byte          { return []byte(w.u.UUID) }
func (w user) WebAuthnName() string        { return w.u.Email }
func (w user) WebAuthnDisplayName() string {
	if w.u.DisplayName != "" {
		return w.u.DisplayName
	}
	return w.u.Email
}

func (w user) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, 0, len(w.u.Credentials))
	for _, c := range w.u.Credentials {
		id, err := base64.RawURLEncoding.DecodeString(c.ID)
		if err != nil {
			continue
		}
		transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
		for _, t := range c.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		out = append(out, webauthn.Credential{
			ID:        id,
			PublicKey: c.PublicKey,
			Transport: transports,
			Authenticator: webauthn.Authenticator{
				SignCount: c.SignCount,
			},
		})
	}
	return out
}

// Service runs the ceremonies. Origins are literal values only: the
// configured HTTPS origin, localhost development origins, and Android APK
// key-hash origins carried in clientDataJSON; nothing is ever derived from
// request headers.
type Service struct {
	wan *webauthn.WebAuthn
	rdb *redis.Client
	log zerolog.Logger
}

// NewService configures the ceremony engine for the given RP-ID and origin
// list.
func NewService(rdb *redis.Client, rpID, serverName, serverURL string, extraOrigins []string, logger zerolog.Logger) (*Service, error) {
	origins := []string{serverURL}
	if rpID == "localhost" {
		origins = append(origins, "http://localhost:3000", "http://localhost:5173", "http://localhost:8080")
	}
	origins = append(origins, extraOrigins...)

	wan, err := webauthn.New(&webauthn.Config{
		RPDisplayName: serverName,
		RPID:          rpID,
		RPOrigins:     origins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return &Service{wan: wan, rdb: rdb, log: logger.With().Str("component", "webauthn").Logger()}, nil
}

func (s *Service) saveSession(ctx context.Context, kind, userID string, data *webauthn.SessionData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode ceremony session: %w", err)
	}
	if err := s.rdb.Set(ctx, challengeKey(kind, userID), raw, challengeTTL).Err(); err != nil {
		return fmt.Errorf("store ceremony session: %w", err)
	}
	return nil
}

func (s *Service) takeSession(ctx context.Context, kind, userID string) (*webauthn.SessionData, error) {
	raw, err := s.rdb.GetDel(ctx, challengeKey(kind, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoChallenge
	}
	if err != nil {
		return nil, fmt.Errorf("load ceremony session: %w", err)
	}
	var data webauthn.SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode ceremony session: %w", err)
	}
	return &data, nil
}

// BeginRegistration creates attestation options for the user: resident key
// required, user verification preferred, no attestation conveyance.
func (s *Service) BeginRegistration(ctx context.Context, u *identity.User) (*protocol.CredentialCreation, error) {
	options, session, err := s.wan.BeginRegistration(user{u},
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementRequired,
			UserVerification: protocol.VerificationPreferred,
		}),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
	)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}
	if err := s.saveSession(ctx, "register", u.UUID, session); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishRegistration validates the attestation response and returns the new
// credential in storage form. Observed transports are recorded, always
// including "hybrid" so cross-device sign-in stays offered.
func (s *Service) FinishRegistration(ctx context.Context, u *identity.User, body []byte, info identity.DeviceInfo) (*identity.Credential, error) {
	session, err := s.takeSession(ctx, "register", u.UUID)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse attestation: %w", err)
	}

	cred, err := s.wan.CreateCredential(user{u}, *session, parsed)
	if err != nil {
		return nil, fmt.Errorf("validate attestation: %w", err)
	}

	transports := make([]string, 0, len(cred.Transport)+1)
	hybrid := false
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
		if t == protocol.Hybrid {
			hybrid = true
		}
	}
	if !hybrid {
		transports = append(transports, string(protocol.Hybrid))
	}

	now := time.Now().UTC()
	return &identity.Credential{
		ID:         base64.RawURLEncoding.EncodeToString(cred.ID),
		PublicKey:  cred.PublicKey,
		Transports: transports,
		SignCount:  cred.Authenticator.SignCount,
		CreatedAt:  now,
		LastLogin:  now,
		Browser:    info.Browser,
		IP:         info.IP,
		Location:   info.Location,
	}, nil
}

// BeginLogin creates assertion options for the named user, with
// allowCredentials derived from their stored credentials. When fromCustomTab
// is set, a one-shot CSRF state is generated, stored, and returned alongside.
func (s *Service) BeginLogin(ctx context.Context, u *identity.User, fromCustomTab bool) (*protocol.CredentialAssertion, string, error) {
	if len(u.Credentials) == 0 {
		return nil, "", ErrNoCredentials
	}

	options, session, err := s.wan.BeginLogin(user{u})
	if err != nil {
		return nil, "", fmt.Errorf("begin login: %w", err)
	}
	if err := s.saveSession(ctx, "login", u.UUID, session); err != nil {
		return nil, "", err
	}

	var state string
	if fromCustomTab {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return nil, "", fmt.Errorf("generate state: %w", err)
		}
		state = base64.RawURLEncoding.EncodeToString(buf)
		if err := s.rdb.Set(ctx, stateKey(state), u.UUID, challengeTTL).Err(); err != nil {
			return nil, "", fmt.Errorf("store state: %w", err)
		}
	}
	return options, state, nil
}

// FinishLogin validates the assertion, checks and strips the custom-tab state
// when one is claimed, and returns the updated credential (new sign count,
// login stamp).
func (s *Service) FinishLogin(ctx context.Context, u *identity.User, body []byte, claimedState string, info identity.DeviceInfo) (*identity.Credential, error) {
	if claimedState != "" {
		owner, err := s.rdb.GetDel(ctx, stateKey(claimedState)).Result()
		if errors.Is(err, redis.Nil) || (err == nil && owner != u.UUID) {
			return nil, ErrStateMismatch
		}
		if err != nil {
			return nil, fmt.Errorf("check state: %w", err)
		}
	}

	session, err := s.takeSession(ctx, "login", u.UUID)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse assertion: %w", err)
	}

	cred, err := s.wan.ValidateLogin(user{u}, *session, parsed)
	if err != nil {
		return nil, fmt.Errorf("validate assertion: %w", err)
	}

	id := base64.RawURLEncoding.EncodeToString(cred.ID)
	for _, existing := range u.Credentials {
		if existing.ID == id {
			updated := existing
			updated.SignCount = cred.Authenticator.SignCount
			updated.LastLogin = time.Now().UTC()
			if info.Browser != "" {
				updated.Browser = info.Browser
			}
			if info.IP != "" {
				updated.IP = info.IP
			}
			if info.Location != "" {
				updated.Location = info.Location
			}
			return &updated, nil
		}
	}
	return nil, identity.ErrCredentialMissing
}
