package auth

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/httputil"
)

// Header names for HMAC-signed native requests.
const (
	HeaderClientID  = "X-Client-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

const authContextKey = "authctx"

// AuthContext is the tagged result of the dual-auth middleware. Exactly one
// of the concrete variants is stored per request; handlers switch on the
// type instead of re-deriving authentication.
type AuthContext interface {
	isAuthContext()
}

// HmacAuth is a native client authenticated by request signature.
type HmacAuth struct {
	UserID   string
	ClientID string
	DeviceID int
}

// SessionAuth is a browser authenticated by session cookie.
type SessionAuth struct {
	UserID  string
	Email   string
	Session *WebSession
	Cookie  string
}

// PublicAuth is an unauthenticated request.
type PublicAuth struct{}

func (HmacAuth) isAuthContext()    {}
func (SessionAuth) isAuthContext() {}
func (PublicAuth) isAuthContext()  {}

// FromContext returns the request's AuthContext. The middleware always sets
// one; PublicAuth is returned for requests it never saw.
func FromContext(c fiber.Ctx) AuthContext {
	if ac, ok := c.Locals(authContextKey).(AuthContext); ok {
		return ac
	}
	return PublicAuth{}
}

// UserID returns the authenticated user, or "" for public requests.
func UserID(c fiber.Ctx) string {
	switch ac := FromContext(c).(type) {
	case HmacAuth:
		return ac.UserID
	case SessionAuth:
		return ac.UserID
	default:
		return ""
	}
}

// Middleware returns the dual-auth decorator. It authenticates every request
// as either an HMAC-signed native call or a cookie-backed browser call and
// stores the resulting AuthContext; requests carrying neither pass through as
// PublicAuth for the public endpoints to handle.
//
// An invalid signature, replayed nonce, or expired session is rejected here
// with 401 rather than downgraded to PublicAuth, so a broken client cannot
// silently fall into anonymous handling.
func Middleware(sessions *SessionStore, webSessions *WebSessionStore, verifier *HMACVerifier, logger zerolog.Logger) fiber.Handler {
	log := logger.With().Str("component", "auth").Logger()

	return func(c fiber.Ctx) error {
		clientID := c.Get(HeaderClientID)
		signature := c.Get(HeaderSignature)

		if clientID != "" && signature != "" {
			sess, err := sessions.Get(c.Context(), clientID)
			if err != nil {
				return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Unknown or expired client session")
			}

			err = verifier.Verify(c.Context(), clientID, sess.SessionSecret, signature,
				c.Method(), c.Path(), c.Get(HeaderTimestamp), c.Get(HeaderNonce), c.Body())
			if err != nil {
				if errors.Is(err, ErrNonceReused) {
					// Replay is a security event: drop the session outright.
					log.Warn().Str("client_id", clientID[:min(8, len(clientID))]).Msg("Nonce replay detected, invalidating session")
					_ = sessions.Delete(c.Context(), clientID)
				}
				return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Invalid request signature")
			}

			_ = sessions.Touch(c.Context(), clientID)
			c.Locals(authContextKey, HmacAuth{UserID: sess.UserID, ClientID: clientID, DeviceID: sess.DeviceID})
			return c.Next()
		}

		if cookie := c.Cookies(SessionCookieName); cookie != "" {
			sess, err := webSessions.Get(c.Context(), cookie)
			if err == nil {
				c.Locals(authContextKey, SessionAuth{UserID: sess.UserID, Email: sess.Email, Session: sess, Cookie: cookie})
				return c.Next()
			}
			// A stale cookie is not an error by itself; fall through as public.
		}

		c.Locals(authContextKey, PublicAuth{})
		return c.Next()
	}
}

// RequireAuth rejects requests that did not authenticate by either method.
func RequireAuth() fiber.Handler {
	return func(c fiber.Ctx) error {
		if _, ok := FromContext(c).(PublicAuth); ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Authentication required")
		}
		return c.Next()
	}
}

// RequireSession rejects requests that are not cookie-authenticated. Used by
// the browser-only endpoints (magic-link generation, web-client binding).
func RequireSession() fiber.Handler {
	return func(c fiber.Ctx) error {
		if _, ok := FromContext(c).(SessionAuth); !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Session authentication required")
		}
		return c.Next()
	}
}

// RegistrationStepGate rewrites /register/* requests to the caller's current
// registration step. A request for a later or earlier step is redirected to
// the step path recorded on the session, enforcing the linear flow
// server-side.
func RegistrationStepGate() fiber.Handler {
	return func(c fiber.Ctx) error {
		sa, ok := FromContext(c).(SessionAuth)
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Registration session required")
		}

		step := RegistrationStep(sa.Session.RegStep)
		want := StepPath(step)
		if want == "" {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "No registration in progress")
		}
		if c.Path() != want {
			// Same-method 307 redirect to the correct step.
			return c.Redirect().Status(fiber.StatusTemporaryRedirect).To(want)
		}
		return c.Next()
	}
}
