// Package identity stores users, their WebAuthn credentials and backup codes,
// and their clients (devices). A user may own any number of clients; each
// client gets a small per-owner device number used to address envelopes and
// Signal key material.
package identity

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

// Sentinel errors for the identity package.
var (
	ErrNotFound          = errors.New("user not found")
	ErrClientNotFound    = errors.New("client not found")
	ErrAlreadyExists     = errors.New("email already registered")
	ErrAtNameTaken       = errors.New("at-name already taken")
	ErrInvalidEmail      = errors.New("invalid email format")
	ErrLastCredential    = errors.New("cannot delete the last credential")
	ErrCredentialMissing = errors.New("credential not found")
)

// emailPattern is deliberately permissive: it requires a local part, an @, and
// a dotted domain, and leaves the rest to the mail exchanger. Unicode domains
// and trailing dots pass.
var emailPattern = regexp.MustCompile(`^\S+@\S+\.\S+$`)

// sanitizer strips all markup from user-supplied free text before storage.
var sanitizer = bluemonday.StrictPolicy()

// ValidateEmail trims and lowercases the address and checks it against the
// accepted pattern.
func ValidateEmail(email string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(email))
	if e == "" || len(e) > 254 || !emailPattern.MatchString(e) {
		return "", ErrInvalidEmail
	}
	return e, nil
}

// SanitizeText strips markup and trims user-supplied display text.
func SanitizeText(s string) string {
	return strings.TrimSpace(sanitizer.Sanitize(s))
}

// Credential is one WebAuthn credential, stored serialized on the user row.
type Credential struct {
	ID         string    `json:"id"` // base64url credential ID
	PublicKey  []byte    `json:"publicKey"`
	Transports []string  `json:"transports"`
	SignCount  uint32    `json:"signCount"`
	CreatedAt  time.Time `json:"createdAt"`
	LastLogin  time.Time `json:"lastLogin"`
	Browser    string    `json:"browser,omitempty"`
	IP         string    `json:"ip,omitempty"`
	Location   string    `json:"location,omitempty"`
}

// BackupCode is a single bcrypt-hashed backup code with its consumed bit.
type BackupCode struct {
	Hash string `json:"hash"`
	Used bool   `json:"used"`
}

// NotifyPrefs holds per-user notification preferences.
type NotifyPrefs struct {
	MessageEmails bool `json:"messageEmails"`
	MeetingEmails bool `json:"meetingEmails"`
}

// User is an account. Email is unique; a verified flag gates everything past
// registration. Credentials and backup codes live serialized on the row.
type User struct {
	UUID        string
	Email       string
	Verified    bool
	DisplayName string
	AtName      string
	Credentials []Credential
	BackupCodes []BackupCode
	Picture     string
	Active      bool
	NotifyPrefs NotifyPrefs
	CreatedAt   time.Time
}

// Client is one device installation, identified by a client-generated UUID
// and a per-owner device number.
type Client struct {
	ClientID       string
	Owner          string
	DeviceID       int
	PublicKey      string
	RegistrationID int
	IP             string
	Browser        string
	Location       string
	CreatedAt      time.Time
	LastSeen       time.Time
}

// DeviceInfo carries the request metadata recorded against clients and
// credentials.
type DeviceInfo struct {
	IP       string
	Browser  string
	Location string
}
