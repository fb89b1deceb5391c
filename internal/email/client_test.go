package email

import (
	"strings"
	"testing"
)

func TestBuildMessage(t *testing.T) {
	t.Parallel()

	msg := buildMessage("PeerLink <noreply@x.org>", "a@x.org", "Your code", "12345")

	for _, want := range []string{
		"From: PeerLink <noreply@x.org>\r\n",
		"To: a@x.org\r\n",
		"Subject: Your code\r\n",
		"Content-Type: text/plain; charset=utf-8\r\n",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}

	// Headers and body are separated by a blank line, body comes last.
	if !strings.HasSuffix(msg, "\r\n\r\n12345\r\n") &&
		!strings.Contains(msg, "\r\n\r\n12345\r\n") {
		t.Errorf("body not terminated correctly:\n%s", msg)
	}
}

func TestBuildMessageEncodesSubject(t *testing.T) {
	t.Parallel()

	msg := buildMessage("noreply@x.org", "a@x.org", "Grüße von PeerLink", "hi")
	if strings.Contains(msg, "Subject: Grüße") {
		t.Error("non-ASCII subject was not MIME-encoded")
	}
}

func TestNewClientFallbackAddress(t *testing.T) {
	t.Parallel()

	// An unparseable from address still yields a usable client.
	c := NewClient("mail.example.com", 587, "", "", "not-an-address")
	if c.from.Address != "not-an-address" {
		t.Errorf("from = %q, want raw fallback", c.from.Address)
	}
	if c.addr() != "mail.example.com:587" {
		t.Errorf("addr() = %q", c.addr())
	}
}
