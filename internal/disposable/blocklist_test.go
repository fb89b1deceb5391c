package disposable

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestIsDisposable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# comment\nmailinator.com\ntrashmail.net\n\n"))
	}))
	t.Cleanup(srv.Close)

	b := NewBlocklist(srv.URL, true, zerolog.Nop())
	b.Prefetch(context.Background())

	if !b.IsDisposable("user@mailinator.com") {
		t.Error("listed domain not detected")
	}
	if !b.IsDisposable("user@TRASHMAIL.NET") {
		t.Error("detection should be case-insensitive")
	}
	if b.IsDisposable("user@example.org") {
		t.Error("unlisted domain flagged")
	}
	if b.IsDisposable("no-at-sign") {
		t.Error("malformed input flagged")
	}
}

func TestDisabledBlocklist(t *testing.T) {
	t.Parallel()

	b := NewBlocklist("http://unreachable.invalid", false, zerolog.Nop())
	b.Prefetch(context.Background())

	if b.IsDisposable("user@mailinator.com") {
		t.Error("disabled blocklist should block nothing")
	}
}

func TestFetchFailureBlocksNothing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	b := NewBlocklist(srv.URL, true, zerolog.Nop())
	b.Prefetch(context.Background())

	if b.IsDisposable("user@mailinator.com") {
		t.Error("failed fetch must not lock out registration")
	}
}
