// Package disposable checks registration emails against a public list of
// disposable email domains. An optional supplement to the registration gate.
package disposable

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Blocklist holds the cached domain set. When disabled, IsDisposable always
// returns false without fetching anything.
type Blocklist struct {
	url     string
	enabled bool
	client  *http.Client
	log     zerolog.Logger

	mu      sync.RWMutex
	domains map[string]struct{}
}

// NewBlocklist creates the blocklist.
func NewBlocklist(url string, enabled bool, logger zerolog.Logger) *Blocklist {
	return &Blocklist{
		url:     url,
		enabled: enabled,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     logger.With().Str("component", "disposable").Logger(),
	}
}

// Prefetch loads the list synchronously so the cache is warm before the
// server accepts registrations. Errors are logged, not fatal.
func (b *Blocklist) Prefetch(ctx context.Context) {
	if !b.enabled {
		return
	}
	if err := b.refresh(ctx); err != nil {
		b.log.Warn().Err(err).Msg("Failed to prefetch disposable email blocklist")
	}
}

// Run refreshes the list on the given interval until the context ends, so
// newly added disposable domains are picked up without a restart.
func (b *Blocklist) Run(ctx context.Context, interval time.Duration) error {
	if !b.enabled {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.refresh(ctx); err != nil {
				b.log.Warn().Err(err).Msg("Disposable email blocklist refresh failed")
			}
		}
	}
}

func (b *Blocklist) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return fmt.Errorf("build blocklist request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch blocklist: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch blocklist: status %d", resp.StatusCode)
	}

	domains := make(map[string]struct{})
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(strings.ToLower(scanner.Text()))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read blocklist: %w", err)
	}

	b.mu.Lock()
	b.domains = domains
	b.mu.Unlock()
	b.log.Info().Int("domains", len(domains)).Msg("Disposable email blocklist loaded")
	return nil
}

// IsDisposable reports whether the email's domain is on the list. An empty or
// never-loaded cache blocks nothing, so a fetch outage cannot lock out
// registration. Implements admin.DisposableChecker.
func (b *Blocklist) IsDisposable(email string) bool {
	if !b.enabled {
		return false
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])

	b.mu.RLock()
	defer b.mu.RUnlock()
	_, blocked := b.domains[domain]
	return blocked
}
