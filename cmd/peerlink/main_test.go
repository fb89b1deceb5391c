package main

import (
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/api"
	"github.com/peerlink-chat/peerlink-server/internal/config"
)

// TestRegisterRoutes verifies the route table registers without panicking and
// contains the externally promised paths.
func TestRegisterRoutes(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	cfg := &config.Config{
		RateLimitAuthCount:         5,
		RateLimitAuthWindowSeconds: 300,
	}

	nop := zerolog.Nop()
	registerRoutes(app, cfg, &handlers{
		auth:     api.NewAuthHandler(nil, nil, nop),
		webauthn: api.NewWebAuthnHandler(nil, nil, nil, nil, nop),
		token:    api.NewTokenHandler(nil, cfg, nop),
		client:   api.NewClientHandler(nil, nil, nop),
		keys:     api.NewKeysHandler(nil, nil, nil, nop),
		envelope: api.NewEnvelopeHandler(nil, nil, nil, nop),
		channel:  api.NewChannelHandler(nil, nil, nop),
		role:     api.NewRoleHandler(nil, nil, nop),
		meeting:  api.NewMeetingHandler(nil, nil, nil, nil, nop),
		abuse:    api.NewAbuseHandler(nil, nil, nil, nop),
		admin:    api.NewAdminHandler(nil, nil, nil, nop),
		hub:      api.NewHubHandler(nil, nil, nil, nop),
		health:   api.NewHealthHandler(nil, nil),
	})

	want := map[string]bool{
		"POST /register":       false,
		"POST /otp":            false,
		"POST /token/exchange": false,
		"POST /token/refresh":  false,
		"GET /items/fetch":     false,
		"GET /ws":              false,
		"GET /health":          false,
	}
	for _, routes := range app.Stack() {
		for _, r := range routes {
			key := r.Method + " " + r.Path
			if _, ok := want[key]; ok {
				want[key] = true
			}
		}
	}
	for key, found := range want {
		if !found {
			t.Errorf("route %s not registered", key)
		}
	}
}
