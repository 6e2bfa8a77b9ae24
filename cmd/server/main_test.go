package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"orderdesk/backend/internal/cache"
	"orderdesk/backend/internal/config"
	"orderdesk/backend/internal/domain"
	"orderdesk/backend/internal/lock"
	"orderdesk/backend/internal/store/memory"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestBuildAPIServesSeededStore(t *testing.T) {
	cfg := config.Config{
		AuthSecret:             "0123456789abcdef0123456789abcdef",
		AllowedOrigin:          "*",
		AccessTokenTTLMinutes:  5,
		CatalogCacheTTLSeconds: 1,
		RateLimitRPS:           100,
		RateLimitBurst:         100,
	}
	api := buildAPI(context.Background(), cfg, memory.NewSeeded(), lock.NewKeyedMutex(), cache.NoopVariantCache{}, time.UTC)
	handler := api.Handler()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", res.Code)
	}

	body, _ := json.Marshal(domain.LoginRequest{Username: "customer", Password: "customer123"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected seeded customer to log in, got %d: %s", res.Code, res.Body.String())
	}

	var login domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/variants", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected variants 200, got %d", res.Code)
	}
}
