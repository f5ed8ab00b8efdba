package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/howheardhq/howheard/internal/howheard"
	"github.com/howheardhq/howheard/internal/httpapi"
)

func main() {
	addr := os.Getenv("HOWHEARD_ADDR")
	if addr == "" {
		addr = ":4000"
	}

	backend, ledger, err := buildStorageFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize storage: %v", err)
	}
	defer func() {
		_ = ledger.Close()
		_ = backend.Close()
	}()

	publisher := howheard.NewHTTPMetafieldClient(howheard.HTTPMetafieldClientOptions{
		BaseURL:   strings.TrimSpace(os.Getenv("HOWHEARD_PLATFORM_BASE_URL")),
		Timeout:   durationEnv("HOWHEARD_PUBLISH_TIMEOUT", 10*time.Second),
		UserAgent: "howheard/1.0",
	})

	pipeline := howheard.NewPipeline(backend, ledger, publisher)
	windower := howheard.NewWindower(backend)

	server := httpapi.NewServer(backend, pipeline, windower, httpapi.ServerConfig{
		WebhookSecret:      os.Getenv("HOWHEARD_WEBHOOK_SECRET"),
		MaxBodyBytes:       int64Env("HOWHEARD_MAX_BODY_BYTES", 0),
		RateLimitPerSecond: floatEnv("HOWHEARD_RATE_LIMIT_PER_SECOND", 0),
		RateLimitBurst:     intEnv("HOWHEARD_RATE_LIMIT_BURST", 0),
	})

	log.Printf("howheard listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStorageFromEnv() (howheard.Backend, howheard.Ledger, error) {
	backendDSN, err := backendDSNFromEnv()
	if err != nil {
		return nil, nil, err
	}
	backend, err := howheard.BuildBackendFromDSN(backendDSN)
	if err != nil {
		return nil, nil, err
	}
	ledger, err := howheard.BuildLedgerFromDSN(os.Getenv("HOWHEARD_LEDGER_DSN"), backend)
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	return backend, ledger, nil
}

func backendDSNFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("HOWHEARD_BACKEND_PROFILE")))
	dsn := strings.TrimSpace(os.Getenv("HOWHEARD_BACKEND_DSN"))
	switch profile {
	case "", "custom":
		return dsn, nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		if dsn == "" {
			dsn = strings.TrimSpace(os.Getenv("HOWHEARD_POSTGRES_DSN"))
		}
		if dsn == "" {
			return "", fmt.Errorf("HOWHEARD_BACKEND_DSN or HOWHEARD_POSTGRES_DSN is required when HOWHEARD_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported HOWHEARD_BACKEND_PROFILE: %s", profile)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
