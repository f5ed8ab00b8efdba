package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/howheardhq/howheard/internal/howheard"
)

const webhookSignatureHeader = "X-Shopify-Hmac-Sha256"

type ServerConfig struct {
	// WebhookSecret is the shared secret webhook deliveries are signed
	// with. Empty disables signature verification (local development).
	WebhookSecret string
	MaxBodyBytes  int64
	// RateLimitPerSecond caps webhook deliveries per shop. Zero disables
	// the limiter.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

type Server struct {
	backend  howheard.Backend
	pipeline *howheard.Pipeline
	windower *howheard.Windower
	cfg      ServerConfig
	metrics  http.Handler

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func NewServer(backend howheard.Backend, pipeline *howheard.Pipeline, windower *howheard.Windower, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}
	return &Server{
		backend:  backend,
		pipeline: pipeline,
		windower: windower,
		cfg:      cfg,
		metrics:  promhttp.Handler(),
		limiters: map[string]*rate.Limiter{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 3 && parts[0] == "messages" && r.Method == http.MethodPost {
		s.handleOrderMessage(w, r, parts[1], parts[2])
		return
	}

	switch {
	case r.URL.Path == "/uninstall" && r.Method == http.MethodPost:
		s.handleUninstall(w, r)
	case r.URL.Path == "/selections" && r.Method == http.MethodGet:
		s.handleGetSelections(w, r)
	case r.URL.Path == "/selections" && r.Method == http.MethodPost:
		s.handleAddSelections(w, r)
	case r.URL.Path == "/selections" && r.Method == http.MethodDelete:
		s.handleDeleteSelection(w, r)
	case r.URL.Path == "/response" && r.Method == http.MethodPost:
		s.handleCustomerResponse(w, r)
	case r.URL.Path == "/reporting" && r.Method == http.MethodGet:
		s.handleReporting(w, r)
	case r.URL.Path == "/export" && r.Method == http.MethodGet:
		s.handleExport(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

// handleOrderMessage is the webhook entry point for order-created events.
// The response status drives the platform's redelivery: 200 for any terminal
// outcome, 401/422 for deliveries that must not be retried as-is, 502 when
// a redelivery should be attempted.
func (s *Server) handleOrderMessage(w http.ResponseWriter, r *http.Request, shopName, topic string) {
	correlationID := getCorrelationID(r)
	if topic != "orderCreate" {
		writeError(w, http.StatusNotFound, "not_found", "unknown webhook topic: "+topic, correlationID)
		return
	}
	if !s.allowShop(shopName) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if s.cfg.WebhookSecret != "" {
		if authErr := verifyWebhookHMAC(s.cfg.WebhookSecret, r.Header.Get(webhookSignatureHeader), body); authErr != nil {
			orderDeliveriesTotal.WithLabelValues("unauthorized").Inc()
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
	}

	started := time.Now()
	event, err := howheard.ParseOrderEvent(body)
	if err != nil {
		orderDeliveriesTotal.WithLabelValues("fatal").Inc()
		writeError(w, http.StatusUnprocessableEntity, "invalid_payload", err.Error(), correlationID)
		return
	}

	result, err := s.pipeline.ProcessOrder(r.Context(), shopName, event)
	orderProcessingDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		if howheard.IsFatal(err) {
			orderDeliveriesTotal.WithLabelValues("fatal").Inc()
			writeError(w, http.StatusUnprocessableEntity, "unprocessable_event", err.Error(), correlationID)
			return
		}
		// Transient: ask the platform to redeliver.
		orderDeliveriesTotal.WithLabelValues("transient").Inc()
		writeError(w, http.StatusBadGateway, "processing_failed", err.Error(), correlationID)
		return
	}

	orderDeliveriesTotal.WithLabelValues(string(result.Status)).Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        string(result.Status),
		"correlationId": correlationID,
	})
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if s.cfg.WebhookSecret != "" {
		if authErr := verifyWebhookHMAC(s.cfg.WebhookSecret, r.Header.Get(webhookSignatureHeader), body); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
	}
	var payload struct {
		Domain string `json:"domain"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Domain == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing shop domain", correlationID)
		return
	}
	err := s.backend.ClearCredential(r.Context(), payload.Domain)
	if err != nil && !errors.Is(err, howheard.ErrNotFound) {
		writeError(w, http.StatusBadGateway, "storage_failed", err.Error(), correlationID)
		return
	}
	// Unknown shop is fine: uninstall is idempotent.
	writeJSON(w, http.StatusOK, map[string]string{"status": "uninstalled"})
}

func (s *Server) handleGetSelections(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	shopName := r.URL.Query().Get("shop")
	if shopName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing shop parameter", correlationID)
		return
	}
	list, err := s.backend.GetSelectionList(r.Context(), shopName)
	if errors.Is(err, howheard.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no selection list for shop", correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "storage_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleAddSelections accepts a newline-separated batch. The first
// submission creates the list (with the default fallbacks appended); later
// submissions add to it with set semantics.
func (s *Server) handleAddSelections(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var payload struct {
		ShopName   string `json:"shopName"`
		Selections string `json:"selections"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &payload) {
		return
	}
	if payload.ShopName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing shopName", correlationID)
		return
	}
	choices := splitSelections(payload.Selections)
	if len(choices) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "no selections submitted", correlationID)
		return
	}

	err := s.backend.AddSelections(r.Context(), payload.ShopName, choices)
	if errors.Is(err, howheard.ErrConflict) {
		err = s.backend.UpdateSelections(r.Context(), payload.ShopName, choices)
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "storage_failed", err.Error(), correlationID)
		return
	}

	list, err := s.backend.GetSelectionList(r.Context(), payload.ShopName)
	if err != nil {
		writeError(w, http.StatusBadGateway, "storage_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDeleteSelection(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	shopName := r.URL.Query().Get("shop")
	choice := r.URL.Query().Get("selection")
	if shopName == "" || choice == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing shop or selection parameter", correlationID)
		return
	}
	err := s.backend.RemoveSelection(r.Context(), shopName, choice)
	if errors.Is(err, howheard.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no selection list for shop", correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "storage_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleCustomerResponse records the answer a customer picked at checkout.
func (s *Server) handleCustomerResponse(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var payload struct {
		ShopName string `json:"shopName"`
		CustID   int64  `json:"custId"`
		Choice   string `json:"choice"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &payload) {
		return
	}
	if payload.ShopName == "" || payload.CustID == 0 || payload.Choice == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "shopName, custId and choice are required", correlationID)
		return
	}
	if err := s.backend.UpsertCustomerSelection(r.Context(), payload.ShopName, payload.CustID, payload.Choice); err != nil {
		writeError(w, http.StatusBadGateway, "storage_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleReporting(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	reportingRequestsTotal.Inc()
	query := r.URL.Query()
	shopName := query.Get("shop")
	if shopName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing shop parameter", correlationID)
		return
	}
	page := 1
	if rawPage := query.Get("page"); rawPage != "" {
		parsed, err := strconv.Atoi(rawPage)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid page parameter", correlationID)
			return
		}
		page = parsed
	}

	result, err := s.windower.Window(r.Context(), shopName, query.Get("fromDate"), query.Get("toDate"), page)
	if errors.Is(err, howheard.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "storage_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	reportingRequestsTotal.Inc()
	shopName := r.URL.Query().Get("shop")
	if shopName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing shop parameter", correlationID)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename=orders.csv`)
	if err := s.windower.WriteOrdersCSV(r.Context(), shopName, w); err != nil {
		// Headers are already out; all we can do is cut the response short.
		return
	}
}

func (s *Server) allowShop(shopName string) bool {
	if s.cfg.RateLimitPerSecond <= 0 {
		return true
	}
	s.limiterMu.Lock()
	limiter, ok := s.limiters[shopName]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSecond), s.cfg.RateLimitBurst)
		s.limiters[shopName] = limiter
	}
	s.limiterMu.Unlock()
	return limiter.Allow()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

// getCorrelationID returns the caller's correlation id, minting one for
// deliveries that arrive without it.
func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func splitSelections(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field != "" {
			out = append(out, field)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
