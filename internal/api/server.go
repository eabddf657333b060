package api

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/DineFlow/internal/envelope"
	"github.com/BTreeMap/DineFlow/internal/exchange"
	"github.com/BTreeMap/DineFlow/internal/flow"
	"github.com/BTreeMap/DineFlow/internal/flowcrypto"
	"github.com/BTreeMap/DineFlow/internal/messaging"
	"github.com/BTreeMap/DineFlow/internal/metrics"
	"github.com/BTreeMap/DineFlow/internal/models"
	"github.com/BTreeMap/DineFlow/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// MaxRequestBytes caps request bodies on every endpoint.
	MaxRequestBytes = 1 << 20

	exchangeHealthText = "flow exchange ok"
	misdirectedText    = "Misdirected Request: unable to decrypt request"
	exchangeErrorKind  = "error"

	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// ExchangeRouter answers normalized flow requests. *exchange.Router implements it.
type ExchangeRouter interface {
	Route(ctx context.Context, req exchange.Request) exchange.Response
}

// InboundRouter runs chat messages through the pipeline. *messaging.InboundRouter implements it.
type InboundRouter interface {
	Route(ctx context.Context, msg models.InboundMessage, deliver bool) (messaging.Result, error)
}

// Server serves the HTTP surface of the service.
type Server struct {
	router        ExchangeRouter
	inbound       InboundRouter
	orders        store.OrderStore
	keys          *flowcrypto.KeyCache
	deadLetters   store.DeadLetterRepo
	twilioWebhook http.HandlerFunc
	driver        string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithKeyCache enables encrypted exchange requests.
func WithKeyCache(keys *flowcrypto.KeyCache) ServerOption {
	return func(s *Server) { s.keys = keys }
}

// WithDeadLetters mounts GET /dead-letters over repo.
func WithDeadLetters(repo store.DeadLetterRepo) ServerOption {
	return func(s *Server) { s.deadLetters = repo }
}

// WithTwilioWebhook mounts h at POST /webhook/twilio.
func WithTwilioWebhook(h http.HandlerFunc) ServerOption {
	return func(s *Server) { s.twilioWebhook = h }
}

// WithDriverName reports the messaging driver on /healthz.
func WithDriverName(name string) ServerOption {
	return func(s *Server) { s.driver = name }
}

// NewServer creates a Server.
func NewServer(router ExchangeRouter, inbound InboundRouter, orders store.OrderStore, opts ...ServerOption) *Server {
	s := &Server{router: router, inbound: inbound, orders: orders}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /exchange", s.exchangeHealthHandler)
	mux.HandleFunc("POST /exchange", s.exchangeHandler)
	mux.HandleFunc("POST /webhook", s.webhookHandler)
	if s.twilioWebhook != nil {
		mux.HandleFunc("POST /webhook/twilio", s.twilioWebhook)
	}
	mux.HandleFunc("GET /orders/{id}", s.orderHandler)
	if s.deadLetters != nil {
		mux.HandleFunc("GET /dead-letters", s.deadLettersHandler)
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.healthHandler)
	return mux
}

func (s *Server) exchangeHealthHandler(w http.ResponseWriter, r *http.Request) {
	writePlainText(w, http.StatusOK, exchangeHealthText)
}

// exchangeHandler answers flow data-exchange calls. Envelopes are decrypted
// with the cached private key and answered with base64 ciphertext; other
// objects are routed as clear JSON.
func (s *Server) exchangeHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	kind := exchangeErrorKind
	status := http.StatusOK
	defer func() { metrics.RecordExchange(kind, status, time.Since(start)) }()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	var body map[string]any
	if err == nil {
		err = json.Unmarshal(raw, &body)
	}
	if err != nil || body == nil {
		slog.Warn("Server.exchangeHandler: invalid JSON body", "error", err)
		status = http.StatusBadRequest
		writeExchangeError(w, status, models.ExchangeErrInvalidJSON)
		return
	}

	if !flowcrypto.IsEncryptedEnvelope(body) {
		resp := s.router.Route(r.Context(), exchange.Normalize(body))
		if err := exchange.ValidateResponse(resp); err != nil {
			slog.Error("Server.exchangeHandler: response failed validation", "error", err, "screen", resp.Screen)
			status = http.StatusInternalServerError
			writeExchangeError(w, status, models.ExchangeErrInternal)
			return
		}
		kind = resp.Kind().String()
		writeJSONResponse(w, status, resp)
		return
	}

	key, err := s.privateKey()
	if err != nil {
		slog.Error("Server.exchangeHandler: private key unavailable", "error", err)
		status = http.StatusMisdirectedRequest
		writePlainText(w, status, misdirectedText)
		return
	}
	var payload map[string]any
	cctx, err := flowcrypto.Decrypt(flowcrypto.EnvelopeFromMap(body), key, &payload)
	switch {
	case errors.Is(err, envelope.ErrMalformedInput):
		slog.Warn("Server.exchangeHandler: malformed envelope", "error", err)
		status = http.StatusBadRequest
		writeExchangeError(w, status, models.ExchangeErrInvalidPayload)
		return
	case errors.Is(err, flowcrypto.ErrDecryptionFailed):
		slog.Warn("Server.exchangeHandler: decryption failed", "error", err)
		status = http.StatusMisdirectedRequest
		writePlainText(w, status, misdirectedText)
		return
	case err != nil:
		slog.Error("Server.exchangeHandler: decrypt error", "error", err)
		status = http.StatusInternalServerError
		writeExchangeError(w, status, models.ExchangeErrInternal)
		return
	}

	resp := s.router.Route(r.Context(), exchange.Normalize(payload))
	if err := exchange.ValidateResponse(resp); err != nil {
		slog.Error("Server.exchangeHandler: response failed validation", "error", err, "screen", resp.Screen)
		status = http.StatusInternalServerError
		writeExchangeError(w, status, models.ExchangeErrInternal)
		return
	}
	sealed, err := flowcrypto.Encrypt(resp, cctx)
	if err != nil {
		slog.Error("Server.exchangeHandler: encrypt response failed", "error", err)
		status = http.StatusInternalServerError
		writeExchangeError(w, status, models.ExchangeErrInternal)
		return
	}
	kind = resp.Kind().String()
	writePlainText(w, status, sealed)
}

func (s *Server) privateKey() (*rsa.PrivateKey, error) {
	if !s.keys.Configured() {
		return nil, flowcrypto.ErrConfiguration
	}
	return s.keys.Get()
}

type webhookRequest struct {
	models.InboundMessage
	Deliver bool `json:"deliver"`
}

// webhookHandler runs one chat message synchronously and returns the reply.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes)).Decode(&req); err != nil {
		slog.Warn("Server.webhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Time == 0 {
		req.Time = time.Now().Unix()
	}

	res, err := s.inbound.Route(r.Context(), req.InboundMessage, req.Deliver)
	switch {
	case err == nil:
	case isValidationError(err):
		slog.Warn("Server.webhookHandler: invalid message", "error", err, "from", req.From)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	case errors.Is(err, flow.ErrDataAccess) && res.Reply.Text != "":
		// the customer still gets the retry prompt
		slog.Error("Server.webhookHandler: pipeline data error", "error", err, "from", req.From)
	default:
		slog.Error("Server.webhookHandler: routing failed", "error", err, "from", req.From)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.WebhookReply{
		Reply:     res.Reply.Text,
		State:     string(res.Reply.State),
		Duplicate: res.Duplicate,
	})
}

func isValidationError(err error) bool {
	for _, target := range []error{
		models.ErrEmptySender,
		models.ErrMessageTooLong,
		models.ErrInvalidLatitude,
		models.ErrInvalidLongitude,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Server) orderHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	order, err := s.orders.GetOrder(r.Context(), id)
	if err != nil {
		slog.Error("Server.orderHandler: lookup failed", "error", err, "orderID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load order"))
		return
	}
	if order == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Order not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(order))
}

// deadLettersHandler lists notifications that exhausted their retries, most
// recent first. ?limit= caps the count.
func (s *Server) deadLettersHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}
	letters, err := s.deadLetters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		slog.Error("Server.deadLettersHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load dead letters"))
		return
	}
	if letters == nil {
		letters = []store.DeadLetter{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(letters))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"key_configured": s.keys.Configured(),
		"messaging":      s.driver,
	}))
}
