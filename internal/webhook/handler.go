package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spacehook/spacehook/internal/events"
	"github.com/spacehook/spacehook/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	// maxBodyBytes bounds a single delivery. Push payloads with long commit
	// histories stay well under this.
	maxBodyBytes = 32 << 20

	// DedupWindow is how long a delivery id is remembered.
	DedupWindow = time.Hour

	// DefaultRateLimit is the sustained deliveries per second accepted.
	DefaultRateLimit = 10
)

// Publisher receives verified events.
type Publisher interface {
	Publish(event events.Event)
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(logger *log.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics records one delivery observation per request.
func WithMetrics(collector *metrics.Collector) HandlerOption {
	return func(h *Handler) {
		h.metrics = collector
	}
}

// WithRateLimit caps accepted deliveries per second. A non-positive rate
// disables limiting.
func WithRateLimit(perSecond float64, burst int) HandlerOption {
	return func(h *Handler) {
		if perSecond <= 0 {
			h.limiter = nil
			return
		}
		if burst <= 0 {
			burst = max(1, int(perSecond))
		}
		h.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func withMaxBodyBytes(limit int64) HandlerOption {
	return func(h *Handler) {
		h.maxBody = limit
	}
}

func withClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.now = now
	}
}

// Handler verifies, deduplicates, and publishes webhook deliveries.
type Handler struct {
	secret    []byte
	publisher Publisher
	logger    *log.Logger
	metrics   *metrics.Collector
	limiter   *rate.Limiter
	maxBody   int64
	now       func() time.Time

	mu         sync.Mutex
	deliveries map[string]time.Time
}

// NewHandler returns a Handler that verifies deliveries with secret.
func NewHandler(secret []byte, publisher Publisher, options ...HandlerOption) (*Handler, error) {
	if len(secret) == 0 {
		return nil, errors.New("webhook secret is required")
	}
	if publisher == nil {
		return nil, errors.New("event publisher is required")
	}

	h := &Handler{
		secret:     append([]byte(nil), secret...),
		publisher:  publisher,
		logger:     log.Default(),
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		maxBody:    maxBodyBytes,
		now:        time.Now,
		deliveries: make(map[string]time.Time),
	}
	for _, option := range options {
		option(h)
	}
	return h, nil
}

// ServeHTTP handles one delivery. Event names only label metrics once the
// signature has been verified.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eventName := strings.ToLower(strings.TrimSpace(r.Header.Get(EventHeader)))
	deliveryID := r.Header.Get(DeliveryHeader)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.respond(w, "", http.StatusMethodNotAllowed)
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		h.logger.Warn("rate limit exceeded", "remote_addr", r.RemoteAddr, "delivery_id", deliveryID)
		h.respond(w, "", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("delivery body too large", "limit", tooLarge.Limit, "delivery_id", deliveryID)
			h.respond(w, "", http.StatusRequestEntityTooLarge)
			return
		}
		h.logger.Error("read webhook body", "err", err)
		h.respond(w, "", http.StatusInternalServerError)
		return
	}
	if len(body) == 0 {
		h.respond(w, "", http.StatusBadRequest)
		return
	}

	if err := VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)); err != nil {
		h.logger.Warn("signature verification failed", "err", err, "remote_addr", r.RemoteAddr)
		h.respond(w, "", http.StatusUnauthorized)
		return
	}
	if eventName == "" {
		h.logger.Warn("delivery without event header", "delivery_id", deliveryID)
		h.respond(w, eventName, http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		h.logger.Warn("delivery body is not JSON", "event", eventName, "delivery_id", deliveryID)
		h.respond(w, eventName, http.StatusBadRequest)
		return
	}

	if deliveryID != "" && h.isDuplicate(deliveryID) {
		h.logger.Debug("duplicate delivery ignored", "event", eventName, "delivery_id", deliveryID)
		h.respond(w, eventName, http.StatusOK)
		return
	}

	h.logger.Info("received event", "event", eventName, "delivery_id", deliveryID)
	h.publisher.Publish(events.Event{
		Name:       eventName,
		ID:         deliveryID,
		Payload:    json.RawMessage(body),
		ReceivedAt: h.now().UTC(),
	})
	h.respond(w, eventName, http.StatusOK)
}

func (h *Handler) respond(w http.ResponseWriter, eventName string, status int) {
	h.metrics.ObserveDelivery(eventName, status)
	if status == http.StatusOK {
		w.WriteHeader(status)
		return
	}
	http.Error(w, http.StatusText(status), status)
}

// isDuplicate records deliveryID and reports whether it was already seen
// inside the dedup window. Expired ids are pruned on every call.
func (h *Handler) isDuplicate(deliveryID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for id, seen := range h.deliveries {
		if now.Sub(seen) > DedupWindow {
			delete(h.deliveries, id)
		}
	}
	if _, ok := h.deliveries[deliveryID]; ok {
		return true
	}
	h.deliveries[deliveryID] = now
	return false
}
