// Package api serves the state store over HTTP: writes and reads of state
// entries on behalf of a session, and the session-ended notification.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apperrors "github.com/louisbranch/formstate/internal/platform/errors"
	"github.com/louisbranch/formstate/internal/platform/logging"
	"github.com/louisbranch/formstate/internal/platform/requestctx"
	statestore "github.com/louisbranch/formstate/internal/services/statestore"
	"github.com/louisbranch/formstate/internal/services/statestore/codec"
)

// SessionHeader carries the id of the session that owns a write.
const SessionHeader = "X-Session-ID"

const maxEntryBytes = 32 << 20

// StoreSource yields the store requests operate on. *statestore.Scope
// satisfies it.
type StoreSource interface {
	Store(ctx context.Context) (*statestore.Store, error)
}

// Handler serves the state API.
type Handler struct {
	source   StoreSource
	username string
	password string
	logger   *slog.Logger
	mux      *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithCredentials rejects requests whose basic auth does not match. An empty
// username disables the check.
func WithCredentials(username, password string) Option {
	return func(h *Handler) {
		h.username = username
		h.password = password
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logging.OrNop(logger) }
}

// NewHandler exposes the store yielded by source.
func NewHandler(source StoreSource, opts ...Option) *Handler {
	h := &Handler{source: source, logger: logging.Nop()}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /state/{$}", h.handleCreate)
	mux.HandleFunc("PUT /state/{key...}", h.handlePut)
	mux.HandleFunc("GET /state/{key...}", h.handleGet)
	mux.HandleFunc("POST /sessions/{id}/end", h.handleSessionEnded)
	mux.HandleFunc("GET /stats", h.handleStats)
	h.mux = mux
	return h
}

// Instrumented wraps the handler with OpenTelemetry HTTP server spans.
func (h *Handler) Instrumented() http.Handler {
	return otelhttp.NewHandler(h, "statestore.api")
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="statestore"`)
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid credentials")
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.password)) == 1
	return userOK && passOK
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	h.put(w, r, statestore.NewKey(), http.StatusCreated)
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	h.put(w, r, r.PathValue("key"), http.StatusOK)
}

func (h *Handler) put(w http.ResponseWriter, r *http.Request, key string, status int) {
	var body putRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEntryBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidArgument), "decode entry: "+err.Error())
		return
	}
	format := codec.Format(body.Format)
	switch format {
	case "", codec.FormatPlain, codec.FormatAESGCM:
	default:
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidArgument), "unknown value format "+body.Format)
		return
	}

	store, ok := h.store(w, r)
	if !ok {
		return
	}
	ctx := requestctx.WithSessionID(r.Context(), r.Header.Get(SessionHeader))
	value := codec.Value{Format: format, Data: body.Value}.Normalize()
	if err := store.Put(ctx, key, value, body.Initial); err != nil {
		h.writeStoreError(w, "put entry", err)
		return
	}
	writeJSON(w, status, entryResponse{Key: key, Value: value.Data, Format: string(value.Format)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")
	value, found, err := store.Find(r.Context(), key)
	if err != nil {
		h.writeStoreError(w, "find entry", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, string(apperrors.CodeNotFound), "entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entryResponse{Key: key, Value: value.Data, Format: string(value.Format)})
}

func (h *Handler) handleSessionEnded(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidArgument), "session id is required")
		return
	}
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	n, err := store.Bridge().NotifySessionEnded(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, "end session", err)
		return
	}
	h.logger.Debug("session ended", "session_id", id, "expired", n)
	writeJSON(w, http.StatusOK, sessionEndedResponse{SessionID: id, Expired: n})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toStatsResponse(store.Stats()))
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request) (*statestore.Store, bool) {
	store, err := h.source.Store(r.Context())
	if err != nil {
		h.logger.Error("state store unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, string(apperrors.CodeBackendUnavailable), "state store unavailable")
		return nil, false
	}
	return store, true
}

func (h *Handler) writeStoreError(w http.ResponseWriter, op string, err error) {
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown {
		code = apperrors.CodeBackendError
	}
	if code == apperrors.CodeInvalidArgument {
		writeError(w, code.HTTPStatus(), string(code), err.Error())
		return
	}
	h.logger.Error("state api failure", "op", op, "code", code, "error", err)
	writeError(w, code.HTTPStatus(), string(code), op+" failed")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
