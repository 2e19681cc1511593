package rest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	apperrors "github.com/louisbranch/formstate/internal/platform/errors"
	"github.com/louisbranch/formstate/internal/platform/logging"
	"github.com/louisbranch/formstate/internal/services/statestore/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxRecordBytes = 32 << 20

// Handler serves the REST backend protocol on top of any storage.Backend.
type Handler struct {
	backend    storage.Backend
	collection string
	username   string
	password   string
	logger     *slog.Logger
	mux        *http.ServeMux
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerCollection sets the collection path the handler answers for.
func WithHandlerCollection(collection string) HandlerOption {
	return func(h *Handler) { h.collection = storage.NormalizeCollection(collection) }
}

// WithRequiredCredentials rejects requests whose basic auth does not match.
// An empty username disables the check.
func WithRequiredCredentials(username, password string) HandlerOption {
	return func(h *Handler) {
		h.username = username
		h.password = password
	}
}

// WithHandlerLogger sets the request logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logging.OrNop(logger) }
}

// NewHandler exposes backend over HTTP.
func NewHandler(backend storage.Backend, opts ...HandlerOption) *Handler {
	h := &Handler{
		backend:    backend,
		collection: storage.DefaultCollection,
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}

	root := pathPrefix + h.collection
	mux := http.NewServeMux()
	mux.HandleFunc("PUT "+root+"{key...}", h.handleStore)
	mux.HandleFunc("GET "+root+"{key...}", h.handleFetch)
	mux.HandleFunc("POST "+root+"{$}", h.handleDelete)
	h.mux = mux
	return h
}

// Instrumented wraps the handler with OpenTelemetry HTTP server spans.
func (h *Handler) Instrumented() http.Handler {
	return otelhttp.NewHandler(h, "statestore.rest")
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

func (h *Handler) handleStore(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := storage.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidArgument), err.Error())
		return
	}
	var body wireRecord
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRecordBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidArgument), "decode record: "+err.Error())
		return
	}
	if body.Key != "" && body.Key != key {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidArgument), "record key does not match path")
		return
	}
	body.Key = key
	if err := h.backend.Store(r.Context(), fromWire(body)); err != nil {
		h.writeBackendError(w, "store record", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := storage.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidArgument), err.Error())
		return
	}
	record, err := h.backend.Fetch(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, string(apperrors.CodeNotFound), "record not found")
		return
	}
	if err != nil {
		h.writeBackendError(w, "fetch record", err)
		return
	}
	writeJSON(w, http.StatusOK, toWire(record))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	var query deleteQuery
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&query); err != nil || query.Delete == nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeInvalidArgument), "delete query is required")
		return
	}
	sel := storage.Selector{Scope: storage.Scope(query.Delete.Scope), SessionID: query.Delete.SessionID}
	count, err := h.backend.DeleteWhere(r.Context(), sel)
	if err != nil {
		h.writeBackendError(w, "delete records", err)
		return
	}
	h.logger.Debug("rest delete", "scope", sel.Scope, "session_id", sel.SessionID, "count", count)
	writeJSON(w, http.StatusOK, deleteResult{Count: count})
}

func (h *Handler) writeBackendError(w http.ResponseWriter, op string, err error) {
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown {
		code = apperrors.CodeBackendError
	}
	h.logger.Error("rest backend failure", "op", op, "code", code, "error", err)
	writeError(w, code.HTTPStatus(), string(code), op+" failed")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}
