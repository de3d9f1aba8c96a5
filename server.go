package aidledger

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// PrincipalHeader carries the caller identity of a request.
const PrincipalHeader = "X-Principal"

const maxBodySize = 1 << 20

// errMissingPrincipal is returned for operations that need a caller.
var errMissingPrincipal = errors.New("missing " + PrincipalHeader + " header")

// Server exposes an Engine over HTTP. Request and response bodies are JSON,
// or protobuf Structs when the client sends or accepts
// application/x-protobuf.
type Server struct {
	Engine    *Engine
	logger    *slog.Logger
	tlsConfig *tls.Config
}

// NewServer creates an HTTP front end for e.
func NewServer(e *Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Server{Engine: e, logger: logger.With("component", "api")}
}

// SetTLSConfig clones cfg and stores it for use when serving HTTPS requests.
// If cfg is nil a default configuration will be used.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	if cfg == nil {
		s.tlsConfig = nil
		return
	}
	s.tlsConfig = cfg.Clone()
}

// Request bodies.
type (
	bindRequest struct {
		Principal Principal `json:"principal"`
	}
	feeRequest struct {
		Fee int64 `json:"fee"`
	}
	logRequest struct {
		AidType  int      `json:"aidType"`
		Location string   `json:"location"`
		Quantity int64    `json:"quantity"`
		Timeline Timeline `json:"timeline"`
		Hash     string   `json:"hash"`
	}
	statusRequest struct {
		Status   Status `json:"status"`
		Verified bool   `json:"verified"`
	}
)

type errorResponse struct {
	Error   string `json:"error"`
	Code    uint32 `json:"code"`
	Message string `json:"message,omitempty"`
}

// isProtobuf checks if the request content type is protobuf.
func isProtobuf(r *http.Request) bool {
	contentType := r.Header.Get("Content-Type")
	return strings.HasPrefix(contentType, "application/x-protobuf") ||
		strings.HasPrefix(contentType, "application/protobuf")
}

// wantsProtobuf reports whether the response should be protobuf encoded.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "application/x-protobuf") ||
		strings.Contains(accept, "application/protobuf") {
		return true
	}
	return isProtobuf(r)
}

// decodeBody decodes the request body into v from either JSON or protobuf.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if isProtobuf(r) {
		var st structpb.Struct
		if err := proto.Unmarshal(body, &st); err != nil {
			return fmt.Errorf("unmarshal protobuf: %w", err)
		}
		return fromStruct(&st, v)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// writeBody encodes v in the format the client asked for.
func (s *Server) writeBody(w http.ResponseWriter, r *http.Request, status int, v any) {
	if wantsProtobuf(r) {
		st, err := toStruct(v)
		if err == nil {
			var data []byte
			data, err = proto.Marshal(st)
			if err == nil {
				w.Header().Set("Content-Type", "application/x-protobuf")
				w.WriteHeader(status)
				_, _ = w.Write(data)
				return
			}
		}
		s.logger.Error("encode protobuf response", "path", r.URL.Path, "error", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", "path", r.URL.Path, "error", err)
	}
}

// statusFor maps a ledger error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidAidType), errors.Is(err, ErrInvalidLocation),
		errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidTimeline),
		errors.Is(err, ErrInvalidHash), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, errMissingPrincipal):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrAuthorityNotBound),
		errors.Is(err, ErrAuthorityNotVerified), errors.Is(err, ErrReservedPrincipal):
		return http.StatusForbidden
	case errors.Is(err, ErrCommitmentAlreadyExists), errors.Is(err, ErrDuplicationDetected),
		errors.Is(err, ErrAlreadyBound):
		return http.StatusConflict
	case errors.Is(err, ErrOracleRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrMaxCommitmentsExceeded):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: Kind(err), Code: Code(err)}
	if errors.Is(err, errMissingPrincipal) {
		resp.Error = "MissingPrincipal"
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		resp.Message = err.Error()
	}
	s.writeBody(w, r, status, resp)
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	s.writeBody(w, r, http.StatusBadRequest, errorResponse{Error: "BadRequest", Message: err.Error()})
}

func caller(r *http.Request) (Principal, error) {
	p := strings.TrimSpace(r.Header.Get(PrincipalHeader))
	if p == "" {
		return "", errMissingPrincipal
	}
	return Principal(p), nil
}

func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid commitment id %q", r.PathValue("id"))
	}
	return id, nil
}

// HandleBind handles POST /api/v1/authority.
func (s *Server) HandleBind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if err := s.Engine.BindAuthorityContract(req.Principal); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeBody(w, r, http.StatusOK, map[string]any{"ok": true})
}

// HandleSetFee handles PUT /api/v1/fee.
func (s *Server) HandleSetFee(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if err := s.Engine.SetLoggingFee(req.Fee); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeBody(w, r, http.StatusOK, map[string]any{"ok": true})
}

// HandleLog handles POST /api/v1/commitments.
func (s *Server) HandleLog(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req logRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	id, err := s.Engine.LogCommitment(r.Context(), p, req.AidType, req.Location, req.Quantity, req.Timeline, req.Hash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeBody(w, r, http.StatusCreated, map[string]any{"id": id})
}

// HandleGet handles GET /api/v1/commitments/{id}.
func (s *Server) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	c, ok := s.Engine.GetCommitment(id)
	if !ok {
		s.writeError(w, r, ErrNotFound)
		return
	}
	s.writeBody(w, r, http.StatusOK, c)
}

// HandleUpdate handles POST /api/v1/commitments/{id}/status.
func (s *Server) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if err := s.Engine.UpdateCommitment(r.Context(), p, id, req.Status, req.Verified); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeBody(w, r, http.StatusOK, map[string]any{"ok": true})
}

// HandleGetUpdate handles GET /api/v1/commitments/{id}/update.
func (s *Server) HandleGetUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	u, ok := s.Engine.GetCommitmentUpdate(id)
	if !ok {
		s.writeError(w, r, ErrNotFound)
		return
	}
	s.writeBody(w, r, http.StatusOK, u)
}

// HandleCount handles GET /api/v1/commitments/count.
func (s *Server) HandleCount(w http.ResponseWriter, r *http.Request) {
	s.writeBody(w, r, http.StatusOK, map[string]any{"count": s.Engine.CommitmentCount()})
}

// HandleHash handles GET /api/v1/hashes/{hash}.
func (s *Server) HandleHash(w http.ResponseWriter, r *http.Request) {
	s.writeBody(w, r, http.StatusOK, map[string]any{
		"exists": s.Engine.CheckCommitmentExistence(r.PathValue("hash")),
	})
}

// HandleAuthority handles GET /api/v1/authorities/{principal}.
func (s *Server) HandleAuthority(w http.ResponseWriter, r *http.Request) {
	p := Principal(r.PathValue("principal"))
	s.writeBody(w, r, http.StatusOK, map[string]any{
		"verified": s.Engine.IsVerifiedAuthority(p),
	})
}

// HandleConfig handles GET /api/v1/config.
func (s *Server) HandleConfig(w http.ResponseWriter, r *http.Request) {
	s.writeBody(w, r, http.StatusOK, s.Engine.Config())
}

// HandleHealth handles GET /healthz.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok\n")
}

// SetupRoutes configures HTTP routes for the ledger API.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/authority", s.HandleBind)
	mux.HandleFunc("PUT /api/v1/fee", s.HandleSetFee)
	mux.HandleFunc("GET /api/v1/config", s.HandleConfig)
	mux.HandleFunc("POST /api/v1/commitments", s.HandleLog)
	mux.HandleFunc("GET /api/v1/commitments/count", s.HandleCount)
	mux.HandleFunc("GET /api/v1/commitments/{id}", s.HandleGet)
	mux.HandleFunc("POST /api/v1/commitments/{id}/status", s.HandleUpdate)
	mux.HandleFunc("GET /api/v1/commitments/{id}/update", s.HandleGetUpdate)
	mux.HandleFunc("GET /api/v1/hashes/{hash}", s.HandleHash)
	mux.HandleFunc("GET /api/v1/authorities/{principal}", s.HandleAuthority)
	mux.HandleFunc("GET /healthz", s.HandleHealth)
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"principal", r.Header.Get(PrincipalHeader),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) tlsConfigWithDefaults() *tls.Config {
	if s.tlsConfig == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg := s.tlsConfig.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// HTTPServer returns an http.Server for the API bound to addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		TLSConfig:         s.tlsConfigWithDefaults(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ListenAndServeTLS starts the HTTPS API server.
func (s *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	return s.HTTPServer(addr).ListenAndServeTLS(certFile, keyFile)
}
