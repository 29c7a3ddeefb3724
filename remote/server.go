// Package remote exposes a controller's delegated verification query over
// HTTP, and provides a client that lets another instance use it as a
// programmatic publisher.
package remote

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/funderberkr/tractor"
	"github.com/funderberkr/tractor/internal/codec"
)

const (
	contentType    = "application/cbor"
	maxRequestBody = 64 << 10
)

// Instance is the part of a controller served over HTTP.
type Instance interface {
	tractor.Authorizer
	Domain() tractor.Domain
	DomainSeparator() tractor.Hash
	HashBlueprint(bp tractor.Blueprint) tractor.Hash
}

type authorizeRequest struct {
	Hash      tractor.Hash `cbor:"1,keyasint"`
	Signature []byte       `cbor:"2,keyasint,omitempty"`
	Depth     int          `cbor:"3,keyasint"`
}

type authorizeResponse struct {
	Code tractor.MagicValue `cbor:"1,keyasint"`
}

type domainResponse struct {
	Domain    tractor.Domain `cbor:"1,keyasint"`
	Separator tractor.Hash   `cbor:"2,keyasint"`
}

type hashResponse struct {
	Hash tractor.Hash `cbor:"1,keyasint"`
}

type server struct {
	instance Instance
	logger   *slog.Logger
}

// NewHandler serves:
//
//	POST /v1/authorize  delegated verification query
//	GET  /v1/domain     domain and separator
//	POST /v1/hash       canonical hash of a CBOR blueprint
func NewHandler(instance Instance, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{instance: instance, logger: logger.With("component", "remote")}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/authorize", s.authorize)
	mux.HandleFunc("GET /v1/domain", s.domain)
	mux.HandleFunc("POST /v1/hash", s.hash)
	return mux
}

func (s *server) authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Depth < 0 {
		http.Error(w, "negative delegation depth", http.StatusBadRequest)
		return
	}
	ctx := tractor.WithDelegationDepth(r.Context(), req.Depth)
	code, err := s.instance.IsValidSignature(ctx, req.Hash, req.Signature)
	if err != nil {
		s.logger.WarnContext(ctx, "delegated query failed", "hash", req.Hash.String(), "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.DebugContext(ctx, "delegated query", "hash", req.Hash.String(), "accepted", code == tractor.MagicAccept)
	s.write(w, authorizeResponse{Code: code})
}

func (s *server) domain(w http.ResponseWriter, _ *http.Request) {
	s.write(w, domainResponse{Domain: s.instance.Domain(), Separator: s.instance.DomainSeparator()})
}

func (s *server) hash(w http.ResponseWriter, r *http.Request) {
	var bp tractor.Blueprint
	if !s.decode(w, r, &bp) {
		return
	}
	s.write(w, hashResponse{Hash: s.instance.HashBlueprint(bp)})
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return false
	}
	if len(body) > maxRequestBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return false
	}
	if err := codec.Unmarshal(body, v); err != nil {
		http.Error(w, "invalid CBOR body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *server) write(w http.ResponseWriter, v any) {
	data, err := codec.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}
