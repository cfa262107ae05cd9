package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/space-encryption-gateway/cryptoutils"
	"github.com/ruteri/space-encryption-gateway/interfaces"
	"github.com/ruteri/space-encryption-gateway/pipeline"
	"github.com/ruteri/space-encryption-gateway/rate"
)

const (
	// maxBodySize is the maximum allowed request body size (1MB).
	maxBodySize = 1 << 20

	// maxProofDepth bounds proof nesting in request envelopes. Legitimate
	// delegation chains are shallow; anything deeper is abuse.
	maxProofDepth = 16
)

// Handler processes gateway API requests: decodes invocation envelopes,
// applies rate limiting, runs the operation pipeline, and shapes responses.
// Failure responses carry only the generic per-operation message.
type Handler struct {
	pipeline *pipeline.Pipeline
	limiter  rate.Limiter
	log      *slog.Logger
}

func NewHandler(p *pipeline.Pipeline, limiter rate.Limiter, log *slog.Logger) *Handler {
	return &Handler{pipeline: p, limiter: limiter, log: log}
}

// invocationRequest is the JSON envelope for both operations. Ciphertext is
// required for decrypt and ignored for setup.
type invocationRequest struct {
	Invocation invocationEnvelope `json:"invocation"`
	Ciphertext string             `json:"ciphertext,omitempty"`
}

type invocationEnvelope struct {
	Issuer       string                  `json:"iss"`
	Audience     string                  `json:"aud"`
	Capabilities []interfaces.Capability `json:"att"`
	Proofs       []proofEnvelope         `json:"prf,omitempty"`
}

type proofEnvelope struct {
	Issuer       string                  `json:"iss"`
	Audience     string                  `json:"aud"`
	Capabilities []interfaces.Capability `json:"att"`
	Expiration   int64                   `json:"exp,omitempty"`
	Proofs       []proofEnvelope         `json:"prf,omitempty"`
}

func (e *invocationEnvelope) decode() (*interfaces.Invocation, error) {
	proofs, err := decodeProofs(e.Proofs, 0)
	if err != nil {
		return nil, err
	}
	return interfaces.NewInvocation(
		interfaces.DID(e.Issuer), interfaces.DID(e.Audience), e.Capabilities, proofs), nil
}

func decodeProofs(envelopes []proofEnvelope, depth int) ([]*interfaces.Delegation, error) {
	if len(envelopes) == 0 {
		return nil, nil
	}
	if depth >= maxProofDepth {
		return nil, fmt.Errorf("proof nesting exceeds depth %d", maxProofDepth)
	}

	proofs := make([]*interfaces.Delegation, 0, len(envelopes))
	for _, e := range envelopes {
		nested, err := decodeProofs(e.Proofs, depth+1)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, interfaces.NewDelegation(
			interfaces.DID(e.Issuer), interfaces.DID(e.Audience), e.Capabilities, e.Expiration, nested))
	}
	return proofs, nil
}

// HandleSetup processes POST /api/space/{space}/encryption/setup.
func (h *Handler) HandleSetup(w http.ResponseWriter, r *http.Request) {
	space, inv, _, ok := h.admit(w, r)
	if !ok {
		return
	}

	result, err := h.pipeline.Setup(r.Context(), space, inv)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleDecrypt processes POST /api/space/{space}/encryption/key/decrypt.
func (h *Handler) HandleDecrypt(w http.ResponseWriter, r *http.Request) {
	space, inv, ciphertext, ok := h.admit(w, r)
	if !ok {
		return
	}
	if len(ciphertext) == 0 {
		h.writeError(w, http.StatusBadRequest, "missing ciphertext")
		return
	}

	result, err := h.pipeline.Decrypt(r.Context(), space, inv, ciphertext)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// admit performs the shared request plumbing: space validation, rate
// limiting, and envelope decoding. On failure it writes the response and
// returns ok=false.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request) (interfaces.SpaceDID, *interfaces.Invocation, []byte, bool) {
	space, err := interfaces.NewSpaceDID(chi.URLParam(r, "space"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid space identifier")
		return "", nil, nil, false
	}

	res, err := h.limiter.Allow(r.Context(), space.String())
	if err != nil {
		h.log.Error("Rate limiter failed", "err", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return "", nil, nil, false
	}
	if !res.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
		h.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return "", nil, nil, false
	}

	var req invocationRequest
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request body")
		return "", nil, nil, false
	}

	inv, err := req.Invocation.decode()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed invocation")
		return "", nil, nil, false
	}

	var ciphertext []byte
	if req.Ciphertext != "" {
		ciphertext, err = cryptoutils.DecodeBase64(req.Ciphertext)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "ciphertext must be base64")
			return "", nil, nil, false
		}
	}

	return space, inv, ciphertext, true
}

// writeFailure maps a pipeline failure to a status code while exposing only
// its generic message.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	var failure *pipeline.Failure
	if !errors.As(err, &failure) {
		h.log.Error("Unexpected pipeline error type", "err", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusForbidden
	if failure.Message == interfaces.MsgBackendFailed {
		status = http.StatusBadGateway
		if errors.Is(failure.Cause(), interfaces.ErrTimeout) {
			status = http.StatusGatewayTimeout
		}
	}
	h.writeError(w, status, failure.Message)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
