// internal/registry/handler.go
package registry

import (
	"encoding/json"
	"log"
	"net/http"
	"nowver/internal/chain"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// CallerHeader carries the address a request acts as. Authenticating it is
// the job of whatever fronts this API.
const CallerHeader = "X-Nowver-Caller"

// Transport-level error kinds, in addition to the registry kinds.
const (
	KindInvalidRequest = "InvalidRequest"
	KindRateLimited    = "RateLimited"
)

const (
	defaultFeedLimit = 100
	maxFeedLimit     = 1000
)

// Summary is the registry-wide state returned by GET /registry.
type Summary struct {
	Owner           chain.Address `json:"owner"`
	Paused          bool          `json:"paused"`
	MetadataBaseURI string        `json:"metadata_base_uri"`
	TokensCount     uint64        `json:"tokens_count"`
	Custody         chain.Amount  `json:"custody"`
	Version         int           `json:"version"`
}

// EventResponse wraps the event committed by a write.
type EventResponse struct {
	Type  string `json:"type"`
	Event Event  `json:"event"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type Handler struct {
	service Service
	limiter *rate.Limiter
}

// NewHandler builds the HTTP API. limiter throttles write endpoints and may
// be nil.
func NewHandler(service Service, limiter *rate.Limiter) *Handler {
	return &Handler{service: service, limiter: limiter}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/registry", h.handleGetRegistry)
	r.Get("/tokens/{id}", h.handleGetToken)
	r.Get("/tokens/{id}/uri", h.handleGetURI)
	r.Get("/balances/{account}/{id}", h.handleGetBalance)
	r.Get("/approvals/{holder}/{operator}", h.handleGetApproval)
	r.Get("/audit", h.handleAudit)
	r.Get("/events", h.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Post("/tokens", h.handleRegisterToken)
		r.Post("/tokens/{id}/mint", h.handleMint)
		r.Post("/transfers", h.handleTransfer)
		r.Put("/approvals/{operator}", h.handleSetApproval)
		r.Post("/pause", h.handlePause)
		r.Post("/unpause", h.handleUnpause)
		r.Put("/uri", h.handleSetURI)
		r.Put("/owner", h.handleTransferOwnership)
		r.Post("/withdraw", h.handleWithdraw)
	})

	return r
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			writeErrorKind(w, http.StatusTooManyRequests, KindRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleGetRegistry(w http.ResponseWriter, r *http.Request) {
	snap, version, err := h.service.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Summary{
		Owner:           snap.Owner,
		Paused:          snap.Paused,
		MetadataBaseURI: snap.MetadataBaseURI,
		TokensCount:     snap.TokensCount,
		Custody:         snap.Custody,
		Version:         version,
	})
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request) {
	id, ok := tokenIDParam(w, r)
	if !ok {
		return
	}
	class, err := h.service.TokenClass(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, class)
}

func (h *Handler) handleGetURI(w http.ResponseWriter, r *http.Request) {
	id, ok := tokenIDParam(w, r)
	if !ok {
		return
	}
	uri, err := h.service.URI(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uri": uri})
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := addressParam(w, r, "account")
	if !ok {
		return
	}
	id, ok := tokenIDParam(w, r)
	if !ok {
		return
	}
	balance, err := h.service.BalanceOf(r.Context(), account, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Holding{Account: account, TokenID: id, Quantity: balance})
}

func (h *Handler) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	holder, ok := addressParam(w, r, "holder")
	if !ok {
		return
	}
	operator, ok := addressParam(w, r, "operator")
	if !ok {
		return
	}
	approved, err := h.service.IsApprovedForAll(r.Context(), holder, operator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"approved": approved})
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	violations, err := h.service.Audit(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if violations == nil {
		violations = []Violation{}
	}
	writeJSON(w, http.StatusOK, violations)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeErrorKind(w, http.StatusBadRequest, KindInvalidRequest, "invalid after cursor")
			return
		}
		after = parsed
	}
	limit := defaultFeedLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeErrorKind(w, http.StatusBadRequest, KindInvalidRequest, "invalid limit")
			return
		}
		limit = min(parsed, maxFeedLimit)
	}

	page, err := h.service.Events(r.Context(), after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		ID        TokenID      `json:"id"`
		MaxSupply uint64       `json:"max_supply"`
		Price     chain.Amount `json:"price"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	ev, err := h.service.RegisterToken(r.Context(), caller, req.ID, req.MaxSupply, req.Price)
	writeEvent(w, http.StatusCreated, ev, err)
}

func (h *Handler) handleMint(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := tokenIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Payment chain.Amount `json:"payment"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	ev, err := h.service.Mint(r.Context(), caller, id, req.Payment)
	writeEvent(w, http.StatusCreated, ev, err)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		From     chain.Address `json:"from"`
		To       chain.Address `json:"to"`
		ID       TokenID       `json:"id"`
		Quantity uint64        `json:"quantity"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	ev, err := h.service.Transfer(r.Context(), caller, req.From, req.To, req.ID, req.Quantity)
	writeEvent(w, http.StatusOK, ev, err)
}

func (h *Handler) handleSetApproval(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	operator, ok := addressParam(w, r, "operator")
	if !ok {
		return
	}
	var req struct {
		Approved bool `json:"approved"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	ev, err := h.service.SetApprovalForAll(r.Context(), caller, operator, req.Approved)
	writeEvent(w, http.StatusOK, ev, err)
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	ev, err := h.service.Pause(r.Context(), caller)
	writeEvent(w, http.StatusOK, ev, err)
}

func (h *Handler) handleUnpause(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	ev, err := h.service.Unpause(r.Context(), caller)
	writeEvent(w, http.StatusOK, ev, err)
}

func (h *Handler) handleSetURI(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		URI string `json:"uri"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	ev, err := h.service.SetURI(r.Context(), caller, req.URI)
	writeEvent(w, http.StatusOK, ev, err)
}

func (h *Handler) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		NewOwner chain.Address `json:"new_owner"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	ev, err := h.service.TransferOwnership(r.Context(), caller, req.NewOwner)
	writeEvent(w, http.StatusOK, ev, err)
}

func (h *Handler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		To chain.Address `json:"to"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	ev, err := h.service.Withdraw(r.Context(), caller, req.To)
	writeEvent(w, http.StatusOK, ev, err)
}

func callerFrom(w http.ResponseWriter, r *http.Request) (chain.Address, bool) {
	raw := r.Header.Get(CallerHeader)
	if raw == "" {
		writeErrorKind(w, http.StatusUnauthorized, KindInvalidRequest, "missing "+CallerHeader+" header")
		return chain.Address{}, false
	}
	caller, err := chain.ParseAddress(raw)
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, KindInvalidRequest, err.Error())
		return chain.Address{}, false
	}
	// the zero address is never a valid sender of writes
	if caller.IsZero() {
		writeErrorKind(w, http.StatusBadRequest, KindInvalidRecipient, "caller must not be the zero address")
		return chain.Address{}, false
	}
	return caller, true
}

func tokenIDParam(w http.ResponseWriter, r *http.Request) (TokenID, bool) {
	id, err := ParseTokenID(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, KindInvalidRequest, "invalid token ID")
		return 0, false
	}
	return id, true
}

func addressParam(w http.ResponseWriter, r *http.Request, name string) (chain.Address, bool) {
	a, err := chain.ParseAddress(chi.URLParam(r, name))
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, KindInvalidRequest, err.Error())
		return chain.Address{}, false
	}
	return a, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorKind(w, http.StatusBadRequest, KindInvalidRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("registry: failed to encode response: %v", err)
	}
}

func writeEvent(w http.ResponseWriter, status int, ev Event, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, EventResponse{Type: ev.EventType(), Event: ev})
}

func writeError(w http.ResponseWriter, err error) {
	kind := Kind(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		log.Printf("registry: internal error: %v", err)
	}
	writeErrorKind(w, status, kind, err.Error())
}

func writeErrorKind(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorResponse{Error: kind, Message: message})
}

func statusForKind(kind string) int {
	switch kind {
	case KindNotOwner, KindNotApproved:
		return http.StatusForbidden
	case KindUnknownToken, KindNotDeployed:
		return http.StatusNotFound
	case KindAlreadyRegistered, KindSoldOut, KindPaused, KindAlreadyDeployed, KindConflict:
		return http.StatusConflict
	case KindIncorrectPayment:
		return http.StatusPaymentRequired
	case KindInvalidSupply, KindInsufficientBalance, KindInvalidRecipient, KindNothingToWithdraw:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
