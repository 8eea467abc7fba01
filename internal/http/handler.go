package http

import (
	"encoding/json"
	"net/http"
	"time"

	"repaircoin/internal/amount"
	"repaircoin/internal/balance"
	"repaircoin/internal/chain"
	"repaircoin/internal/models"
	"repaircoin/internal/notify"
	"repaircoin/internal/reconcile"
	"repaircoin/internal/redemption"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Sessions      *redemption.Manager
	Verifier      redemption.Verifier
	Balances      balance.Calculator
	Reconciler    *reconcile.Reconciler
	Hub           *notify.Hub
	AddressPrefix string
}

type createSessionRequest struct {
	CustomerAddress string `json:"customerAddress"`
	ShopID          string `json:"shopId"`
	Amount          string `json:"amount"`
	Origin          string `json:"origin,omitempty"`
	Note            string `json:"note,omitempty"`
	DisplayCode     string `json:"displayCode,omitempty"`
}

type approveSessionRequest struct {
	CustomerAddress string  `json:"customerAddress"`
	Signature       string  `json:"signature"`
	TransferTxHash  *string `json:"transferTxHash,omitempty"`
}

type rejectSessionRequest struct {
	CustomerAddress string `json:"customerAddress"`
}

type consumeSessionRequest struct {
	ShopID string `json:"shopId"`
	Amount string `json:"amount"`
}

type verifyRequest struct {
	CustomerAddress string `json:"customerAddress"`
	ShopID          string `json:"shopId"`
	Amount          string `json:"amount"`
}

type sessionResponse struct {
	SessionID       string `json:"sessionId"`
	CustomerAddress string `json:"customerAddress"`
	ShopID          string `json:"shopId"`
	MaxAmount       string `json:"maxAmount"`
	Status          string `json:"status"`
	Origin          string `json:"origin"`
	CreatedAt       string `json:"createdAt"`
	ExpiresAt       string `json:"expiresAt"`
	ApprovedAt      string `json:"approvedAt,omitempty"`
	UsedAt          string `json:"usedAt,omitempty"`
}

type verifyResponse struct {
	Allowed         bool   `json:"allowed"`
	Reason          string `json:"reason,omitempty"`
	AvailableAmount string `json:"availableAmount"`
	HomeShop        string `json:"homeShop,omitempty"`
}

type balanceResponse struct {
	Earned       string            `json:"earned"`
	MarketBought string            `json:"marketBought"`
	ByShop       map[string]string `json:"byShop"`
	ByType       map[string]string `json:"byType"`
	HomeShop     string            `json:"homeShop,omitempty"`
}

func NewHandler(sessions *redemption.Manager, verifier redemption.Verifier, balances balance.Calculator, reconciler *reconcile.Reconciler, hub *notify.Hub, addressPrefix string) *Handler {
	return &Handler{
		Sessions:      sessions,
		Verifier:      verifier,
		Balances:      balances,
		Reconciler:    reconciler,
		Hub:           hub,
		AddressPrefix: addressPrefix,
	}
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := chain.ValidateAddress(req.CustomerAddress, h.AddressPrefix); err != nil {
		writeError(w, http.StatusBadRequest, "invalid customer address")
		return
	}
	amt, err := amount.Parse(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	var meta models.SessionMeta
	switch req.Origin {
	case "", "shop":
		meta = models.ShopInitiatedMeta{Note: req.Note}
	case "qr":
		meta = models.QRMeta{DisplayCode: req.DisplayCode}
	default:
		writeError(w, http.StatusBadRequest, "unknown session origin")
		return
	}

	session, err := h.Sessions.Create(r.Context(), req.CustomerAddress, req.ShopID, amt, meta)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

func (h *Handler) ApproveSession(w http.ResponseWriter, r *http.Request) {
	var req approveSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	session, err := h.Sessions.Approve(r.Context(), chi.URLParam(r, "sessionId"), req.CustomerAddress, req.Signature, req.TransferTxHash)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *Handler) RejectSession(w http.ResponseWriter, r *http.Request) {
	var req rejectSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	session, err := h.Sessions.Reject(r.Context(), chi.URLParam(r, "sessionId"), req.CustomerAddress)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *Handler) ConsumeSession(w http.ResponseWriter, r *http.Request) {
	var req consumeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	amt, err := amount.Parse(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	session, err := h.Sessions.ValidateAndConsume(r.Context(), chi.URLParam(r, "sessionId"), req.ShopID, amt)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Sessions.Get(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *Handler) ListCustomerSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Sessions.ListForCustomer(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeFault(w, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, toSessionResponse(session))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	breakdown, err := h.Balances.ComputeBreakdown(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeFault(w, err)
		return
	}
	resp := balanceResponse{
		Earned:       breakdown.Earned.String(),
		MarketBought: breakdown.MarketBought.String(),
		ByShop:       map[string]string{},
		ByType:       map[string]string{},
		HomeShop:     breakdown.HomeShop,
	}
	for shopID, amt := range breakdown.ByShop {
		resp.ByShop[shopID] = amt.String()
	}
	for source, amt := range breakdown.ByType {
		resp.ByType[string(source)] = amt.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) VerifyRedemption(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	amt, err := amount.Parse(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	verdict, err := h.Verifier.Verify(r.Context(), req.CustomerAddress, req.ShopID, amt)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Allowed:         verdict.Allowed,
		Reason:          verdict.Reason,
		AvailableAmount: verdict.AvailableAmount.String(),
		HomeShop:        verdict.HomeShop,
	})
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.Reconciler.ReconcileBatch(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "missing address")
		return
	}
	h.Hub.Subscribe(w, r, address)
}

func toSessionResponse(session *models.RedemptionSession) sessionResponse {
	resp := sessionResponse{
		SessionID:       session.SessionID,
		CustomerAddress: session.CustomerAddress,
		ShopID:          session.ShopID,
		MaxAmount:       session.MaxAmount.String(),
		Status:          string(session.Status),
		CreatedAt:       session.CreatedAt.Format(time.RFC3339),
		ExpiresAt:       session.ExpiresAt.Format(time.RFC3339),
	}
	if session.Meta != nil {
		resp.Origin = session.Meta.Kind()
	}
	if session.ApprovedAt != nil {
		resp.ApprovedAt = session.ApprovedAt.Format(time.RFC3339)
	}
	if session.UsedAt != nil {
		resp.UsedAt = session.UsedAt.Format(time.RFC3339)
	}
	return resp
}
