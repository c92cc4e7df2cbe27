// Package handler содержит HTTP-обработчики API реестра полисов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/policyledger-system/internal/claims"
	"github.com/mmeshcher/policyledger-system/internal/middleware"
	"github.com/mmeshcher/policyledger-system/internal/model"
	"github.com/mmeshcher/policyledger-system/internal/repository"
	"github.com/mmeshcher/policyledger-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	SavePolicy(ctx context.Context, caller string, p *model.Policy) (*model.Policy, error)
	GetPolicy(ctx context.Context, policyID string) (*model.Policy, error)
	GetPolicyBalance(ctx context.Context, policyID string) (int64, error)
	GetIssuerObligations(ctx context.Context, issuerID string) ([]model.Obligation, error)
	ComputeLoss(ctx context.Context, caller string, contexts []model.LossContext) (string, error)
	OnLossComputed(ctx context.Context, caller, requestID string, failed bool, results []model.ComputedLoss) error
	GetComputedLoss(ctx context.Context, identity model.LossIdentity) (*model.ComputedLoss, error)
	PostLossDecision(ctx context.Context, caller string, decision model.LossDecision) (model.LossDecision, error)
	PostPaymentMade(ctx context.Context, caller string, resolve model.ResolveObligation) (*model.Payment, error)
	AddPolicyActivator(ctx context.Context, caller, account string) error
	RemovePolicyActivator(ctx context.Context, caller, account string) error
	RegisterIssuer(ctx context.Context, caller, issuerID string) error
	SuspendMasterAdmin(ctx context.Context, caller, candidate string) error
	CancelMasterAdminAbdication(ctx context.Context, caller string) error
	ClaimMasterAdmin(ctx context.Context, caller string) error
}

// Handler реализует HTTP-обработчики API реестра полисов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	account, ok := middleware.GetAccountFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return "", false
	}
	return account, true
}

// writeError транслирует доменные ошибки в HTTP-статусы.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, repository.ErrPolicyNotFound),
		errors.Is(err, repository.ErrIssuerNotRegistered),
		errors.Is(err, service.ErrComputedLossNotFound),
		errors.Is(err, service.ErrObligationNotFound),
		errors.Is(err, service.ErrLossIdentityNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrObligationNotInIndex),
		errors.Is(err, service.ErrUnknownComputation),
		errors.Is(err, service.ErrNoPendingSuccession),
		errors.Is(err, service.ErrPolicyInactive):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrInvalidPolicy),
		errors.Is(err, service.ErrInvalidLossContext),
		errors.Is(err, service.ErrInvalidCandidate),
		errors.Is(err, service.ErrMalformedRemoteResult):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, service.ErrInsufficientBalance):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, service.ErrRemoteCallFailed):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		h.logger.Error("internal error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// SavePolicy принимает активированный полис от сервиса котировок.
func (h *Handler) SavePolicy(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	var p model.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	saved, err := h.service.SavePolicy(r.Context(), account, &p)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, saved)
}

// GetPolicy возвращает полис по идентификатору.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policyID")

	p, err := h.service.GetPolicy(r.Context(), policyID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

type balanceResponse struct {
	PolicyID string `json:"policy_id"`
	Balance  int64  `json:"balance"`
}

// GetBalance возвращает остаток баланса полиса.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policyID")

	balance, err := h.service.GetPolicyBalance(r.Context(), policyID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{PolicyID: policyID, Balance: balance})
}

// GetIssuerObligations возвращает открытые обязательства страховщика.
func (h *Handler) GetIssuerObligations(w http.ResponseWriter, r *http.Request) {
	issuerID := chi.URLParam(r, "issuerID")

	obligations, err := h.service.GetIssuerObligations(r.Context(), issuerID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if len(obligations) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, obligations)
}

type computeLossRequest struct {
	LossContexts []model.LossContext `json:"loss_contexts"`
}

type computeLossResponse struct {
	RequestID string `json:"request_id"`
}

// ComputeLoss отправляет контексты убытков на расчёт во внешний сервис.
func (h *Handler) ComputeLoss(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	var req computeLossRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	requestID, err := h.service.ComputeLoss(r.Context(), account, req.LossContexts)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, computeLossResponse{RequestID: requestID})
}

// LossComputed принимает обратный вызов сервиса расчёта с результатами.
func (h *Handler) LossComputed(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	var result claims.ComputeResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		http.Error(w, service.ErrMalformedRemoteResult.Error(), http.StatusUnprocessableEntity)
		return
	}

	err := h.service.OnLossComputed(r.Context(), account, result.RequestID, result.Failed, result.Losses)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetComputedLoss возвращает рассчитанный убыток, ожидающий решения клиента.
func (h *Handler) GetComputedLoss(w http.ResponseWriter, r *http.Request) {
	identity := model.LossIdentity{
		ID:       chi.URLParam(r, "lossID"),
		PolicyID: chi.URLParam(r, "policyID"),
		EventID:  r.URL.Query().Get("event_id"),
		ClientID: r.URL.Query().Get("client_id"),
		IssuerID: r.URL.Query().Get("issuer_id"),
	}

	loss, err := h.service.GetComputedLoss(r.Context(), identity)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loss)
}

// PostLossDecision принимает решение клиента по рассчитанному убытку.
func (h *Handler) PostLossDecision(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	var decision model.LossDecision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	applied, err := h.service.PostLossDecision(r.Context(), account, decision)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, applied)
}

// PostPaymentMade закрывает обязательство записью о выплате.
func (h *Handler) PostPaymentMade(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	var resolve model.ResolveObligation
	if err := json.NewDecoder(r.Body).Decode(&resolve); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	payment, err := h.service.PostPaymentMade(r.Context(), account, resolve)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, payment)
}

type accountRequest struct {
	Account string `json:"account"`
}

// AddActivator добавляет аккаунт в список активаторов полисов.
func (h *Handler) AddActivator(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Account == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.AddPolicyActivator(r.Context(), account, req.Account); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// RemoveActivator удаляет аккаунт из списка активаторов.
func (h *Handler) RemoveActivator(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	target := chi.URLParam(r, "account")

	if err := h.service.RemovePolicyActivator(r.Context(), account, target); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type registerIssuerRequest struct {
	IssuerID string `json:"issuer_id"`
}

// RegisterIssuer создаёт индекс обязательств страховщика.
func (h *Handler) RegisterIssuer(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	var req registerIssuerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IssuerID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RegisterIssuer(r.Context(), account, req.IssuerID); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type successionRequest struct {
	Candidate string `json:"candidate"`
}

// SuspendMasterAdmin назначает преемника мастер-администратора.
func (h *Handler) SuspendMasterAdmin(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	var req successionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Candidate == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SuspendMasterAdmin(r.Context(), account, req.Candidate); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// CancelSuccession отменяет незавершённую передачу прав мастер-администратора.
func (h *Handler) CancelSuccession(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	if err := h.service.CancelMasterAdminAbdication(r.Context(), account); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ClaimMasterAdmin завершает передачу прав мастер-администратора.
func (h *Handler) ClaimMasterAdmin(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	if err := h.service.ClaimMasterAdmin(r.Context(), account); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}
