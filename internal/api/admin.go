package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/StoryForge/internal/models"
	"github.com/digkill/StoryForge/internal/service"
)

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := s.deps.Packages.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, packages)
}

func (s *Server) handleCreatePackage(w http.ResponseWriter, r *http.Request) {
	var req service.CreatePackageInput
	if !decodeJSON(w, r, &req) {
		return
	}
	pkg, err := s.deps.Packages.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, pkg)
}

type grantRequest struct {
	Amount int `json:"amount"`
}

func (s *Server) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID := chi.URLParam(r, "userID")
	balance, err := s.deps.Ledger.Grant(r.Context(), userID, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("admin granted credits", "user_id", userID, "amount", req.Amount)
	writeOK(w, http.StatusOK, map[string]int{"balance": balance})
}

type premiumRequest struct {
	Days int `json:"days"`
}

func (s *Server) handleActivatePremium(w http.ResponseWriter, r *http.Request) {
	var req premiumRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := s.deps.Ledger.ActivatePremium(r.Context(), userID, req.Days); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("admin activated premium", "user_id", userID, "days", req.Days)
	writeOK(w, http.StatusOK, map[string]int{"days": req.Days})
}

func (s *Server) handleGrantEntitlement(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.deps.Ledger.GrantEntitlement(r.Context(), userID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]bool{"has_paid_entitlement": true})
}

type purchaseResponse struct {
	Purchase *models.Purchase `json:"purchase"`
	Replayed bool             `json:"replayed"`
}

func (s *Server) handleApplyPurchase(w http.ResponseWriter, r *http.Request) {
	var req service.PurchaseInput
	if !decodeJSON(w, r, &req) {
		return
	}
	purchase, replayed, err := s.deps.Purchases.ApplyPurchase(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeOK(w, status, purchaseResponse{Purchase: purchase, Replayed: replayed})
}
