// Package httpapi exposes the fulfillment services over JSON HTTP.
package httpapi

import (
	"context"
	"net/http"

	"warimas-backoffice/internal/apperr"
	"warimas-backoffice/internal/auth"
	"warimas-backoffice/internal/deliverygroup"
	"warimas-backoffice/internal/order"
	"warimas-backoffice/internal/pickup"
	"warimas-backoffice/internal/utils"
)

type Verifier interface {
	VerifyDelivery(ctx context.Context, token string) (*pickup.Result, error)
}

type Handler struct {
	groups   deliverygroup.Service
	orders   order.Service
	verifier Verifier
}

func NewHandler(groups deliverygroup.Service, orders order.Service, verifier Verifier) *Handler {
	return &Handler{groups: groups, orders: orders, verifier: verifier}
}

func caller(r *http.Request) auth.Caller {
	c, _ := utils.GetCallerFromContext(r.Context())
	return c
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

type verifyRequest struct {
	Token string `json:"token"`
}

func (h *Handler) HandleVerifyPickup(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.verifier.VerifyDelivery(r.Context(), req.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- orders ---

func (h *Handler) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	o, err := h.orders.Get(r.Context(), caller(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) HandleOrderHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	history, err := h.orders.History(r.Context(), caller(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type statusResponse struct {
	Order         *order.Order `json:"order"`
	GroupFinished bool         `json:"group_finished"`
}

// HandleUpdateOrderStatus applies a manual transition. A manual DELIVERED
// can complete the order's group just like a redeemed token.
func (h *Handler) HandleUpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req updateStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	target, err := order.ParseStatus(req.Status)
	if err != nil {
		writeError(w, r, apperr.Validation(err.Error()))
		return
	}

	o, finished, err := h.groups.UpdateOrderStatus(r.Context(), caller(r), id, target)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Order: o, GroupFinished: finished})
}

type changeGroupRequest struct {
	GroupID int64 `json:"group_id"`
}

func (h *Handler) HandleChangeOrderGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req changeGroupRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.GroupID <= 0 {
		writeError(w, r, apperr.Validation("group_id is required"))
		return
	}

	o, err := h.groups.ChangeOrderGroup(r.Context(), caller(r), id, req.GroupID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
