package httpapi

import (
	"net/http"

	"warimas-backoffice/internal/apperr"
	"warimas-backoffice/internal/deliverygroup"
)

type createGroupRequest struct {
	ShopID int64  `json:"shop_id"`
	Name   string `json:"name"`
}

func (h *Handler) HandleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	g, err := h.groups.CreateGroup(r.Context(), caller(r), deliverygroup.CreateGroupInput{
		ShopID: req.ShopID,
		Name:   req.Name,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *Handler) HandleListGroups(w http.ResponseWriter, r *http.Request) {
	filter, err := listFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	groups, err := h.groups.ListGroups(r.Context(), caller(r), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func listFilter(r *http.Request) (deliverygroup.ListFilter, error) {
	var (
		f   deliverygroup.ListFilter
		err error
	)
	if f.ShopID, err = queryID(r, "shop_id"); err != nil {
		return f, err
	}
	if f.AgentID, err = queryID(r, "agent_id"); err != nil {
		return f, err
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		s, err := deliverygroup.ParseStatus(raw)
		if err != nil {
			return f, apperr.Validation(err.Error())
		}
		f.Status = &s
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func (h *Handler) HandleGetGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	d, err := h.groups.GetGroup(r.Context(), caller(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type orderIDsRequest struct {
	OrderIDs []int64 `json:"order_ids"`
}

type addOrdersResponse struct {
	Group  *deliverygroup.Detail        `json:"group"`
	Result *deliverygroup.BulkAddResult `json:"result"`
}

func (h *Handler) HandleAddOrders(w http.ResponseWriter, r *http.Request) {
	id, req, err := groupOrders(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	d, res, err := h.groups.AddOrders(r.Context(), caller(r), id, req.OrderIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, addOrdersResponse{Group: d, Result: res})
}

func (h *Handler) HandleBulkAddOrders(w http.ResponseWriter, r *http.Request) {
	id, req, err := groupOrders(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.groups.BulkAddOrders(r.Context(), caller(r), id, req.OrderIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleRemoveOrders(w http.ResponseWriter, r *http.Request) {
	id, req, err := groupOrders(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	d, err := h.groups.RemoveOrders(r.Context(), caller(r), id, req.OrderIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) HandleRemoveOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	orderID, err := pathID(r, "orderId")
	if err != nil {
		writeError(w, r, err)
		return
	}

	d, err := h.groups.RemoveOrder(r.Context(), caller(r), id, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func groupOrders(r *http.Request) (int64, orderIDsRequest, error) {
	var req orderIDsRequest
	id, err := pathID(r, "id")
	if err != nil {
		return 0, req, err
	}
	if err := decodeBody(r, &req); err != nil {
		return 0, req, err
	}
	return id, req, nil
}

func (h *Handler) HandleStartDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	d, err := h.groups.StartDelivery(r.Context(), caller(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) HandleFinishDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	d, err := h.groups.FinishDelivery(r.Context(), caller(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type agentRequest struct {
	AgentID int64  `json:"agent_id"`
	Reason  string `json:"reason"`
}

func (h *Handler) HandleReassignAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req agentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	g, err := h.groups.ReassignAgent(r.Context(), caller(r), id, req.AgentID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// HandleCancelAssignment reads the optional reason from ?reason=.
func (h *Handler) HandleCancelAssignment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	g, err := h.groups.CancelAssignment(r.Context(), caller(r), id, r.URL.Query().Get("reason"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) HandleAssignmentHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	history, err := h.groups.AssignmentHistory(r.Context(), caller(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}
