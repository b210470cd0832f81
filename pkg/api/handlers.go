package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nimbusfed/nimbus/pkg/engine"
)

// maxBodySize bounds order request bodies.
const maxBodySize = 1 << 20

// OrderRequest is the body of an order creation. The resource type comes from the
// URL; exactly one payload matching it must be set.
type OrderRequest struct {
	// Provider owns the resource. Empty means this provider.
	Provider string `json:"provider,omitempty"`

	// CloudName selects the cloud at the owning provider. Empty means its default cloud.
	CloudName string `json:"cloud_name,omitempty"`

	Compute    *engine.ComputeSpec    `json:"compute,omitempty"`
	Volume     *engine.VolumeSpec     `json:"volume,omitempty"`
	Network    *engine.NetworkSpec    `json:"network,omitempty"`
	Attachment *engine.AttachmentSpec `json:"attachment,omitempty"`
	PublicIP   *engine.PublicIPSpec   `json:"public_ip,omitempty"`
}

// Order builds the order the request describes.
func (req *OrderRequest) Order(orderType engine.OrderType) *engine.Order {
	return &engine.Order{
		Type:       orderType,
		Provider:   req.Provider,
		CloudName:  req.CloudName,
		Compute:    req.Compute,
		Volume:     req.Volume,
		Network:    req.Network,
		Attachment: req.Attachment,
		PublicIP:   req.PublicIP,
	}
}

func (h *Handlers) apiCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := h.opts.Orders.CreateOrder(r.Context(), userFrom(r), req.Order(orderType(r)))
	if err != nil {
		h.engineError(w, err)
		return
	}
	h.jsonStatus(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handlers) apiGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.opts.Orders.GetOrder(r.Context(), userFrom(r), orderType(r), chi.URLParam(r, "id"))
	if err != nil {
		h.engineError(w, err)
		return
	}
	h.jsonOK(w, order)
}

func (h *Handlers) apiGetInstance(w http.ResponseWriter, r *http.Request) {
	view, err := h.opts.Orders.GetInstance(r.Context(), userFrom(r), orderType(r), chi.URLParam(r, "id"))
	if err != nil {
		h.engineError(w, err)
		return
	}
	h.jsonOK(w, view)
}

func (h *Handlers) apiDeleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.Orders.DeleteOrder(r.Context(), userFrom(r), orderType(r), chi.URLParam(r, "id")); err != nil {
		h.engineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) apiListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.opts.Orders.ListOrders(r.Context(), userFrom(r), orderType(r))
	if err != nil {
		h.engineError(w, err)
		return
	}
	if orders == nil {
		orders = []engine.OrderSummary{}
	}
	h.jsonOK(w, orders)
}

func (h *Handlers) apiOrderHistory(w http.ResponseWriter, r *http.Request) {
	if h.opts.History == nil {
		h.jsonError(w, "order history is not available", http.StatusNotImplemented)
		return
	}

	// Reading the order first checks ownership and authorization.
	order, err := h.opts.Orders.GetOrder(r.Context(), userFrom(r), orderType(r), chi.URLParam(r, "id"))
	if err != nil {
		h.engineError(w, err)
		return
	}
	changes, err := h.opts.History.ListStateChanges(r.Context(), order.ID)
	if err != nil {
		h.engineError(w, err)
		return
	}
	if changes == nil {
		changes = []*engine.StateChange{}
	}
	h.jsonOK(w, changes)
}

func (h *Handlers) apiGetQuota(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	quota, err := h.opts.Orders.GetUserQuota(r.Context(), userFrom(r), q.Get("provider"), q.Get("cloud"))
	if err != nil {
		h.engineError(w, err)
		return
	}
	h.jsonOK(w, quota)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if h.opts.Health != nil {
		if err := h.opts.Health.HealthCheck(r.Context()); err != nil {
			status["status"] = "unhealthy"
			status["error"] = err.Error()
			h.jsonStatus(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	h.jsonOK(w, status)
}

// orderType returns the type named in the URL, or the empty type for listings of
// every type.
func orderType(r *http.Request) engine.OrderType {
	return engine.OrderType(chi.URLParam(r, "type"))
}

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error   string           `json:"error"`
	Kind    engine.ErrorKind `json:"kind,omitempty"`
	Code    string           `json:"code,omitempty"`
	OrderID string           `json:"order_id,omitempty"`
}

// engineError answers with the status matching the error's kind. Unexpected errors
// are logged and their details withheld.
func (h *Handlers) engineError(w http.ResponseWriter, err error) {
	kind := engine.KindOf(err)
	resp := ErrorResponse{Error: err.Error(), Kind: kind}

	var e *engine.EngineError
	if errors.As(err, &e) {
		resp.Error = e.Message
		resp.Code = e.Code
		resp.OrderID = e.OrderID
	}
	if kind == engine.KindUnexpected {
		h.logger.Error().Err(err).Msg("Request failed")
		resp.Error = "internal error"
	}

	h.jsonStatus(w, kind.HTTPStatus(), resp)
}

func (h *Handlers) jsonOK(w http.ResponseWriter, data any) {
	h.jsonStatus(w, http.StatusOK, data)
}

func (h *Handlers) jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

func (h *Handlers) jsonError(w http.ResponseWriter, msg string, code int) {
	h.jsonStatus(w, code, map[string]string{"error": msg})
}
