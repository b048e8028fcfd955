package httpapi

import (
	"net/http"

	"warimas-backoffice/internal/logger"
	"warimas-backoffice/internal/middleware"
	"warimas-backoffice/internal/telemetry"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type RouterConfig struct {
	JWTSecret string
	Limiter   *middleware.RateLimiter
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	public := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, telemetry.WithHTTPRoute(fn))
	}
	private := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, middleware.RequireCaller(telemetry.WithHTTPRoute(fn)))
	}

	public("GET /health", h.HandleHealth)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	private("POST /groups", h.HandleCreateGroup)
	private("GET /groups", h.HandleListGroups)
	private("GET /groups/{id}", h.HandleGetGroup)
	private("POST /groups/{id}/orders", h.HandleAddOrders)
	private("POST /groups/{id}/orders/bulk", h.HandleBulkAddOrders)
	private("POST /groups/{id}/orders/remove", h.HandleRemoveOrders)
	private("DELETE /groups/{id}/orders/{orderId}", h.HandleRemoveOrder)
	private("POST /groups/{id}/start", h.HandleStartDelivery)
	private("POST /groups/{id}/finish", h.HandleFinishDelivery)
	private("PUT /groups/{id}/agent", h.HandleReassignAgent)
	private("DELETE /groups/{id}/agent", h.HandleCancelAssignment)
	private("GET /groups/{id}/assignments", h.HandleAssignmentHistory)

	private("GET /orders/{id}", h.HandleGetOrder)
	private("GET /orders/{id}/history", h.HandleOrderHistory)
	private("PATCH /orders/{id}/status", h.HandleUpdateOrderStatus)
	private("PUT /orders/{id}/group", h.HandleChangeOrderGroup)

	private("POST /pickup/verify", h.HandleVerifyPickup)

	var handler http.Handler = mux
	if cfg.Limiter != nil {
		handler = cfg.Limiter.Middleware(handler)
	}
	handler = middleware.AuthMiddleware(cfg.JWTSecret)(handler)
	handler = middleware.Recover(handler)
	handler = logger.LoggingMiddleware(handler)
	handler = logger.RequestIDMiddleware(handler)

	return otelhttp.NewHandler(handler, "warimas-backoffice")
}
