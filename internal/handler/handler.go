// Package handler implements the HTTP API of the promotion service.
package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-promotions/internal/domain/auth"
	"github.com/xenking/kart-promotions/internal/domain/order"
	"github.com/xenking/kart-promotions/internal/domain/product"
	"github.com/xenking/kart-promotions/internal/domain/promotion"
	"github.com/xenking/kart-promotions/internal/engine"
	"github.com/xenking/kart-promotions/internal/events"
	"github.com/xenking/kart-promotions/internal/visit"
)

// Engine reconciles and completes orders.
type Engine interface {
	Reconcile(ctx context.Context, orderID string, ev order.Event, payload order.Payload) (*engine.Result, error)
	Complete(ctx context.Context, orderID string) (*engine.Result, error)
}

// Publisher queues order events for asynchronous reconciliation.
type Publisher interface {
	Publish(ctx context.Context, m events.Message) error
}

// PromotionStore persists promotion definitions.
type PromotionStore interface {
	ListPromotions(ctx context.Context) ([]promotion.Definition, error)
	SavePromotion(ctx context.Context, def promotion.Definition) error
	DeletePromotion(ctx context.Context, id string) error
}

// Reloader rebuilds the cached promotions.
type Reloader interface {
	Reload(ctx context.Context) error
}

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// APIKeyPepper is the HMAC key API keys are hashed with.
	APIKeyPepper []byte
}

// Deps are the collaborators of the Handler. Promotions and Publisher are
// optional: without Promotions the promotion management routes answer 501,
// without Publisher events are always reconciled synchronously.
type Deps struct {
	Orders     *order.Service
	Engine     Engine
	Products   product.Repository
	Promotions PromotionStore
	Catalog    Reloader
	Visits     visit.Tracker
	Publisher  Publisher
	APIKeys    auth.Repository
}

// Handler serves the promotion API.
type Handler struct {
	cfg  HandlerConfig
	deps Deps
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig, deps Deps) *Handler {
	return &Handler{cfg: cfg, deps: deps}
}

// Routes returns the API mux. Every route requires an API key holding the
// route's scope.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	orders := func(fn http.HandlerFunc) http.Handler { return h.authorize(auth.ScopeOrders, fn) }
	promos := func(fn http.HandlerFunc) http.Handler { return h.authorize(auth.ScopePromotions, fn) }

	mux.Handle("POST /api/orders", orders(h.placeOrder))
	mux.Handle("GET /api/orders/{id}", orders(h.getOrder))
	mux.Handle("PATCH /api/orders/{id}/items", orders(h.updateItem))
	mux.Handle("POST /api/orders/{id}/coupon", orders(h.applyCoupon))
	mux.Handle("POST /api/orders/{id}/events", orders(h.dispatchEvent))
	mux.Handle("POST /api/orders/{id}/complete", orders(h.completeOrder))
	mux.Handle("POST /api/visits", orders(h.trackVisit))
	mux.Handle("GET /api/products", orders(h.listProducts))

	mux.Handle("GET /api/promotions", promos(h.listPromotions))
	mux.Handle("PUT /api/promotions/{id}", promos(h.savePromotion))
	mux.Handle("DELETE /api/promotions/{id}", promos(h.deletePromotion))
	mux.Handle("POST /api/promotions/reload", promos(h.reloadPromotions))
	return mux
}

// apiError is an error with an HTTP status.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequest(err error) error {
	return &apiError{status: http.StatusBadRequest, message: err.Error()}
}

// writeError maps domain errors to statuses. Unknown errors are logged and
// reported as 500 without details.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := http.StatusInternalServerError, "internal server error"

	var (
		apiErr *apiError
		iqErr  *order.InvalidQuantityError
		pnfErr *order.ProductNotFoundError
	)
	switch {
	case errors.As(err, &apiErr):
		status, message = apiErr.status, apiErr.message
	case errors.Is(err, order.ErrEmptyItems), errors.Is(err, visit.ErrEmptyVisitor):
		status, message = http.StatusBadRequest, err.Error()
	case errors.As(err, &iqErr):
		status, message = http.StatusUnprocessableEntity, iqErr.Error()
	case errors.As(err, &pnfErr):
		status, message = http.StatusUnprocessableEntity, pnfErr.Error()
	case errors.Is(err, order.ErrInvalidCoupon):
		status, message = http.StatusUnprocessableEntity, "invalid coupon code"
	case errors.Is(err, promotion.ErrInvalidDefinition),
		errors.Is(err, promotion.ErrUnknownRule),
		errors.Is(err, promotion.ErrUnknownAction):
		status, message = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, order.ErrNotFound):
		status, message = http.StatusNotFound, "order not found"
	case errors.Is(err, order.ErrNotCart):
		status, message = http.StatusConflict, "order is not a cart"
	case errors.Is(err, engine.ErrReconcileFailed):
		status, message = http.StatusServiceUnavailable, "promotions could not be applied, retry later"
	}

	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, encodeError(status, message))
}
