// Package handler exposes the order service over HTTP.
package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xenking/orderq/internal/domain/order"
	"github.com/xenking/orderq/pkg/httpmiddleware"
)

const maxBodyBytes = 1 << 20

// OrderService is the order core as seen by the HTTP layer.
type OrderService interface {
	Submit(ctx context.Context, req order.SubmitRequest) (*order.Order, error)
	StatusOf(ctx context.Context, id string) (order.Status, error)
	Metrics(ctx context.Context) (*order.Snapshot, error)
}

// Handler translates HTTP requests into order service calls.
type Handler struct {
	orders   OrderService
	validate *validatorv10.Validate
}

// New constructs a Handler over the given service.
func New(orders OrderService) *Handler {
	return &Handler{
		orders:   orders,
		validate: newValidator(),
	}
}

// Register mounts the order API on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/order", h.SubmitOrder)
		r.Get("/order/{order_id}", h.GetOrderStatus)
		r.Get("/metrics", h.GetMetrics)
	})
}

// SubmitOrder handles POST /api/order.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httpmiddleware.WriteError(w, http.StatusBadRequest, "cannot read request body")
		return
	}

	var req submitRequest
	if err := req.decode(jx.DecodeBytes(body)); err != nil {
		httpmiddleware.WriteError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		httpmiddleware.WriteError(w, http.StatusBadRequest, describeValidation(err))
		return
	}

	o, err := h.orders.Submit(r.Context(), req.toDomain())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeCreated(e, o.ID) })
}

// GetOrderStatus handles GET /api/order/{order_id}.
func (h *Handler) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "order_id")

	st, err := h.orders.StatusOf(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeStatus(e, id, st) })
}

// GetMetrics handles GET /api/metrics.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.orders.Metrics(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeSnapshot(e, snap) })
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
	}
	httpmiddleware.WriteError(w, status, msg)
}

// mapError converts domain errors to an HTTP status and client message.
func mapError(err error) (int, string) {
	var vErr *order.ValidationError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest, vErr.Error()
	case errors.Is(err, order.ErrInvalidOrder):
		return http.StatusBadRequest, "invalid order"
	case errors.Is(err, order.ErrAlreadyExists):
		return http.StatusConflict, "Order already exists"
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound, "Order not found"
	case errors.Is(err, order.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "order store unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func newValidator() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(submitStructValidation, submitRequest{})
	return v
}

// submitStructValidation rejects negative totals, which tags cannot express
// for decimal amounts.
func submitStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(submitRequest)
	if req.TotalAmount != nil && req.TotalAmount.IsNegative() {
		sl.ReportError(req.TotalAmount, "total_amount", "TotalAmount", "gte0", "")
	}
}

func describeValidation(err error) string {
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return err.Error()
	}
	fe := ve[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("invalid %s: required", field)
	case "min":
		return fmt.Sprintf("invalid %s: at least %s required", field, fe.Param())
	case "max":
		return fmt.Sprintf("invalid %s: at most %s characters", field, fe.Param())
	case "gte0":
		return fmt.Sprintf("invalid %s: must not be negative", field)
	default:
		return fmt.Sprintf("invalid %s: failed %s", field, fe.Tag())
	}
}
