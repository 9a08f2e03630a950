package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"communitymarket/internal/models"
	"communitymarket/internal/services"
	"communitymarket/internal/wechatpay"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Handler struct {
	Orders     *services.OrderService
	Reconciler *services.Reconciler
	Logger     *zap.Logger
}

func NewHandler(orders *services.OrderService, reconciler *services.Reconciler, logger *zap.Logger) *Handler {
	return &Handler{Orders: orders, Reconciler: reconciler, Logger: logger}
}

type createOrderRequest struct {
	ListingID string `json:"listingId"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type timelineEntryResponse struct {
	Status string `json:"status"`
	At     string `json:"at"`
	Actor  string `json:"actor"`
	Note   string `json:"note"`
}

type orderResponse struct {
	OrderID       string                  `json:"orderId"`
	ListingID     string                  `json:"listingId"`
	PublisherID   string                  `json:"publisherId"`
	ReceiverID    string                  `json:"receiverId"`
	Status        string                  `json:"status"`
	PaymentStatus string                  `json:"paymentStatus"`
	Price         string                  `json:"price"`
	Title         string                  `json:"title"`
	Description   string                  `json:"description,omitempty"`
	Location      string                  `json:"location,omitempty"`
	OutTradeNo    string                  `json:"outTradeNo"`
	TransactionID string                  `json:"transactionId,omitempty"`
	PaidAmountFen *int64                  `json:"paidAmountFen,omitempty"`
	PaidAt        string                  `json:"paidAt,omitempty"`
	Timeline      []timelineEntryResponse `json:"timeline"`
	CreatedAt     string                  `json:"createdAt"`
	UpdatedAt     string                  `json:"updatedAt"`
}

type prepayResponse struct {
	PrepayID  string `json:"prepayId"`
	TimeStamp string `json:"timeStamp"`
	NonceStr  string `json:"nonceStr"`
	Package   string `json:"package"`
	SignType  string `json:"signType"`
	PaySign   string `json:"paySign"`
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ListingID == "" {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	order, err := h.Orders.CreateOrder(r.Context(), req.ListingID, userID)
	if err != nil {
		h.writeOrderError(w, err, "create order failed")
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return
	}
	orderID := chi.URLParam(r, "orderId")

	order, err := h.Orders.GetOrder(r.Context(), orderID, userID)
	if err != nil {
		h.writeOrderError(w, err, "get order failed")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return
	}

	orders, err := h.Orders.ListOrders(r.Context(), userID)
	if err != nil {
		h.writeOrderError(w, err, "list orders failed")
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		out = append(out, toOrderResponse(order))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return
	}
	orderID := chi.URLParam(r, "orderId")

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	order, err := h.Orders.ApplyTransition(r.Context(), orderID, models.OrderStatus(req.Status), userID)
	if err != nil {
		h.writeOrderError(w, err, "update status failed")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) RequestPayment(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return
	}
	orderID := chi.URLParam(r, "orderId")

	prepay, err := h.Orders.RequestPayment(r.Context(), orderID, userID, r.RemoteAddr)
	if err != nil {
		h.writeOrderError(w, err, "request payment failed")
		return
	}
	writeJSON(w, http.StatusOK, prepayResponse{
		PrepayID:  prepay.PrepayID,
		TimeStamp: prepay.TimeStamp,
		NonceStr:  prepay.NonceStr,
		Package:   prepay.Package,
		SignType:  prepay.SignType,
		PaySign:   prepay.PaySign,
	})
}

// PaymentNotify is the gateway callback endpoint. The ack envelope is the
// redelivery control surface: FAIL asks the gateway to retry, SUCCESS
// stops it for good.
func (h *Handler) PaymentNotify(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeAck(w, wechatpay.AckEnvelope("FAIL", "read failed"))
		return
	}

	err = h.Reconciler.HandleCallback(r.Context(), raw)
	switch {
	case err == nil:
		writeAck(w, wechatpay.AckEnvelope("SUCCESS", "OK"))
	case errors.Is(err, services.ErrUnknownOrder):
		// Not our order; a retry will never change that.
		h.Logger.Warn("callback for unknown order", zap.Error(err))
		writeAck(w, wechatpay.AckEnvelope("SUCCESS", "OK"))
	case errors.Is(err, services.ErrMalformedCallback):
		h.Logger.Warn("malformed callback", zap.Error(err))
		writeAck(w, wechatpay.AckEnvelope("FAIL", "invalid envelope"))
	case errors.Is(err, services.ErrUnauthenticated):
		h.Logger.Warn("callback signature rejected", zap.Error(err))
		writeAck(w, wechatpay.AckEnvelope("FAIL", "signature verification failed"))
	default:
		h.Logger.Error("callback processing failed", zap.Error(err))
		writeAck(w, wechatpay.AckEnvelope("FAIL", "processing failed"))
	}
}

func (h *Handler) writeOrderError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, services.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrUnavailable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrDuplicateOrder):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrDuplicatePending):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, wechatpay.ErrGateway):
		// Retryable; gateway internals stay out of the response.
		h.Logger.Warn("gateway call failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "payment gateway unavailable, please retry")
	default:
		h.Logger.Error(fallback, zap.Error(err))
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func toOrderResponse(order *models.Order) orderResponse {
	resp := orderResponse{
		OrderID:       order.ID,
		ListingID:     order.ListingID,
		PublisherID:   order.PublisherID,
		ReceiverID:    order.ReceiverID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Price:         order.Price.StringFixed(2),
		Title:         order.Title,
		Description:   order.Description,
		Location:      order.Location,
		OutTradeNo:    order.OutTradeNo,
		PaidAmountFen: order.PaidAmountFen,
		CreatedAt:     order.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     order.UpdatedAt.Format(time.RFC3339),
	}
	if order.TransactionID != nil {
		resp.TransactionID = *order.TransactionID
	}
	if order.PaidAt != nil {
		resp.PaidAt = order.PaidAt.Format(time.RFC3339)
	}
	resp.Timeline = make([]timelineEntryResponse, 0, len(order.Timeline))
	for _, entry := range order.Timeline {
		resp.Timeline = append(resp.Timeline, timelineEntryResponse{
			Status: string(entry.Status),
			At:     entry.At.Format(time.RFC3339),
			Actor:  entry.Actor,
			Note:   entry.Note,
		})
	}
	return resp
}
