package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"example.com/ticketing/services/fulfillment/config"
	"example.com/ticketing/services/fulfillment/internal/reconciler"
	"example.com/ticketing/services/fulfillment/internal/services"
	"example.com/ticketing/services/fulfillment/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// OrdersHandler handles order lifecycle HTTP requests: creation, status
// polling, the status event stream and payment gateway webhooks
type OrdersHandler struct {
	orderService *services.OrderService
	cfg          config.Config
	tracer       tracing.Tracer
}

// NewOrdersHandler creates a new orders handler
func NewOrdersHandler(orderService *services.OrderService, cfg config.Config, tracer tracing.Tracer) *OrdersHandler {
	return &OrdersHandler{
		orderService: orderService,
		cfg:          cfg,
		tracer:       tracer,
	}
}

// CreateOrderRequest represents an incoming order creation request
type CreateOrderRequest struct {
	Reference       string `json:"reference" binding:"required"`
	EventID         string `json:"event_id" binding:"required"`
	Recipient       string `json:"recipient" binding:"required"`
	FulfillmentKind string `json:"fulfillment_kind"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	PaymentMethod   string `json:"payment_method"`
}

// HandleCreateOrder opens a pending order for a purchase reference
func (h *OrdersHandler) HandleCreateOrder(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-create-order")
	defer h.tracer.EndTransaction(txn)

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	eventID, err := uuid.Parse(req.EventID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event_id"})
		return
	}

	order, err := h.orderService.CreateOrder(c, services.CreateOrderInput{
		Reference:       req.Reference,
		EventID:         eventID,
		Recipient:       req.Recipient,
		FulfillmentKind: req.FulfillmentKind,
		Amount:          req.Amount,
		Currency:        req.Currency,
		PaymentMethod:   req.PaymentMethod,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create order")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// HandleGetStatus is the poll channel: one bounded read of the order snapshot.
// A missing order is found=false with HTTP 200, not an error; pollers keep
// waiting on it.
func (h *OrdersHandler) HandleGetStatus(c *gin.Context) {
	reference := c.Param("reference")

	snap, err := h.orderService.ReadOrder(c, reference)
	if err != nil {
		log.Error().Err(err).Str("reference", reference).Msg("Failed to read order status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if snap == nil {
		c.JSON(http.StatusOK, gin.H{"found": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"found":  true,
		"status": snap.Status,
		"order":  snap,
	})
}

// HandleStream is the push channel: a server-sent event stream of status
// changes for one reference. Only changed snapshots emit status events;
// periodic stats events keep the connection alive. A reconnecting client
// resumes id numbering with the Last-Event-ID header.
func (h *OrdersHandler) HandleStream(c *gin.Context) {
	reference := c.Param("reference")

	var lastEventID uint64
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		if parsed, err := strconv.ParseUint(raw, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	// Clients may ask for a shorter watch; the configured budget is the cap
	budget := h.cfg.Reconciler.WatchBudget
	if raw := c.Query("timeout"); raw != "" {
		if requested, err := time.ParseDuration(raw); err == nil && requested > 0 && requested < budget {
			budget = requested
		}
	}

	rec := reconciler.New(h.orderService, reconciler.Config{
		PollInterval:      h.cfg.Reconciler.PollInterval,
		PollMaxAttempts:   h.cfg.Reconciler.PollMaxAttempts,
		WatchInterval:     h.cfg.Reconciler.WatchInterval,
		HeartbeatInterval: h.cfg.Reconciler.HeartbeatInterval,
		WatchBudget:       h.cfg.Reconciler.WatchBudget,
	})
	defer rec.Cancel()

	session := rec.Track(reference, reconciler.Callbacks{})
	events := session.Watch(c.Request.Context(), budget, lastEventID)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		event, ok := <-events
		if !ok {
			return false
		}
		c.Render(-1, sseRender{event: event})
		return true
	})
}

// sseRender writes one reconciler event in SSE wire format
type sseRender struct {
	event reconciler.Event
}

func (r sseRender) Render(w http.ResponseWriter) error {
	_, err := w.Write([]byte(
		"id: " + strconv.FormatUint(r.event.ID, 10) + "\n" +
			"event: " + string(r.event.Kind) + "\n" +
			"data: " + string(r.event.Data) + "\n\n"))
	return err
}

func (r sseRender) WriteContentType(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
}

// gatewayWebhookPayload is the payment gateway's callback body
type gatewayWebhookPayload struct {
	DeliveryID string `json:"delivery_id"`
	Reference  string `json:"reference"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
}

// HandlePaymentWebhook verifies the gateway signature and processes the
// delivery. An invalid signature is rejected before any state is touched.
func (h *OrdersHandler) HandlePaymentWebhook(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-payment-webhook")
	defer h.tracer.EndTransaction(txn)

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	signature := c.GetHeader("X-Gateway-Signature")
	if !VerifyWebhookSignature(h.cfg.Gateway.WebhookSecret, body, signature) {
		log.Warn().Msg("Webhook with invalid signature rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var payload gatewayWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.orderService.HandleWebhook(c, services.WebhookDelivery{
		DeliveryID: payload.DeliveryID,
		Reference:  payload.Reference,
		Status:     payload.Status,
		Reason:     payload.Reason,
	}); err != nil {
		log.Error().Err(err).Str("reference", payload.Reference).Msg("Failed to process webhook")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// VerifyWebhookSignature checks an HMAC-SHA256 hex signature over the raw
// webhook body in constant time
func VerifyWebhookSignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// RegisterRoutes registers the handler's routes
func (h *OrdersHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/orders", h.HandleCreateOrder)
	router.GET("/orders/:reference/status", h.HandleGetStatus)
	router.GET("/orders/:reference/stream", h.HandleStream)
	router.POST("/webhooks/payment", h.HandlePaymentWebhook)
}
