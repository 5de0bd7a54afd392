package handlers

import (
	"net/http"

	"example.com/ticketing/services/fulfillment/internal/models"
	"example.com/ticketing/services/fulfillment/internal/services"
	"example.com/ticketing/services/fulfillment/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PublishHandler handles event publishing HTTP requests
type PublishHandler struct {
	publishService *services.PublishService
	tracer         tracing.Tracer
}

// NewPublishHandler creates a new publish handler
func NewPublishHandler(publishService *services.PublishService, tracer tracing.Tracer) *PublishHandler {
	return &PublishHandler{
		publishService: publishService,
		tracer:         tracer,
	}
}

// PublishRequest represents an incoming publish request
type PublishRequest struct {
	Creator         string `json:"creator" binding:"required"`
	Title           string `json:"title" binding:"required"`
	Date            string `json:"date" binding:"required"`
	Time            string `json:"time" binding:"required"`
	Location        string `json:"location" binding:"required"`
	Capacity        int64  `json:"capacity" binding:"required"`
	Price           string `json:"price" binding:"required"`
	Currency        string `json:"currency" binding:"required"`
	PaymentMethod   string `json:"paymentMethod" binding:"required"`
	FulfillmentKind string `json:"fulfillmentKind"`
}

// HandlePublish handles an incoming publish request
func (h *PublishHandler) HandlePublish(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-publish-event")
	defer h.tracer.EndTransaction(txn)

	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("Invalid publish request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	h.tracer.AddAttribute(txn, "creator", req.Creator)
	h.tracer.AddAttribute(txn, "title", req.Title)

	kind := req.FulfillmentKind
	if kind == "" {
		kind = models.FulfillmentKindTicket
	}

	fields := models.PublishFields{
		Creator:       req.Creator,
		Title:         req.Title,
		Date:          req.Date,
		Time:          req.Time,
		Location:      req.Location,
		Capacity:      req.Capacity,
		Price:         req.Price,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
	}

	result, err := h.publishService.Publish(c, fields, kind)
	if err != nil {
		log.Error().Err(err).Msg("Failed to publish event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	if !result.Success {
		// The chain flow failed; the caller gets the step trail and draft id
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

// HandleListDrafts lists a creator's saved drafts for re-publishing
func (h *PublishHandler) HandleListDrafts(c *gin.Context) {
	creator := c.Query("creator")
	if creator == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "creator is required"})
		return
	}

	drafts, err := h.publishService.ListDrafts(c, creator)
	if err != nil {
		log.Error().Err(err).Str("creator", creator).Msg("Failed to list drafts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"drafts": drafts})
}

// HandleGetDraft returns one saved draft with its full form state
func (h *PublishHandler) HandleGetDraft(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid draft id"})
		return
	}

	draft, err := h.publishService.GetDraft(c, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "draft not found"})
		return
	}
	c.JSON(http.StatusOK, draft)
}

// RegisterRoutes registers the handler's routes
func (h *PublishHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/publish", h.HandlePublish)
	router.GET("/drafts", h.HandleListDrafts)
	router.GET("/drafts/:id", h.HandleGetDraft)
}
