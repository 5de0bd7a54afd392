package handlers

import (
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"

	"example.com/ticketing/services/fulfillment/internal/services"
	"example.com/ticketing/services/fulfillment/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DelegationsHandler handles delegated attestation HTTP requests: collecting
// signed rows and executing them in batches
type DelegationsHandler struct {
	batchService *services.BatchService
	tracer       tracing.Tracer
}

// NewDelegationsHandler creates a new delegations handler
func NewDelegationsHandler(batchService *services.BatchService, tracer tracing.Tracer) *DelegationsHandler {
	return &DelegationsHandler{
		batchService: batchService,
		tracer:       tracer,
	}
}

// CollectDelegationRequest represents one signed delegation submission.
// Payload and signature travel base64 encoded.
type CollectDelegationRequest struct {
	SchemaUID string `json:"schema_uid" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	Delegator string `json:"delegator" binding:"required"`
	Payload   string `json:"payload" binding:"required"`
	Deadline  int64  `json:"deadline" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// HandleCollectDelegation verifies and stores one signed delegation row
func (h *DelegationsHandler) HandleCollectDelegation(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-collect-delegation")
	defer h.tracer.EndTransaction(txn)

	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	var req CollectDelegationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload must be base64"})
		return
	}
	signature, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature must be base64"})
		return
	}

	h.tracer.AddAttribute(txn, "event_id", eventID.String())

	row, err := h.batchService.CollectDelegation(c, services.CollectDelegationInput{
		EventID:   eventID,
		SchemaUID: req.SchemaUID,
		Recipient: req.Recipient,
		Payload:   payload,
		Deadline:  req.Deadline,
		Signature: signature,
	}, req.Delegator)
	if err != nil {
		log.Warn().Err(err).Str("event_id", eventID.String()).Msg("Delegation rejected")
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"delegation_id": row.ID})
}

// HandleExecuteBatch runs one batch for an event. A client that accepts
// text/event-stream or passes stream=true gets live progress; anyone else
// gets the buffered result once the batch completes.
func (h *DelegationsHandler) HandleExecuteBatch(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	if c.Query("stream") == "true" || strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		h.streamBatch(c, eventID)
		return
	}

	result, err := h.batchService.Execute(c, eventID)
	if err != nil {
		log.Error().Err(err).Str("event_id", eventID.String()).Msg("Batch execution failed")
		resp := gin.H{"error": err.Error()}
		if result != nil {
			resp["events"] = result.Events
		}
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, result)
}

// streamBatch streams batch progress as server-sent events. Reconnects resume
// from the Last-Event-ID header and attach to the in-flight run instead of
// starting a second one.
func (h *DelegationsHandler) streamBatch(c *gin.Context, eventID uuid.UUID) {
	var lastEventID uint64
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		if parsed, err := strconv.ParseUint(raw, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	events := h.batchService.ExecuteStream(c.Request.Context(), eventID, lastEventID)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		event, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(event.Stage, event)
		return true
	})
}

// RegisterRoutes registers the handler's routes
func (h *DelegationsHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/events/:id/delegations", h.HandleCollectDelegation)
	router.POST("/events/:id/delegations/execute", h.HandleExecuteBatch)
}
