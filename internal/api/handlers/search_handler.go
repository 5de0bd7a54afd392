package handlers

import (
	"context"
	"net/http"
	"strconv"

	"example.com/ticketing/services/fulfillment/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// issuanceSearcher is the slice of the search client this handler needs
type issuanceSearcher interface {
	SearchIssuances(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error)
}

// SearchHandler serves issuance lookups backed by the search index
type SearchHandler struct {
	searcher issuanceSearcher
	tracer   tracing.Tracer
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(searcher issuanceSearcher, tracer tracing.Tracer) *SearchHandler {
	return &SearchHandler{
		searcher: searcher,
		tracer:   tracer,
	}
}

// HandleSearchIssuances answers "what has been issued" queries filtered by
// recipient, event and fulfillment kind
func (h *SearchHandler) HandleSearchIssuances(c *gin.Context) {
	txn := h.tracer.StartTransaction("search-issuances")
	defer h.tracer.EndTransaction(txn)

	var filters []map[string]interface{}
	if recipient := c.Query("recipient"); recipient != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"recipient": recipient},
		})
	}
	if eventID := c.Query("event_id"); eventID != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"event_id": eventID},
		})
	}
	if kind := c.Query("kind"); kind != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"fulfillment_kind": kind},
		})
	}
	if len(filters) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one of recipient, event_id or kind is required"})
		return
	}

	size := 50
	if raw := c.Query("size"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			size = parsed
		}
	}

	query := map[string]interface{}{
		"size": size,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": filters,
			},
		},
		"sort": []map[string]interface{}{
			{"issued_at": map[string]interface{}{"order": "desc"}},
		},
	}

	docs, err := h.searcher.SearchIssuances(c, query)
	if err != nil {
		log.Error().Err(err).Msg("Issuance search failed")
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if docs == nil {
		docs = []map[string]interface{}{}
	}
	c.JSON(http.StatusOK, gin.H{"issuances": docs})
}

// RegisterRoutes registers the handler's routes
func (h *SearchHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/issuances", h.HandleSearchIssuances)
}
