package search

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"example.com/ticketing/services/fulfillment/config"
	"example.com/ticketing/services/fulfillment/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ElasticClient provides search indexing for issuance outcomes
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esCfg := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	// Verify connectivity
	res, err := client.Info()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to Elasticsearch")
	}
	defer res.Body.Close()

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// issuanceDocument is the indexed projection of one issuance outcome
type issuanceDocument struct {
	Reference       string    `json:"reference"`
	EventID         string    `json:"event_id"`
	Recipient       string    `json:"recipient"`
	FulfillmentKind string    `json:"fulfillment_kind"`
	TxHash          string    `json:"tx_hash"`
	Identifier      string    `json:"identifier"`
	IssuedAt        time.Time `json:"issued_at"`
}

// IndexTicket indexes one issued ticket. A nil client drops the document.
func (c *ElasticClient) IndexTicket(ctx context.Context, ticket *models.IssuedTicket, reference string) error {
	if c == nil {
		return nil
	}
	doc := issuanceDocument{
		Reference:       reference,
		EventID:         ticket.EventID.String(),
		Recipient:       ticket.Recipient,
		FulfillmentKind: models.FulfillmentKindTicket,
		TxHash:          ticket.TxHash,
		Identifier:      ticket.TokenID,
		IssuedAt:        time.Now().UTC(),
	}
	return c.index(ctx, ticket.ID.String(), doc)
}

// IndexAttestation indexes one issued attestation record. A nil client drops
// the document.
func (c *ElasticClient) IndexAttestation(ctx context.Context, record *models.AttestationRecord, eventID string) error {
	if c == nil {
		return nil
	}
	doc := issuanceDocument{
		Reference:       record.DelegationID.String(),
		EventID:         eventID,
		Recipient:       record.Recipient,
		FulfillmentKind: models.FulfillmentKindAttestation,
		TxHash:          record.TxHash,
		Identifier:      record.UID,
		IssuedAt:        time.Now().UTC(),
	}
	return c.index(ctx, record.ID.String(), doc)
}

// index writes one document to the issuance index
func (c *ElasticClient) index(ctx context.Context, docID string, doc issuanceDocument) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal issuance document")
	}

	indexName := config.FormatIndex(c.config, c.config.Index)
	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: docID,
		Body:       bytes.NewReader(docJSON),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Info().Str("doc_id", docID).Msg("issuance indexed successfully")
	return nil
}

// SearchIssuances searches the issuance index with the given criteria. A nil
// client reports search as unconfigured instead of panicking.
func (c *ElasticClient) SearchIssuances(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	if c == nil {
		return nil, errors.New("search is not configured")
	}
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	indexName := config.FormatIndex(c.config, c.config.Index)
	req := esapi.SearchRequest{
		Index: []string{indexName},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return nil, errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return nil, errors.Errorf("Elasticsearch search error: %v", e)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	hits, ok := result["hits"].(map[string]interface{})
	if !ok {
		return nil, errors.New("unexpected search result format")
	}

	hitsArray, ok := hits["hits"].([]interface{})
	if !ok {
		return nil, errors.New("unexpected hits format")
	}

	var docs []map[string]interface{}
	for _, hit := range hitsArray {
		hitMap, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}

		source, ok := hitMap["_source"].(map[string]interface{})
		if !ok {
			continue
		}

		docs = append(docs, source)
	}

	return docs, nil
}
