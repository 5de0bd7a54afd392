package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"example.com/ticketing/services/fulfillment/internal/models"

	"github.com/pkg/errors"
)

// DeriveKey canonicalizes the publish fields and returns their SHA-256 hex
// digest. Equal logical inputs produce equal digests regardless of field
// order, surrounding whitespace or letter case of the case-insensitive fields.
func DeriveKey(fields models.PublishFields) (string, error) {
	canonical := map[string]string{
		"capacity":      strconv.FormatInt(fields.Capacity, 10),
		"creator":       normalizeFolded(fields.Creator),
		"currency":      normalizeFolded(fields.Currency),
		"date":          strings.TrimSpace(fields.Date),
		"location":      normalizeFolded(fields.Location),
		"paymentMethod": normalizeFolded(fields.PaymentMethod),
		"price":         strings.TrimSpace(fields.Price),
		"time":          strings.TrimSpace(fields.Time),
		"title":         normalizeFolded(fields.Title),
	}

	digest := sha256.Sum256(canonicalBytes(canonical))
	return hex.EncodeToString(digest[:]), nil
}

// normalizeFolded trims and case-folds a semantically case-insensitive field
func normalizeFolded(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// canonicalBytes serializes the map with keys in sorted order. json.Marshal on
// a map already sorts keys, but the explicit pass keeps the serialization
// independent of that implementation detail.
func canonicalBytes(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeJSONString(&b, k)
		b.WriteByte(':')
		writeJSONString(&b, fields[k])
	}
	b.WriteByte('}')
	return []byte(b.String())
}

func writeJSONString(b *strings.Builder, s string) {
	enc, err := json.Marshal(s)
	if err != nil {
		// json.Marshal on a string cannot fail; keep the digest total anyway
		panic(errors.Wrap(err, "canonical serialization failed"))
	}
	b.Write(enc)
}
