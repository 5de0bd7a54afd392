package idempotency

import (
	"testing"

	"example.com/ticketing/services/fulfillment/internal/models"

	"github.com/stretchr/testify/require"
)

func baseFields() models.PublishFields {
	return models.PublishFields{
		Creator:       "0xAbCd000000000000000000000000000000000001",
		Title:         "Summer Launch Party",
		Date:          "2026-09-12",
		Time:          "19:00",
		Location:      "Pier 27, San Francisco",
		Capacity:      250,
		Price:         "0.05",
		Currency:      "ETH",
		PaymentMethod: "onchain",
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a, err := DeriveKey(baseFields())
	require.NoError(t, err)

	b, err := DeriveKey(baseFields())
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestDeriveKeyNormalizesCaseAndWhitespace(t *testing.T) {
	a, err := DeriveKey(baseFields())
	require.NoError(t, err)

	variant := baseFields()
	variant.Creator = "  0xABCD000000000000000000000000000000000001 "
	variant.Title = "SUMMER LAUNCH PARTY"
	variant.Currency = "eth  "
	variant.PaymentMethod = " OnChain"

	b, err := DeriveKey(variant)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestDeriveKeyChangesWithAnyField(t *testing.T) {
	base, err := DeriveKey(baseFields())
	require.NoError(t, err)

	mutations := []func(*models.PublishFields){
		func(f *models.PublishFields) { f.Creator = "0xother" },
		func(f *models.PublishFields) { f.Title = "Winter Launch Party" },
		func(f *models.PublishFields) { f.Date = "2026-09-13" },
		func(f *models.PublishFields) { f.Time = "20:00" },
		func(f *models.PublishFields) { f.Location = "Pier 28" },
		func(f *models.PublishFields) { f.Capacity = 251 },
		func(f *models.PublishFields) { f.Price = "0.06" },
		func(f *models.PublishFields) { f.Currency = "USDC" },
		func(f *models.PublishFields) { f.PaymentMethod = "fiat" },
	}

	seen := map[string]bool{base: true}
	for i, mutate := range mutations {
		fields := baseFields()
		mutate(&fields)

		digest, err := DeriveKey(fields)
		require.NoError(t, err)
		require.False(t, seen[digest], "mutation %d did not change the digest", i)
		seen[digest] = true
	}
}
