package llm_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listings-pipeline/internal/llm"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const validContent = `{
	"price": 18500,
	"currency": "usd",
	"url": "https://auto.mercadolibre.com.ar/MLA-123456",
	"source": "mercadolibre.com.ar",
	"external_id": "MLA-123456",
	"make": "Toyota",
	"model": "Corolla",
	"year": "2020",
	"trim": "1.8 XEI",
	"odometer_km": 85000,
	"ignore": false
}`

func TestDecodeListing_Valid(t *testing.T) {
	fields, normalized, err := llm.DecodeListing([]byte(validContent), llm.NewListingValidator(), "ARS", quietLogger())
	require.NoError(t, err)
	assert.NotEmpty(t, normalized)
	assert.Equal(t, "USD", fields.Currency)
	assert.Equal(t, "Corolla", fields.Model)
	require.NotNil(t, fields.OdometerKM)
	assert.Equal(t, int64(85000), *fields.OdometerKM)
	assert.Nil(t, fields.Color)

	l := fields.Listing("ARS")
	assert.Equal(t, "USD", l.Currency)
	assert.Equal(t, "MLA-123456", l.ExternalID)
}

func TestDecodeListing_RenamesSynonymsAndDropsUnknown(t *testing.T) {
	content := `{
		"precio": 9000000, "moneda": "ars", "url": "https://x/MLA-9", "source": "mercadolibre.com.ar",
		"external_id": "MLA-9", "marca": "Ford", "modelo": "Ka", "year": "2015", "version": "SE",
		"kilometros": 120000, "color": null, "seller_phone": "555", "ignore": true
	}`
	fields, _, err := llm.DecodeListing([]byte(content), nil, "ARS", quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "Ford", fields.Make)
	assert.Equal(t, "SE", fields.Trim)
	assert.Equal(t, "ARS", fields.Currency)
	assert.True(t, fields.Ignore)
	require.NotNil(t, fields.OdometerKM)
	assert.Equal(t, int64(120000), *fields.OdometerKM)
}

func TestDecodeListing_LenientOptionalFields(t *testing.T) {
	content := `{
		"price": 18500, "currency": "USD", "url": "https://x/MLA-1", "source": "mercadolibre.com.ar",
		"external_id": "MLA-1", "make": "VW", "model": "Gol", "year": "2012", "trim": "Trendline",
		"odometer_km": "85.000 km", "doors": 5, "engine": 1.6, "ignore": false
	}`
	fields, _, err := llm.DecodeListing([]byte(content), nil, "ARS", quietLogger())
	require.NoError(t, err)
	require.NotNil(t, fields.OdometerKM)
	assert.Equal(t, int64(85000), *fields.OdometerKM)
	require.NotNil(t, fields.Doors)
	assert.Equal(t, "5", *fields.Doors)
	require.NotNil(t, fields.Engine)
	assert.Equal(t, "1.6", *fields.Engine)
}

func TestDecodeListing_RejectsMissingRequired(t *testing.T) {
	content := `{"price": 100, "currency": "USD", "make": "Fiat"}`
	_, _, err := llm.DecodeListing([]byte(content), nil, "ARS", quietLogger())
	require.ErrorIs(t, err, llm.ErrInvalidOutput)
}

func TestDecodeListing_RejectsNonJSON(t *testing.T) {
	_, _, err := llm.DecodeListing([]byte("Sorry, I cannot help with that."), nil, "ARS", quietLogger())
	require.ErrorIs(t, err, llm.ErrInvalidOutput)

	_, _, err = llm.DecodeListing([]byte("   "), nil, "ARS", quietLogger())
	require.ErrorIs(t, err, llm.ErrInvalidOutput)
}

func TestListingFields_DefaultCurrency(t *testing.T) {
	l := llm.ListingFields{Make: "Fiat"}.Listing("ars")
	assert.Equal(t, "ARS", l.Currency)
}

func TestDecodeListing_DefaultsMissingCurrency(t *testing.T) {
	base := `"price": 9000000, "url": "https://x/MLA-7", "source": "mercadolibre.com.ar",
		"external_id": "MLA-7", "make": "Fiat", "model": "Cronos", "year": "2021", "trim": "Drive", "ignore": false`

	for name, content := range map[string]string{
		"missing": `{` + base + `}`,
		"empty":   `{"currency": "  ", ` + base + `}`,
		"null":    `{"currency": null, ` + base + `}`,
	} {
		fields, _, err := llm.DecodeListing([]byte(content), nil, "ars", quietLogger())
		require.NoError(t, err, name)
		assert.Equal(t, "ARS", fields.Currency, name)
	}

	_, _, err := llm.DecodeListing([]byte(`{`+base+`}`), nil, "", quietLogger())
	require.ErrorIs(t, err, llm.ErrInvalidOutput)
}

func TestDecodeListing_NumericYear(t *testing.T) {
	content := `{
		"price": 9000000, "currency": "ARS", "url": "https://x/MLA-8", "source": "mercadolibre.com.ar",
		"external_id": 8, "make": "Ford", "model": "Ka", "year": 2015, "trim": "", "ignore": false
	}`
	fields, _, err := llm.DecodeListing([]byte(content), nil, "ARS", quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "2015", fields.Year)
	assert.Equal(t, "8", fields.ExternalID)
}
