package llm

import (
	"context"
	"strings"

	"github.com/joseph-ayodele/listings-pipeline/internal/entity"
)

// ListingFields is the normalized shape we want from the LLM.
type ListingFields struct {
	Price        float64 `json:"price"`
	Currency     string  `json:"currency"` // ISO 4217
	URL          string  `json:"url"`
	Source       string  `json:"source"`      // e.g. mercadolibre.com.ar
	ExternalID   string  `json:"external_id"` // id of the listing at the source
	Make         string  `json:"make"`
	Model        string  `json:"model"`
	Year         string  `json:"year"`
	Trim         string  `json:"trim"`
	Color        *string `json:"color,omitempty"`
	FuelType     *string `json:"fuel_type,omitempty"`
	Doors        *string `json:"doors,omitempty"`
	Transmission *string `json:"transmission,omitempty"`
	Engine       *string `json:"engine,omitempty"`
	BodyType     *string `json:"body_type,omitempty"`
	OdometerKM   *int64  `json:"odometer_km,omitempty"`
	Steering     *string `json:"steering,omitempty"`
	OtherInfo    *string `json:"other_info,omitempty"`
	Ignore       bool    `json:"ignore"` // seller only offers installment financing
}

// Listing converts the extracted fields into a store row. Currency falls
// back to defaultCurrency when the model left it empty.
func (f ListingFields) Listing(defaultCurrency string) *entity.Listing {
	currency := strings.ToUpper(strings.TrimSpace(f.Currency))
	if currency == "" {
		currency = strings.ToUpper(defaultCurrency)
	}
	return &entity.Listing{
		Price:        f.Price,
		Currency:     currency,
		URL:          f.URL,
		Source:       f.Source,
		ExternalID:   f.ExternalID,
		Make:         f.Make,
		Model:        f.Model,
		Year:         f.Year,
		Trim:         f.Trim,
		Color:        f.Color,
		FuelType:     f.FuelType,
		Doors:        f.Doors,
		Transmission: f.Transmission,
		Engine:       f.Engine,
		BodyType:     f.BodyType,
		OdometerKM:   f.OdometerKM,
		Steering:     f.Steering,
		OtherInfo:    f.OtherInfo,
		Ignore:       f.Ignore,
	}
}

type ExtractRequest struct {
	Text            string
	DefaultCurrency string
}

// ListingExtractor is the synchronous extraction path used for ad-hoc parses.
type ListingExtractor interface {
	ExtractListing(ctx context.Context, req ExtractRequest) (ListingFields, []byte /*rawJSON*/, error)
}
