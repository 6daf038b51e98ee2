package entity

import (
	"time"

	"github.com/google/uuid"
)

// Listing is a normalized vehicle listing. Rows are immutable once inserted.
type Listing struct {
	ID           uuid.UUID `db:"id" json:"id"`
	RawID        uuid.UUID `db:"raw_id" json:"raw_id"`
	Price        float64   `db:"price" json:"price"`
	Currency     string    `db:"currency" json:"currency"`
	URL          string    `db:"url" json:"url"`
	Source       string    `db:"source" json:"source"`
	ExternalID   string    `db:"external_id" json:"external_id"`
	Make         string    `db:"make" json:"make"`
	Model        string    `db:"model" json:"model"`
	Year         string    `db:"year" json:"year"`
	Trim         string    `db:"trim" json:"trim"`
	Color        *string   `db:"color" json:"color,omitempty"`
	FuelType     *string   `db:"fuel_type" json:"fuel_type,omitempty"`
	Doors        *string   `db:"doors" json:"doors,omitempty"`
	Transmission *string   `db:"transmission" json:"transmission,omitempty"`
	Engine       *string   `db:"engine" json:"engine,omitempty"`
	BodyType     *string   `db:"body_type" json:"body_type,omitempty"`
	OdometerKM   *int64    `db:"odometer_km" json:"odometer_km,omitempty"`
	Steering     *string   `db:"steering" json:"steering,omitempty"`
	OtherInfo    *string   `db:"other_info" json:"other_info,omitempty"`
	Ignore       bool      `db:"ignore" json:"ignore"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// PriceRange is the min/max price of a set of listings.
type PriceRange struct {
	Min   float64 `db:"min_price" json:"min"`
	Max   float64 `db:"max_price" json:"max"`
	Count int64   `db:"n" json:"count"`
}
