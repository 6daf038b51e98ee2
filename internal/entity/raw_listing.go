package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/listings-pipeline/constants"
)

// RawListing is scraped listing text waiting for (or done with) extraction.
type RawListing struct {
	ID                 uuid.UUID           `db:"id" json:"id"`
	Text               string              `db:"text" json:"text"`
	Status             constants.RawStatus `db:"status" json:"status"`
	ClaimID            *uuid.UUID          `db:"claim_id" json:"claim_id,omitempty"`
	ClaimedAt          *time.Time          `db:"claimed_at" json:"claimed_at,omitempty"`
	ExtractedListingID *uuid.UUID          `db:"extracted_listing_id" json:"extracted_listing_id,omitempty"`
	CreatedAt          time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time           `db:"updated_at" json:"updated_at"`
}

// Cursor is a keyset position in the oldest-first unclaimed scan.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// CursorOf returns the position just after r.
func CursorOf(r *RawListing) *Cursor {
	return &Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
}
