package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrInvalidOutput marks model output that cannot be turned into a listing.
var ErrInvalidOutput = errors.New("invalid model output")

// DecodeListing turns the model's JSON content into ListingFields. Content is
// normalized, validated strictly, and on failure given one lenient pass over
// the optional fields before being rejected. A missing or empty currency
// becomes defaultCurrency.
func DecodeListing(content []byte, v *Validator, defaultCurrency string, logger *slog.Logger) (ListingFields, []byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = NewListingValidator()
	}

	content = []byte(strings.TrimSpace(string(content)))
	if len(content) == 0 {
		return ListingFields{}, nil, fmt.Errorf("%w: empty content", ErrInvalidOutput)
	}

	normalized, _, err := NormalizeAndSanitizeJSON(content, defaultCurrency, logger)
	if err != nil {
		return ListingFields{}, content, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	if err := v.Validate(normalized); err != nil {
		cleaned, dropped, sErr := SanitizeOptionalFields(normalized)
		if sErr != nil {
			return ListingFields{}, normalized, fmt.Errorf("%w: sanitize failed: %v", ErrInvalidOutput, sErr)
		}
		if vErr := v.Validate(cleaned); vErr != nil {
			logger.Debug("llm.extract.schema_validation_failed", "error", vErr, "content_len", len(content))
			return ListingFields{}, cleaned, fmt.Errorf("%w: schema validation failed: %v", ErrInvalidOutput, vErr)
		}
		logger.Debug("llm.extract.lenient_sanitize_applied", "dropped", dropped)
		normalized = cleaned
	}

	var out ListingFields
	if err := json.Unmarshal(normalized, &out); err != nil {
		return ListingFields{}, normalized, fmt.Errorf("%w: unmarshal fields: %v", ErrInvalidOutput, err)
	}
	return out, normalized, nil
}
