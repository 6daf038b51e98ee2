package llm

// ListingSchemaName is the structured output name sent with every request.
const ListingSchemaName = "VehicleListing"

// BuildListingJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a generic map.
// We pass this to OpenAI as a structured output constraint and also use it locally to validate.
func BuildListingJSONSchema() map[string]any {
	props := map[string]any{
		"price":        map[string]any{"type": "number", "minimum": 0},
		"currency":     map[string]any{"type": "string", "pattern": `^[A-Za-z]{3}$`},
		"url":          nonEmptyString(),
		"source":       nonEmptyString(),
		"external_id":  nonEmptyString(),
		"make":         nonEmptyString(),
		"model":        nonEmptyString(),
		"year":         map[string]any{"type": "string", "pattern": `^\d{4}$`},
		"trim":         map[string]any{"type": "string"},
		"color":        nonEmptyString(),
		"fuel_type":    nonEmptyString(),
		"doors":        nonEmptyString(),
		"transmission": nonEmptyString(),
		"engine":       nonEmptyString(),
		"body_type":    nonEmptyString(),
		"odometer_km":  map[string]any{"type": "integer", "minimum": 0},
		"steering":     nonEmptyString(),
		"other_info":   nonEmptyString(),
		"ignore":       map[string]any{"type": "boolean"},
	}
	required := []string{"price", "currency", "url", "source", "external_id", "make", "model", "year", "trim", "ignore"}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             required,
	}
}

// ResponseFormat wraps the listing schema the way the chat completions API expects it.
func ResponseFormat() map[string]any {
	return map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   ListingSchemaName,
			"schema": BuildListingJSONSchema(),
		},
	}
}

func nonEmptyString() map[string]any {
	return map[string]any{"type": "string", "minLength": 1}
}
