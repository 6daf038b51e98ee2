package llm

import (
	"strings"
	"unicode/utf8"
)

// maxListingChars bounds the listing text sent per request.
const maxListingChars = 12000

// BuildSystemPrompt composes the system message: what to extract, the
// financing rule for the ignore flag and formatting hygiene.
func BuildSystemPrompt(defaultCurrency string) string {
	defCur := strings.ToUpper(strings.TrimSpace(defaultCurrency))
	if defCur == "" {
		defCur = "ARS"
	}

	parts := []string{
		"You extract vehicle information from a marketplace listing. Return ONLY JSON that matches the provided JSON Schema.",
		"The listing text may be in Spanish; keep make, model and trim exactly as written by the seller.",
		"Currency must be a 3-letter ISO 4217 code such as ARS or USD; default to " + defCur + " if it cannot be deduced.",
		"'source' is the website the listing comes from, for example mercadolibre.com.ar.",
		"'external_id' is the listing id at the source; on mercadolibre.com.ar it is the number at the end of the URL.",
		"'trim' is the version, for example '1.9 Sd Trendline 60b' or 'CTV Pack'.",
		"'odometer_km' is the distance driven in kilometers as an integer.",
		"If the seller only offers the car through installment financing, set 'ignore' to true; otherwise false.",
		"Never output null. If an optional field is not present, omit it.",
	}
	return strings.Join(parts, " ")
}

// BuildUserPrompt returns the listing text, truncated to maxListingChars.
func BuildUserPrompt(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > maxListingChars {
		cut := maxListingChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

// Messages returns the chat messages for one listing.
func Messages(text, defaultCurrency string) []map[string]any {
	return []map[string]any{
		{"role": "system", "content": BuildSystemPrompt(defaultCurrency)},
		{"role": "user", "content": BuildUserPrompt(text)},
	}
}
