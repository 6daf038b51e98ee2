package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"strconv"
	"strings"
)

var knownFields = map[string]struct{}{
	"price": {}, "currency": {}, "url": {}, "source": {}, "external_id": {},
	"make": {}, "model": {}, "year": {}, "trim": {}, "color": {}, "fuel_type": {},
	"doors": {}, "transmission": {}, "engine": {}, "body_type": {}, "odometer_km": {},
	"steering": {}, "other_info": {}, "ignore": {},
}

// synonyms maps names models tend to produce (often the Spanish labels of the listing) onto ours.
var synonyms = map[string]string{
	"precio":              "price",
	"moneda":              "currency",
	"currency_code":       "currency",
	"marca":               "make",
	"brand":               "make",
	"modelo":              "model",
	"version":             "trim",
	"anio":                "year",
	"tipo_de_combustible": "fuel_type",
	"combustible":         "fuel_type",
	"fuel":                "fuel_type",
	"puertas":             "doors",
	"transmision":         "transmission",
	"motor":               "engine",
	"tipo_de_carroceria":  "body_type",
	"carroceria":          "body_type",
	"kilometros":          "odometer_km",
	"kilometers":          "odometer_km",
	"mileage":             "odometer_km",
	"direccion":           "steering",
	"id":                  "external_id",
}

// stringFields are typed as strings in the schema; models often emit them as numbers.
var stringFields = map[string]struct{}{
	"year": {}, "doors": {}, "external_id": {}, "trim": {}, "engine": {},
}

// NormalizeAndSanitizeJSON
// - Renames known synonyms (marca -> make, kilometros -> odometer_km)
// - Trims strings and drops null/empty values
// - Turns numbers in string fields into strings (2015 -> "2015")
// - Upper-cases the currency code, filling in defaultCurrency when missing
// - Removes unknown keys (strict additionalProperties = false friendliness)
func NormalizeAndSanitizeJSON(raw []byte, defaultCurrency string, logger *slog.Logger) ([]byte, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	dropped := make([]string, 0, 8)

	// 1) rename synonyms to our schema
	for from, to := range synonyms {
		v, ok := m[from]
		if !ok {
			continue
		}
		// don't overwrite existing value if already present
		if _, exists := m[to]; !exists {
			m[to] = v
		}
		delete(m, from)
		dropped = append(dropped, from+"->"+to)
	}

	// 2) trim strings, drop nulls and empties
	for k, v := range maps.Clone(m) {
		switch t := v.(type) {
		case nil:
			delete(m, k)
			dropped = append(dropped, k+"(null)")
		case string:
			s := strings.TrimSpace(t)
			if s == "" && k != "trim" {
				delete(m, k)
				dropped = append(dropped, k+"(empty)")
			} else {
				m[k] = s
			}
		case float64:
			if _, ok := stringFields[k]; ok {
				m[k] = formatNumber(t)
			}
		}
	}

	if v, ok := m["currency"].(string); ok {
		m["currency"] = strings.ToUpper(v)
	} else if _, present := m["currency"]; !present {
		if def := strings.ToUpper(strings.TrimSpace(defaultCurrency)); def != "" {
			m["currency"] = def
			dropped = append(dropped, "currency(default)")
		}
	}

	// 3) remove unknown keys
	for k := range maps.Clone(m) {
		if _, ok := knownFields[k]; !ok {
			delete(m, k)
			dropped = append(dropped, k+"(unknown)")
		}
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, dropped, fmt.Errorf("sanitize: encode: %w", err)
	}
	if len(dropped) > 0 {
		logger.Debug("llm.extract.normalize_sanitize", "dropped", dropped)
	}
	return out, dropped, nil
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
