package llm

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	reNonDigit  = regexp.MustCompile(`[^\d]`)
	optStrings  = []string{"color", "fuel_type", "doors", "transmission", "engine", "body_type", "steering", "other_info"}
	optOdometer = "odometer_km"
)

// SanitizeOptionalFields removes or normalizes optional fields that don't meet our stricter schema,
// so the overall document can still validate. We only touch OPTIONALS.
func SanitizeOptionalFields(doc []byte) ([]byte, []string, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, nil, err
	}

	var dropped []string

	// odometer_km: accept "85.000 km", "85,000", 85000.0; drop anything else
	if v, ok := m[optOdometer]; ok {
		switch t := v.(type) {
		case float64:
			if t < 0 || math.IsNaN(t) {
				delete(m, optOdometer)
				dropped = append(dropped, optOdometer)
			} else {
				m[optOdometer] = int64(math.Round(t))
			}
		case string:
			digits := reNonDigit.ReplaceAllString(strings.TrimSpace(t), "")
			if n, err := strconv.ParseInt(digits, 10, 64); err == nil {
				m[optOdometer] = n
			} else {
				delete(m, optOdometer)
				dropped = append(dropped, optOdometer)
			}
		default:
			delete(m, optOdometer)
			dropped = append(dropped, optOdometer)
		}
	}

	for _, k := range optStrings {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			s := strings.TrimSpace(t)
			if s == "" || strings.EqualFold(s, "null") {
				delete(m, k)
				dropped = append(dropped, k)
			} else {
				m[k] = s
			}
		case float64:
			// doors: 5 -> "5", engine: 1.6 -> "1.6"
			m[k] = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			// unknown type -> drop
			delete(m, k)
			dropped = append(dropped, k)
		}
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, nil, err
	}
	return b, dropped, nil
}
