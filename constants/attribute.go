package constants

import (
	"fmt"
	"strings"
)

// Attribute is a listing column that can be filtered on or enumerated.
type Attribute string

const (
	AttrMake         Attribute = "make"
	AttrModel        Attribute = "model"
	AttrYear         Attribute = "year"
	AttrTrim         Attribute = "trim"
	AttrColor        Attribute = "color"
	AttrFuelType     Attribute = "fuel_type"
	AttrDoors        Attribute = "doors"
	AttrTransmission Attribute = "transmission"
	AttrEngine       Attribute = "engine"
	AttrBodyType     Attribute = "body_type"
	AttrOdometer     Attribute = "odometer_km"
	AttrSteering     Attribute = "steering"
	AttrSource       Attribute = "source"
	AttrCurrency     Attribute = "currency"
)

var allAttributes = []Attribute{
	AttrMake,
	AttrModel,
	AttrYear,
	AttrTrim,
	AttrColor,
	AttrFuelType,
	AttrDoors,
	AttrTransmission,
	AttrEngine,
	AttrBodyType,
	AttrOdometer,
	AttrSteering,
	AttrSource,
	AttrCurrency,
}

// Column returns the SQL column backing the attribute. The value is always
// one of the fixed identifiers above, never user input.
func (a Attribute) Column() string {
	return string(a)
}

// Numeric reports whether the column holds integers.
func (a Attribute) Numeric() bool {
	return a == AttrOdometer
}

// Attributes returns every filterable attribute in display order.
func Attributes() []Attribute {
	out := make([]Attribute, len(allAttributes))
	copy(out, allAttributes)
	return out
}

// ParseAttribute resolves a user supplied name, rejecting anything outside the fixed set.
func ParseAttribute(name string) (Attribute, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))

	synonyms := map[string]Attribute{
		"brand":      AttrMake,
		"version":    AttrTrim,
		"fuel":       AttrFuelType,
		"body":       AttrBodyType,
		"kilometers": AttrOdometer,
		"odometer":   AttrOdometer,
		"km":         AttrOdometer,
	}
	if a, ok := synonyms[normalized]; ok {
		return a, nil
	}
	for _, a := range allAttributes {
		if normalized == string(a) {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown attribute %q", name)
}
