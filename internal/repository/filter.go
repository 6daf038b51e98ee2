package repository

import (
	"fmt"
	"strconv"
	"strings"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/lib/pq"

	"github.com/joseph-ayodele/listings-pipeline/constants"
)

// Condition matches listings whose attribute equals any of Values.
type Condition struct {
	Attr   constants.Attribute
	Values []string
}

// Filter is an AND of per-attribute OR conditions over the fixed listing attributes.
// Ignored (financing-only) listings are excluded unless IncludeIgnored is set.
type Filter struct {
	IncludeIgnored bool
	conditions     []Condition
}

// Add appends values to the condition for attr. Numeric attributes reject non-integers.
func (f *Filter) Add(attr constants.Attribute, values ...string) error {
	if _, err := constants.ParseAttribute(string(attr)); err != nil {
		return err
	}
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if attr.Numeric() {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				return fmt.Errorf("attribute %s: %q is not an integer", attr, v)
			}
		}
		cleaned = append(cleaned, v)
	}
	if len(cleaned) == 0 {
		return fmt.Errorf("attribute %s: no values", attr)
	}
	for i := range f.conditions {
		if f.conditions[i].Attr == attr {
			f.conditions[i].Values = append(f.conditions[i].Values, cleaned...)
			return nil
		}
	}
	f.conditions = append(f.conditions, Condition{Attr: attr, Values: cleaned})
	return nil
}

// AddNamed resolves name first; unknown attribute names are rejected.
func (f *Filter) AddNamed(name string, values ...string) error {
	attr, err := constants.ParseAttribute(name)
	if err != nil {
		return err
	}
	return f.Add(attr, values...)
}

// Conditions returns a copy of the conditions in insertion order.
func (f *Filter) Conditions() []Condition {
	if f == nil {
		return nil
	}
	out := make([]Condition, len(f.conditions))
	copy(out, f.conditions)
	return out
}

func (f *Filter) includeIgnored() bool {
	return f != nil && f.IncludeIgnored
}

// predicates renders the filter with the postgres dialect. Each condition
// binds one array argument.
func (f *Filter) predicates() []*entsql.Predicate {
	var preds []*entsql.Predicate
	if !f.includeIgnored() {
		preds = append(preds, entsql.EQ("ignore", false))
	}
	for _, c := range f.Conditions() {
		preds = append(preds, anyOf(c))
	}
	return preds
}

// selectListings starts a postgres SELECT over listings narrowed by f.
func selectListings(f *Filter, columns ...string) *entsql.Selector {
	s := entsql.Dialect(dialect.Postgres).Select(columns...).From(entsql.Table("listings"))
	if preds := f.predicates(); len(preds) > 0 {
		s.Where(entsql.And(preds...))
	}
	return s
}

func anyOf(c Condition) *entsql.Predicate {
	col, arg := c.Attr.Column(), arrayArg(c)
	cast := "::text[])"
	if c.Attr.Numeric() {
		cast = "::bigint[])"
	}
	return entsql.P(func(b *entsql.Builder) {
		b.Ident(col).WriteString(" = ANY(").Arg(arg).WriteString(cast)
	})
}
func arrayArg(c Condition) any {
	if !c.Attr.Numeric() {
		return pq.Array(c.Values)
	}
	nums := make([]int64, 0, len(c.Values))
	for _, v := range c.Values {
		n, _ := strconv.ParseInt(v, 10, 64)
		nums = append(nums, n)
	}
	return pq.Array(nums)
}
