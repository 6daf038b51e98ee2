package repository

import (
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listings-pipeline/constants"
)

func TestFilter_ExcludesIgnoredByDefault(t *testing.T) {
	var f *Filter
	query, args := selectListings(f, "id").Query()
	assert.True(t, strings.HasPrefix(query, `SELECT "id" FROM "listings" WHERE `), query)
	assert.Contains(t, query, `"ignore" = $1`)
	assert.Equal(t, []any{false}, args)

	query, args = selectListings(&Filter{}, "id").Query()
	assert.Contains(t, query, `"ignore" = $1`)
	assert.Equal(t, []any{false}, args)
}

func TestFilter_IncludeIgnoredWithoutConditions(t *testing.T) {
	f := &Filter{IncludeIgnored: true}
	query, args := selectListings(f, "id").Query()
	assert.Equal(t, `SELECT "id" FROM "listings"`, query)
	assert.Empty(t, args)
}

func TestFilter_RendersConditionsInOrder(t *testing.T) {
	f := &Filter{}
	require.NoError(t, f.Add(constants.AttrMake, "Toyota", "TOYOTA"))
	require.NoError(t, f.AddNamed("km", "85000"))
	require.NoError(t, f.AddNamed("brand", "Ford"))

	query, args := selectListings(f, "id").Query()
	assert.Contains(t, query, `"ignore" = $1`)
	assert.Contains(t, query, `"make" = ANY($2::text[])`)
	assert.Contains(t, query, `"odometer_km" = ANY($3::bigint[])`)
	assert.Less(t, strings.Index(query, `"make"`), strings.Index(query, `"odometer_km"`))
	require.Len(t, args, 3)
	assert.Equal(t, pq.Array([]string{"Toyota", "TOYOTA", "Ford"}), args[1])
	assert.Equal(t, pq.Array([]int64{85000}), args[2])

	conds := f.Conditions()
	require.Len(t, conds, 2)
	assert.Equal(t, []string{"Toyota", "TOYOTA", "Ford"}, conds[0].Values)
}

func TestFilter_RejectsUnknownAttribute(t *testing.T) {
	f := &Filter{}
	err := f.AddNamed("price", "100")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown attribute")
	assert.Empty(t, f.Conditions())
}

func TestFilter_NumericValuesMustBeIntegers(t *testing.T) {
	f := &Filter{}
	require.Error(t, f.Add(constants.AttrOdometer, "lots"))
	require.Error(t, f.Add(constants.AttrModel, "  ", ""))
	require.NoError(t, f.Add(constants.AttrOdometer, " 120000 "))
	assert.Equal(t, []string{"120000"}, f.Conditions()[0].Values)
}
