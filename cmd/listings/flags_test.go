package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listings-pipeline/constants"
)

func TestParseAttrFlags(t *testing.T) {
	f, err := parseAttrFlags([]string{"make=Toyota,TOYOTA", "brand=Ford", "odometer_km=85000"}, false)
	require.NoError(t, err)
	assert.False(t, f.IncludeIgnored)

	conds := f.Conditions()
	require.Len(t, conds, 2)
	assert.Equal(t, constants.AttrMake, conds[0].Attr)
	assert.Equal(t, []string{"Toyota", "TOYOTA", "Ford"}, conds[0].Values)
	assert.Equal(t, constants.AttrOdometer, conds[1].Attr)
}

func TestParseAttrFlags_Rejects(t *testing.T) {
	for _, in := range []string{"make", "=Toyota", "price=100", "odometer_km=lots", "make=,"} {
		_, err := parseAttrFlags([]string{in}, false)
		assert.Error(t, err, in)
	}
}

func TestRootCommandWiresSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"build", "track", "sweep", "parse", "import", "export", "values", "price-range", "migrate", "status"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
