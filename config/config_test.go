package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b/cloudkit/config"
)

func TestLoadDefaults(t *testing.T) {
	var c config.Config
	c.LoadDefaults()

	assert.Equal(t, ":8080", c.ListenAddr)
	assert.Equal(t, "memory", c.Backend)
	assert.Equal(t, []string{"*"}, c.AllowedOrigins)
	assert.Empty(t, c.Collections)
	assert.NotNil(t, c.Schemas)
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	c := config.LoadConfig()
	require.NotNil(t, c)
	assert.Equal(t, "memory", c.Backend)
}

func TestValidateRejectsBadIdentifiers(t *testing.T) {
	var c config.Config
	c.LoadDefaults()

	c.Collections = []string{"foos/bar"}
	assert.Error(t, c.Validate())

	c.Collections = []string{""}
	assert.Error(t, c.Validate())

	c.Collections = []string{"foos"}
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsViewObservingUnknownCollection(t *testing.T) {
	var c config.Config
	c.LoadDefaults()
	c.Collections = []string{"fruits"}
	c.Views = []config.ViewSpec{{Name: "by_color", ObservedCollection: "vegetables", ExtractKeys: []string{"color"}}}
	assert.Error(t, c.Validate())

	c.Views[0].ObservedCollection = "fruits"
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsNameCollision(t *testing.T) {
	var c config.Config
	c.LoadDefaults()
	c.Collections = []string{"fruits"}
	c.Views = []config.ViewSpec{{Name: "fruits", ObservedCollection: "fruits"}}
	assert.Error(t, c.Validate())
}

func TestViewDefs(t *testing.T) {
	var c config.Config
	c.LoadDefaults()
	c.Views = []config.ViewSpec{{Name: "by_color", ObservedCollection: "fruits", ExtractKeys: []string{"color"}}}

	defs := c.ViewDefs()
	require.Len(t, defs, 1)
	assert.Equal(t, "by_color", defs[0].Name)
	assert.Equal(t, "fruits", defs[0].Observed)
	assert.Equal(t, []string{"color"}, defs[0].ExtractKeys)
}
