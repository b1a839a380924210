package entitlement

import (
	"testing"

	"github.com/antigravity/keygate/internal/config"
	"github.com/antigravity/keygate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTable(t *testing.T) {
	table := DefaultTable()

	tiers := table.Tiers()
	require.Len(t, tiers, 3)
	assert.Equal(t, models.PlanFree, tiers[0].Name)
	assert.Equal(t, models.PlanPro, tiers[2].Name)

	free, ok := table.Get(models.PlanFree)
	require.True(t, ok)
	assert.True(t, free.Allows(models.CapabilityChat))
	assert.False(t, free.Allows(models.CapabilitySummarize))
	assert.True(t, free.EnforcesRate())
	assert.Equal(t, "0", free.Price.String())

	basic, _ := table.Get(models.PlanBasic)
	assert.False(t, basic.EnforcesRate())
	assert.True(t, basic.AllowsLanguage("Hindi"))
	assert.False(t, basic.AllowsLanguage("klingon"))
	assert.True(t, basic.AllowsTone("sarcastic"))

	pro, _ := table.Get(models.PlanPro)
	for _, c := range models.AllCapabilities {
		assert.True(t, pro.Allows(c), "pro should allow %s", c)
	}
	assert.Equal(t, "299", pro.Price.String())

	assert.False(t, table.Has(models.Plan("enterprise")))
}

func TestTier_EmptyValuesUseDefaults(t *testing.T) {
	free, _ := DefaultTable().Get(models.PlanFree)
	assert.True(t, free.AllowsLanguage(""))
	assert.True(t, free.AllowsTone("  "))
	assert.False(t, free.AllowsTone("creative"))
}

func TestFromConfig(t *testing.T) {
	table, err := FromConfig([]config.TierConfig{
		{Name: "Team", RatePerMinute: 50, Capabilities: []string{"chat", "code"}, Price: "49.50"},
	})
	require.NoError(t, err)

	tier, ok := table.Get(models.Plan("team"))
	require.True(t, ok)
	assert.True(t, tier.Allows(models.CapabilityCode))
	assert.Equal(t, "49.5", tier.Price.String())

	_, err = FromConfig([]config.TierConfig{{Name: "x", Capabilities: []string{"teleport"}}})
	assert.Error(t, err)

	_, err = FromConfig([]config.TierConfig{{Name: "x", Price: "cheap"}})
	assert.Error(t, err)

	// 空列表使用内置套餐
	table, err = FromConfig(nil)
	require.NoError(t, err)
	assert.Len(t, table.Tiers(), 3)
}

func TestNewTable_Rejects(t *testing.T) {
	_, err := NewTable(nil)
	assert.Error(t, err)

	_, err = NewTable([]Tier{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)

	_, err = NewTable([]Tier{{Name: "a", RatePerMinute: -1}})
	assert.Error(t, err)
}
