package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type repairTarget struct {
	Entities []rawEntity `json:"entities"`
}

func TestRepairCleanJSON(t *testing.T) {
	var out repairTarget
	ok := RepairJSON(`{"entities": [{"name": "Lena", "entity_type": "person"}]}`, &out)
	require.True(t, ok)
	require.Len(t, out.Entities, 1)
	assert.Equal(t, "Lena", out.Entities[0].Name)
}

func TestRepairStripsMarkdownFences(t *testing.T) {
	raw := "Here you go:\n```json\n{\"entities\": [{\"name\": \"Lena\", \"entity_type\": \"person\"}]}\n```\nHope that helps!"
	var out repairTarget
	require.True(t, RepairJSON(raw, &out))
	assert.Len(t, out.Entities, 1)
}

func TestRepairExtractsFirstBlockFromProse(t *testing.T) {
	raw := `Sure. The extraction is {"entities": [{"name": "Malbec", "entity_type": "concept"}]} as requested.`
	var out repairTarget
	require.True(t, RepairJSON(raw, &out))
	assert.Equal(t, "Malbec", out.Entities[0].Name)
}

func TestRepairTrailingCommas(t *testing.T) {
	raw := `{"entities": [{"name": "Lena", "entity_type": "person",},],}`
	var out repairTarget
	require.True(t, RepairJSON(raw, &out))
	assert.Len(t, out.Entities, 1)
}

func TestRepairBalancesUnclosedBrackets(t *testing.T) {
	raw := `{"entities": [{"name": "Lena", "entity_type": "person"}`
	var out repairTarget
	require.True(t, RepairJSON(raw, &out))
	assert.Len(t, out.Entities, 1)
}

func TestRepairRespectsStringsWithBrackets(t *testing.T) {
	raw := `{"entities": [{"name": "Smiley }", "entity_type": "concept"}]}`
	var out repairTarget
	require.True(t, RepairJSON(raw, &out))
	assert.Equal(t, "Smiley }", out.Entities[0].Name)
}

func TestRepairGivesUpGracefully(t *testing.T) {
	var out repairTarget
	assert.False(t, RepairJSON("", &out))
	assert.False(t, RepairJSON("   ", &out))
	assert.False(t, RepairJSON("no json here at all", &out))
}

func TestRepairBareArray(t *testing.T) {
	var arr []rawEntity
	require.True(t, RepairJSON(`[{"name": "Lena", "entity_type": "person"}]`, &arr))
	assert.Len(t, arr, 1)
}
