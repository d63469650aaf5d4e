package datapkg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFrame() []byte {
	return []byte(`[{"cmd":"DataPackage","data":{"games":{"A":{"item_name_to_id":{}},"B":{"item_name_to_id":{}}}}}]`)
}

func TestNewCacheFullResponse(t *testing.T) {
	c, err := NewCache(sampleFrame())
	require.NoError(t, err)
	assert.JSONEq(t, string(sampleFrame()), c.FullResponse())
}

func TestResponseForGames(t *testing.T) {
	c, err := NewCache(sampleFrame())
	require.NoError(t, err)

	projected := c.ResponseForGames([]string{"A"})

	var parsed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(projected), &parsed))
	games := parsed[0]["data"].(map[string]any)["games"].(map[string]any)
	assert.Contains(t, games, "A")
	assert.NotContains(t, games, "B")
}

func TestResponseExcludingGames(t *testing.T) {
	c, err := NewCache(sampleFrame())
	require.NoError(t, err)

	projected := c.ResponseExcludingGames([]string{"A"})

	var parsed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(projected), &parsed))
	games := parsed[0]["data"].(map[string]any)["games"].(map[string]any)
	assert.NotContains(t, games, "A")
	assert.Contains(t, games, "B")
}

func TestEmptyProjectionsEquivalentToFullResponse(t *testing.T) {
	c, err := NewCache(sampleFrame())
	require.NoError(t, err)

	assert.Equal(t, c.FullResponse(), c.ResponseForGames(nil))
	assert.Equal(t, c.FullResponse(), c.ResponseExcludingGames(nil))
}

func TestNewCacheRejectsWrongShape(t *testing.T) {
	_, err := NewCache([]byte(`[{"cmd":"RoomInfo"}]`))
	assert.Error(t, err)
}
