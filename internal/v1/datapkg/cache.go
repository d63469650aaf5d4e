// Package datapkg holds the immutable, pre-serialized DataPackage response
// and serves it, optionally projected to a subset of games, without ever
// contacting the upstream server again.
package datapkg

import (
	"encoding/json"
	"fmt"

	"github.com/apxproxy/apx/internal/v1/codec"
)

// Cache is built once at startup and never mutated afterward; every read is
// a reference to the same underlying immutable string or a small projection
// computed from the cached games map.
type Cache struct {
	fullResponse string
	games        map[string]json.RawMessage
}

// NewCache builds a Cache from the raw single-command DataPackage frame
// received from upstream (a one-element JSON array: `[{"cmd":"DataPackage",
// "data":{"games":{...}}}]`).
func NewCache(dataPackageFrame []byte) (*Cache, error) {
	cmds, err := codec.Parse(dataPackageFrame)
	if err != nil {
		return nil, fmt.Errorf("datapkg: %w", err)
	}
	if len(cmds) != 1 || codec.Name(cmds[0]) != "DataPackage" {
		return nil, fmt.Errorf("datapkg: expected a single DataPackage command")
	}

	data := codec.ObjectField(cmds[0], "data")
	gamesRaw, ok := data["games"]
	if !ok {
		return nil, fmt.Errorf("datapkg: DataPackage command missing data.games")
	}

	gamesBytes, err := json.Marshal(gamesRaw)
	if err != nil {
		return nil, fmt.Errorf("datapkg: %w", err)
	}
	var games map[string]json.RawMessage
	if err := json.Unmarshal(gamesBytes, &games); err != nil {
		return nil, fmt.Errorf("datapkg: data.games is not an object: %w", err)
	}

	full, err := json.Marshal(cmds)
	if err != nil {
		return nil, fmt.Errorf("datapkg: %w", err)
	}

	return &Cache{fullResponse: string(full), games: games}, nil
}

// FullResponse returns the cached DataPackage response: the upstream frame
// as parsed and re-serialized once by NewCache.
func (c *Cache) FullResponse() string {
	return c.fullResponse
}

// ResponseForGames projects the cache so only the listed games remain. An
// empty list is equivalent to FullResponse.
func (c *Cache) ResponseForGames(games []string) string {
	if len(games) == 0 {
		return c.fullResponse
	}
	wanted := make(map[string]struct{}, len(games))
	for _, g := range games {
		wanted[g] = struct{}{}
	}
	return c.project(func(name string) bool {
		_, keep := wanted[name]
		return keep
	})
}

// ResponseExcludingGames projects the cache so the listed games are
// removed. An empty list is equivalent to FullResponse.
func (c *Cache) ResponseExcludingGames(excl []string) string {
	if len(excl) == 0 {
		return c.fullResponse
	}
	excluded := make(map[string]struct{}, len(excl))
	for _, g := range excl {
		excluded[g] = struct{}{}
	}
	return c.project(func(name string) bool {
		_, drop := excluded[name]
		return !drop
	})
}

func (c *Cache) project(keep func(name string) bool) string {
	projected := make(map[string]json.RawMessage, len(c.games))
	for name, payload := range c.games {
		if keep(name) {
			projected[name] = payload
		}
	}

	cmd := codec.Command{
		"cmd":  "DataPackage",
		"data": codec.Command{"games": projected},
	}

	out, err := codec.Serialize([]codec.Command{cmd})
	if err != nil {
		// Marshaling a map of already-valid json.RawMessage cannot fail;
		// fall back to the full response rather than panic on the serve path.
		return c.fullResponse
	}
	return string(out)
}
