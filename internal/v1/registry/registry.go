// Package registry is the process-wide mapping from a locally assigned
// client identifier to a record describing an authenticated client, plus
// the Bounce -> Bounced fanout router that reads it.
package registry

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/apxproxy/apx/internal/v1/codec"
	"github.com/apxproxy/apx/internal/v1/logging"
	"github.com/apxproxy/apx/internal/v1/metrics"
	"github.com/apxproxy/apx/internal/v1/sharedstate"
	"go.uber.org/zap"
)

// ClientID is a process-wide monotonically increasing identifier, never
// reused for the process lifetime.
type ClientID uint64

var nextClientID atomic.Uint64

// AllocateID returns the next ClientID. Safe for concurrent use.
func AllocateID() ClientID {
	return ClientID(nextClientID.Add(1))
}

// ResponseKind distinguishes the three shapes the shared response channel
// accepts.
type ResponseKind int

const (
	// ResponseValues carries a command list still to be serialized.
	ResponseValues ResponseKind = iota
	// ResponseRaw carries an already-serialized text frame, shared by
	// reference across every recipient of a single Bounced fanout.
	ResponseRaw
	// ResponsePong carries a ping payload to echo back verbatim.
	ResponsePong
)

// Response is one item enqueued on a client's response channel.
type Response struct {
	Kind   ResponseKind
	Values []codec.Command
	Raw    string
	Pong   []byte
}

// responseChannelCapacity is the bound on each client's response channel
// (§4.7): full channels drop rather than block the sender.
const responseChannelCapacity = 32

// NewResponseChannel returns a channel sized per the shared response
// channel's fixed capacity.
func NewResponseChannel() chan Response {
	return make(chan Response, responseChannelCapacity)
}

// ClientEntry describes one authenticated client for bounce routing
// purposes.
type ClientEntry struct {
	ID     ClientID
	Slot   uint32
	Team   uint32
	Game   string
	Tags   []string
	Sender chan<- Response
}

// Registry guards its client map with reader/writer discipline: many
// readers (every pipeline routing a bounce), exclusive writers (register,
// deregister, update_tags).
type Registry struct {
	mu      sync.RWMutex
	clients map[ClientID]*ClientEntry
}

func New() *Registry {
	return &Registry{clients: make(map[ClientID]*ClientEntry)}
}

// Register inserts entry. Must be called at most once per id.
func (r *Registry) Register(id ClientID, entry *ClientEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[id] = entry
	metrics.RegisteredClients.Set(float64(len(r.clients)))
}

// Deregister removes id. Idempotent.
func (r *Registry) Deregister(id ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	metrics.RegisteredClients.Set(float64(len(r.clients)))
}

// UpdateTags replaces the tag set for a registered client. No-op if absent.
func (r *Registry) UpdateTags(id ClientID, tags []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.clients[id]; ok {
		entry.Tags = tags
	}
}

// Len reports the number of currently registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// bounceFilter is the typed view extracted from a raw Bounce command: any
// axis left empty is unrestricted.
type bounceFilter struct {
	slots []int
	teams []int
	games []string
	tags  []string
}

func parseBounceFilter(bounce codec.Command) bounceFilter {
	return bounceFilter{
		slots: codec.IntSliceField(bounce, "slots"),
		teams: codec.IntSliceField(bounce, "teams"),
		games: codec.StringSliceField(bounce, "games"),
		tags:  codec.StringSliceField(bounce, "tags"),
	}
}

func (f bounceFilter) matches(senderTeam uint32, c *ClientEntry) bool {
	if len(f.slots) > 0 && !containsInt(f.slots, int(c.Slot)) {
		return false
	}
	if len(f.teams) > 0 && !containsInt(f.teams, int(senderTeam)) {
		return false
	}
	if len(f.games) > 0 && !codec.ContainsString(f.games, c.Game) {
		return false
	}
	if len(f.tags) > 0 && !tagsIntersect(f.tags, c.Tags) {
		return false
	}
	return true
}

func containsInt(list []int, v int) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

func tagsIntersect(a, b []string) bool {
	for _, x := range a {
		if codec.ContainsString(b, x) {
			return true
		}
	}
	return false
}

// RouteBounce parses a raw Bounce command, relabels it Bounced, serializes
// it once, and enqueues it on every matching, non-excluded client's response
// channel. roomID is not read by the routing logic.
func (r *Registry) RouteBounce(
	ctx context.Context,
	senderID ClientID,
	bounce codec.Command,
	exclusions *sharedstate.ExclusionSet,
	probability *sharedstate.Probability,
	roomID string,
) {
	filter := parseBounceFilter(bounce)
	isDeathLink := codec.ContainsString(filter.tags, "DeathLink")

	bounced := make(codec.Command, len(bounce))
	for k, v := range bounce {
		bounced[k] = v
	}
	codec.SetName(bounced, "Bounced")

	serialized, err := codec.Serialize([]codec.Command{bounced})
	if err != nil {
		logging.Warn(ctx, "failed to serialize Bounced message for routing", zap.Error(err))
		return
	}
	raw := string(serialized)

	r.mu.RLock()
	defer r.mu.RUnlock()

	sender, ok := r.clients[senderID]
	if !ok {
		return
	}
	senderTeam := sender.Team

	for _, client := range r.clients {
		if !filter.matches(senderTeam, client) {
			continue
		}

		if isDeathLink {
			if exclusions.Contains(client.Slot) {
				metrics.DeathLinksRouted.WithLabelValues("excluded").Inc()
				continue
			}
			p := probability.Get()
			if p < 1.0 && rand.Float64() >= p {
				metrics.DeathLinksRouted.WithLabelValues("probability_skip").Inc()
				continue
			}
		}

		select {
		case client.Sender <- Response{Kind: ResponseRaw, Raw: raw}:
			metrics.MessagesTotal.WithLabelValues("Bounced", "upstream_to_client").Inc()
			if isDeathLink {
				metrics.DeathLinksRouted.WithLabelValues("delivered").Inc()
			}
		default:
			// Channel full: drop for this recipient only, per §4.3/§4.7.
		}
	}
}
