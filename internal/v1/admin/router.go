// Package admin exposes the operator-facing HTTP surface: lobby password
// refresh, the DeathLink exclusion set, DeathLink history, the DeathLink
// delivery probability, and Prometheus metrics. Every /api route is gated by
// a shared API key and rate limited; /metrics is gated by the key only.
// Mirrors api.rs's Rocket routes translated into gin.
package admin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/apxproxy/apx/internal/v1/auth"
	"github.com/apxproxy/apx/internal/v1/cache"
	"github.com/apxproxy/apx/internal/v1/logging"
	"github.com/apxproxy/apx/internal/v1/persistence"
	"github.com/apxproxy/apx/internal/v1/ratelimit"
	"github.com/apxproxy/apx/internal/v1/sharedstate"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PasswordRefresher is satisfied by the lobby client.
type PasswordRefresher interface {
	RefreshPasswords(ctx context.Context) (map[uint32]string, error)
}

// Store is satisfied by persistence.Store; it exists so the admin routes
// can be exercised in tests without a live Postgres connection.
type Store interface {
	AddExclusion(ctx context.Context, roomID string, slot uint32) (bool, error)
	RemoveExclusion(ctx context.Context, roomID string, slot uint32) (bool, error)
	RoomDeathLinks(ctx context.Context, roomID string) ([]persistence.DeathLinkRecord, error)
	SetProbability(ctx context.Context, roomID string, percentage float64) (float64, error)
}

// Router builds the admin HTTP surface.
type Router struct {
	guard       *auth.APIKeyGuard
	limiter     *ratelimit.RateLimiter
	store       Store
	cache       *cache.Service
	passwords   *sharedstate.Passwords
	exclusions  *sharedstate.ExclusionSet
	probability *sharedstate.Probability
	lobby       PasswordRefresher
	roomID      string
}

// New builds a Router wired to this room's shared state and backing stores.
func New(
	guard *auth.APIKeyGuard,
	limiter *ratelimit.RateLimiter,
	store Store,
	cacheSvc *cache.Service,
	passwords *sharedstate.Passwords,
	exclusions *sharedstate.ExclusionSet,
	probability *sharedstate.Probability,
	lobby PasswordRefresher,
	roomID string,
) *Router {
	return &Router{
		guard:       guard,
		limiter:     limiter,
		store:       store,
		cache:       cacheSvc,
		passwords:   passwords,
		exclusions:  exclusions,
		probability: probability,
		lobby:       lobby,
		roomID:      roomID,
	}
}

// Register attaches every admin route to engine.
func (r *Router) Register(engine *gin.Engine) {
	group := engine.Group("/api")
	group.Use(r.guard.Middleware(), r.limiter.GlobalMiddleware())

	group.POST("/refresh_passwords", r.limiter.MiddlewareForEndpoint("refresh"), r.refreshPasswords)
	group.GET("/deathlink_exclusions", r.listExclusions)
	group.POST("/deathlink_exclusions/:slot", r.limiter.MiddlewareForEndpoint("deathlink"), r.addExclusion)
	group.DELETE("/deathlink_exclusions/:slot", r.limiter.MiddlewareForEndpoint("deathlink"), r.removeExclusion)
	group.GET("/deathlinks/:room_id", r.listDeathLinks)
	group.GET("/deathlink_probability", r.getProbability)
	group.PUT("/deathlink_probability", r.limiter.MiddlewareForEndpoint("deathlink"), r.setProbability)

	engine.GET("/metrics", r.guard.Middleware(), gin.WrapH(promhttp.Handler()))
}

// refreshPasswords handles POST /api/refresh_passwords: pulls the current
// slot -> password table from the lobby service and swaps it into shared
// state, then notifies other instances via Redis pub/sub.
func (r *Router) refreshPasswords(c *gin.Context) {
	ctx := c.Request.Context()
	table, err := r.lobby.RefreshPasswords(ctx)
	if err != nil {
		logging.Error(ctx, "refresh_passwords failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "lobby refresh failed"})
		return
	}

	r.passwords.Replace(table)
	if err := r.cache.PublishUpdate(ctx, r.roomID, "passwords", nil); err != nil {
		logging.Warn(ctx, "failed to publish password update", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"slots_loaded": len(table)})
}

// listExclusions handles GET /api/deathlink_exclusions.
func (r *Router) listExclusions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"excluded_slots": r.exclusions.Sorted()})
}

// addExclusion handles POST /api/deathlink_exclusions/:slot.
func (r *Router) addExclusion(c *gin.Context) {
	ctx := c.Request.Context()
	slot, ok := parseSlot(c)
	if !ok {
		return
	}

	added, err := r.store.AddExclusion(ctx, r.roomID, slot)
	if err != nil {
		logging.Error(ctx, "add exclusion failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist exclusion"})
		return
	}

	r.exclusions.Add(slot)
	if err := r.cache.PublishUpdate(ctx, r.roomID, "exclusions", nil); err != nil {
		logging.Warn(ctx, "failed to publish exclusion update", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"slot": slot, "added": added})
}

// removeExclusion handles DELETE /api/deathlink_exclusions/:slot.
func (r *Router) removeExclusion(c *gin.Context) {
	ctx := c.Request.Context()
	slot, ok := parseSlot(c)
	if !ok {
		return
	}

	removed, err := r.store.RemoveExclusion(ctx, r.roomID, slot)
	if err != nil {
		logging.Error(ctx, "remove exclusion failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist exclusion removal"})
		return
	}

	r.exclusions.Remove(slot)
	if err := r.cache.PublishUpdate(ctx, r.roomID, "exclusions", nil); err != nil {
		logging.Warn(ctx, "failed to publish exclusion update", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"slot": slot, "removed": removed})
}

// listDeathLinks handles GET /api/deathlinks/:room_id.
func (r *Router) listDeathLinks(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param("room_id")

	records, err := r.store.RoomDeathLinks(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "list deathlinks failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load deathlinks"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deathlinks": records})
}

// getProbability handles GET /api/deathlink_probability.
func (r *Router) getProbability(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"probability": r.probability.Get()})
}

// setProbabilityRequest carries the DeathLink delivery probability as a
// percentage in [0, 100]; the store clamps and converts it to the [0, 1]
// fraction that sharedstate.Probability and the pipeline's delivery roll use.
type setProbabilityRequest struct {
	Probability float64 `json:"probability"`
}

// setProbability handles PUT /api/deathlink_probability.
func (r *Router) setProbability(c *gin.Context) {
	ctx := c.Request.Context()
	var req setProbabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body, expected {\"probability\": float}"})
		return
	}

	fraction, err := r.store.SetProbability(ctx, r.roomID, req.Probability)
	if err != nil {
		logging.Error(ctx, "set probability failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist probability"})
		return
	}

	r.probability.Set(fraction)
	if err := r.cache.PublishUpdate(ctx, r.roomID, "probability", fraction); err != nil {
		logging.Warn(ctx, "failed to publish probability update", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"probability": fraction})
}

func parseSlot(c *gin.Context) (uint32, bool) {
	raw := c.Param("slot")
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slot must be a non-negative integer"})
		return 0, false
	}
	return uint32(v), true
}
