package http

import (
	"context"
	"net/http"

	"github.com/dkeye/meetsync/internal/adapters/auth"
	"github.com/dkeye/meetsync/internal/adapters/signal"
	"github.com/dkeye/meetsync/internal/app/orch"
	"github.com/dkeye/meetsync/internal/config"
	"github.com/dkeye/meetsync/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Ready reports whether the server can take meeting traffic.
type Ready func() bool

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, resolver *auth.Resolver, ready Ready) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MeetSyncSessions", store))

	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		if ready != nil && !ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "connections": o.Registry.Count()})
	})

	limiter := signal.NewRoomRateLimiter(cfg.RateLimit.Messages, cfg.RateLimit.Interval)
	ctrl := signal.NewSignalWSController(o, limiter, signal.Settings{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.SendBuffer,
	})
	stream := NewActiveMeetingsStream(o)

	log.Info().Str("module", "adapters.http").Bool("meetings", cfg.MeetingsEnabled).Msg("router setup")

	api := r.Group("/api", auth.Middleware(resolver))

	api.GET("/ws/meetings", func(c *gin.Context) {
		if !cfg.MeetingsEnabled {
			c.JSON(http.StatusNotFound, gin.H{"error": "meetings are disabled"})
			return
		}
		ctrl.HandleSignal(ctx, c)
	})

	api.POST("/observer-invites", func(c *gin.Context) {
		ident, _ := auth.IdentityFrom(c)
		if !cfg.AllowObservers {
			c.JSON(http.StatusNotFound, gin.H{"error": "observers are disabled"})
			return
		}
		if ident.Observer {
			c.JSON(http.StatusForbidden, gin.H{"error": "observers cannot invite"})
			return
		}
		invite, err := resolver.IssueInvite(ident.OrganizationID, ident.TeamID, cfg.InviteTTL)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("issue observer invite")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue invite"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"invite": invite, "expiresIn": int(cfg.InviteTTL.Seconds())})
	})

	api.GET("/meetings/active", func(c *gin.Context) {
		ident, _ := auth.IdentityFrom(c)
		c.JSON(http.StatusOK, gin.H{"meetings": o.ActiveMeetings(ident.OrganizationID)})
	})

	api.GET("/meetings/active/events", stream.Handle)

	api.GET("/meetings/:roomKey", func(c *gin.Context) {
		ident, _ := auth.IdentityFrom(c)
		info, ok := o.Probe(domain.RoomKey(c.Param("roomKey")))
		if !ok || info.OrganizationID != ident.OrganizationID {
			c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	api.GET("/stats", func(c *gin.Context) {
		ident, _ := auth.IdentityFrom(c)
		c.JSON(http.StatusOK, o.Stats(ident.OrganizationID))
	})

	return r
}
