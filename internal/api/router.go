package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mirrorstack/mailmirror/internal/auth"
	"github.com/mirrorstack/mailmirror/internal/store"
	syncsvc "github.com/mirrorstack/mailmirror/internal/sync"
	"github.com/mirrorstack/mailmirror/internal/webhook"
)

// Syncer is the orchestrator surface the HTTP layer drives.
type Syncer interface {
	SyncAccount(ctx context.Context, accountID string) (*syncsvc.AccountResult, error)
	SyncOne(ctx context.Context, accountID string, scope syncsvc.Scope) (*syncsvc.Result, error)
	SyncMessages(ctx context.Context, accountID, folderID string) (map[string]*syncsvc.Result, error)
	SyncTeams(ctx context.Context, accountID string) (*syncsvc.TeamsResult, error)
}

// SubscriptionManager is the webhook-manager surface the HTTP layer
// drives.
type SubscriptionManager interface {
	Create(ctx context.Context, accountID, resourceType string) (*store.Subscription, error)
	Delete(ctx context.Context, subscriptionID string) error
	ListActive(ctx context.Context, accountID string) ([]store.Subscription, error)
}

// Server wires the HTTP routes.
type Server struct {
	syncer    Syncer
	manager   SubscriptionManager
	processor *webhook.Processor
	store     *store.Store
	verifier  *auth.Verifier
	logger    *slog.Logger
}

// NewServer creates the HTTP server façade. verifier may be nil, which
// leaves the management routes unauthenticated (local development).
func NewServer(syncer Syncer, manager SubscriptionManager, processor *webhook.Processor, st *store.Store, verifier *auth.Verifier, logger *slog.Logger) *Server {
	return &Server{
		syncer:    syncer,
		manager:   manager,
		processor: processor,
		store:     st,
		verifier:  verifier,
		logger:    logger.With("component", "api"),
	}
}

// Router builds the gin engine. The notification endpoint stays outside
// the authenticated group: the provider calls it and is authenticated by
// client state, not by JWT.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/webhooks/notify", s.handleNotify)

	authorized := r.Group("/")
	authorized.Use(s.authMiddleware())

	authorized.POST("/sync/account", s.handleSyncAccount)
	authorized.POST("/sync/folders", s.handleSyncFolders)
	authorized.POST("/sync/messages", s.handleSyncMessages)
	authorized.POST("/sync/calendar", s.handleSyncCalendar)
	authorized.POST("/sync/teams", s.handleSyncTeams)
	authorized.GET("/sync/status", s.handleSyncStatus)

	authorized.POST("/webhooks/manage", s.handleCreateSubscription)
	authorized.GET("/webhooks/manage", s.handleListSubscriptions)
	authorized.DELETE("/webhooks/manage", s.handleDeleteSubscription)

	return r
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.verifier == nil {
			c.Next()
			return
		}
		user, err := s.verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Set("user_id", user.ID)
		c.Next()
	}
}
