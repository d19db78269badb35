package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mirrorstack/mailmirror/internal/graph"
	"github.com/mirrorstack/mailmirror/internal/store"
	syncsvc "github.com/mirrorstack/mailmirror/internal/sync"
	"github.com/mirrorstack/mailmirror/internal/tokens"
	"github.com/mirrorstack/mailmirror/internal/webhook"
)

type syncRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	FolderID  string `json:"folderId"`
}

type subscriptionRequest struct {
	AccountID    string `json:"accountId" binding:"required"`
	ResourceType string `json:"resourceType" binding:"required"`
}

// writeSyncError maps the sync error taxonomy onto HTTP statuses: lease
// losses are 409, lost authorization is 401, a missing account is 404.
func (s *Server) writeSyncError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
	case tokens.IsReauthRequired(err) || graph.IsReauth(err):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "account requires reauthorization"})
	case errors.Is(err, store.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleSyncAccount(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.syncer.SyncAccount(c.Request.Context(), req.AccountID)
	if err != nil {
		if res != nil {
			// Partial result with a hard failure: surface both.
			c.JSON(statusForSyncError(err), gin.H{"error": err.Error(), "result": res})
			return
		}
		s.writeSyncError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func statusForSyncError(err error) int {
	switch {
	case errors.Is(err, store.ErrSyncInProgress):
		return http.StatusConflict
	case tokens.IsReauthRequired(err) || graph.IsReauth(err):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrAccountNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSyncFolders(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.syncer.SyncOne(c.Request.Context(), req.AccountID, syncsvc.FoldersScope())
	if err != nil {
		s.writeSyncError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleSyncMessages(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.syncer.SyncMessages(c.Request.Context(), req.AccountID, req.FolderID)
	if err != nil {
		s.writeSyncError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleSyncCalendar(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.syncer.SyncOne(c.Request.Context(), req.AccountID, syncsvc.CalendarScope())
	if err != nil {
		s.writeSyncError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleSyncTeams(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.syncer.SyncTeams(c.Request.Context(), req.AccountID)
	if err != nil {
		if res != nil {
			c.JSON(statusForSyncError(err), gin.H{"error": err.Error(), "result": res})
			return
		}
		s.writeSyncError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleSyncStatus(c *gin.Context) {
	accountID := c.Query("accountId")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "accountId is required"})
		return
	}

	if scope := c.Query("scope"); scope != "" {
		st, err := s.store.GetSyncState(c.Request.Context(), accountID, scope)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
		return
	}

	states, err := s.store.ListSyncStates(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"states": states})
}

func (s *Server) handleCreateSubscription(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := s.manager.Create(c.Request.Context(), req.AccountID, req.ResourceType)
	if err != nil {
		var lifecycle *webhook.LifecycleError
		switch {
		case tokens.IsReauthRequired(err):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "account requires reauthorization"})
		case errors.As(err, &lifecycle):
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(c *gin.Context) {
	accountID := c.Query("accountId")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "accountId is required"})
		return
	}

	subs, err := s.manager.ListActive(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (s *Server) handleDeleteSubscription(c *gin.Context) {
	subscriptionID := c.Query("subscriptionId")
	if subscriptionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subscriptionId is required"})
		return
	}

	if err := s.manager.Delete(c.Request.Context(), subscriptionID); err != nil {
		var lifecycle *webhook.LifecycleError
		switch {
		case errors.Is(err, store.ErrSubscriptionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		case errors.As(err, &lifecycle):
			// The local record is already marked deleted.
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.Status(http.StatusNoContent)
}

// handleNotify serves both halves of the provider's delivery contract: the
// synchronous validation-token echo during subscription setup, and
// notification batches. Batches are acknowledged with 202 as soon as
// envelope validation passes; the triggered syncs run on the dispatcher,
// never on this request.
func (s *Server) handleNotify(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, s.processor.HandleValidation(token))
		return
	}

	var batch webhook.NotificationBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accepted, err := s.processor.HandleNotifications(c.Request.Context(), &batch)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidEnvelope) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}
