package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mirrorstack/mailmirror/internal/graph"
	"github.com/mirrorstack/mailmirror/internal/store"
	"github.com/mirrorstack/mailmirror/internal/tokens"
)

// reauthMessage is the distinguished sync-state error for lost
// authorization; the orchestrator keys off it to mark the account.
const reauthMessage = "reauth required"

// TokenProvider yields a valid bearer token for an account or fails with
// *tokens.ReauthRequiredError.
type TokenProvider interface {
	AccessToken(ctx context.Context, accountID string) (string, error)
}

// ProviderClient is the narrow remote surface the engine consumes. The
// production implementation is *graph.Client.
type ProviderClient interface {
	FoldersDelta(ctx context.Context, token, link string) (*graph.Page[graph.Folder], error)
	MessagesDelta(ctx context.Context, token, folderID, link string) (*graph.Page[graph.Message], error)
	EventsDelta(ctx context.Context, token, link string) (*graph.Page[graph.Event], error)
	ChannelMessagesDelta(ctx context.Context, token, teamID, channelID, link string) (*graph.Page[graph.ChannelMessage], error)
	ListChannels(ctx context.Context, token string) (map[graph.Team][]graph.Channel, error)
	GetAttachments(ctx context.Context, token, messageID string) ([]graph.AttachmentMeta, error)
	GetAttachmentContent(ctx context.Context, token, messageID, attachmentID string) ([]byte, error)
}

// Engine runs the generic delta-sync algorithm for one scope at a time:
// claim the scope's lease, fetch pages (full enumeration when no cursor,
// delta rounds otherwise), reconcile items into the mirror and commit the
// new cursor.
type Engine struct {
	store  *store.Store
	tokens TokenProvider
	client ProviderClient
	logger *slog.Logger
}

// NewEngine creates a delta sync engine.
func NewEngine(st *store.Store, tp TokenProvider, client ProviderClient, logger *slog.Logger) *Engine {
	return &Engine{
		store:  st,
		tokens: tp,
		client: client,
		logger: logger.With("component", "sync"),
	}
}

func isReauth(err error) bool {
	return tokens.IsReauthRequired(err) || graph.IsReauth(err)
}

// SyncScope synchronizes one resource scope. Concurrent calls for the same
// scope race on the lease; losers return store.ErrSyncInProgress without
// touching the mirror. Reauthorization failures abort immediately with the
// typed error propagated for the orchestrator.
func (e *Engine) SyncScope(ctx context.Context, accountID string, scope Scope) (*Result, error) {
	owner := uuid.NewString()
	scopeKey := scope.String()

	st, err := e.store.ClaimSyncState(ctx, accountID, scopeKey, owner)
	if err != nil {
		return nil, err
	}

	e.logger.Info("sync start", "account", accountID, "scope", scopeKey,
		"full", st.Cursor == "")

	token, err := e.tokens.AccessToken(ctx, accountID)
	if err != nil {
		msg := err.Error()
		if tokens.IsReauthRequired(err) {
			msg = reauthMessage
		}
		e.finish(ctx, accountID, scopeKey, owner, store.SyncError, "", msg, false)
		return nil, err
	}

	switch scope.Kind {
	case KindFolders:
		return runPages(ctx, e, accountID, scope, st.Cursor, owner,
			func(ctx context.Context, link string) (*graph.Page[graph.Folder], error) {
				return e.client.FoldersDelta(ctx, token, link)
			},
			e.folderApplier(accountID))
	case KindMessages:
		return runPages(ctx, e, accountID, scope, st.Cursor, owner,
			func(ctx context.Context, link string) (*graph.Page[graph.Message], error) {
				return e.client.MessagesDelta(ctx, token, scope.FolderID, link)
			},
			e.messageApplier(accountID, scope.FolderID, token))
	case KindCalendar:
		return runPages(ctx, e, accountID, scope, st.Cursor, owner,
			func(ctx context.Context, link string) (*graph.Page[graph.Event], error) {
				return e.client.EventsDelta(ctx, token, link)
			},
			e.eventApplier(accountID))
	case KindTeams:
		return runPages(ctx, e, accountID, scope, st.Cursor, owner,
			func(ctx context.Context, link string) (*graph.Page[graph.ChannelMessage], error) {
				return e.client.ChannelMessagesDelta(ctx, token, scope.TeamID, scope.ChannelID, link)
			},
			e.channelMessageApplier(accountID, scope))
	default:
		e.finish(ctx, accountID, scopeKey, owner, store.SyncError, "", "unknown scope kind", false)
		return nil, fmt.Errorf("unknown scope kind %q", scope.Kind)
	}
}

// applier reconciles one item type into the mirror. upsert must return a
// valid ChangeKind even when it also returns an error (the kind is counted,
// the error recorded).
type applier[T any] struct {
	id      func(T) string
	removed func(T) bool
	upsert  func(ctx context.Context, item T) (store.ChangeKind, error)
	remove  func(ctx context.Context, item T) (bool, error)
}

// runPages drains a delta round. The cursor is committed all-or-nothing:
// only after every page has been fetched and applied. A fetch failure
// leaves the previous cursor in place so the next run replays the round;
// upserts are idempotent so the replay cannot inflate counters.
func runPages[T any](ctx context.Context, e *Engine, accountID string, scope Scope, cursor, owner string,
	fetch func(ctx context.Context, link string) (*graph.Page[T], error), ap applier[T]) (*Result, error) {

	scopeKey := scope.String()
	result := &Result{Scope: scopeKey}

	link := cursor
	newCursor := cursor
	for {
		page, err := fetch(ctx, link)
		if err != nil {
			if isReauth(err) {
				e.finish(ctx, accountID, scopeKey, owner, store.SyncError, "", reauthMessage, false)
			} else {
				e.finish(ctx, accountID, scopeKey, owner, store.SyncError, "", err.Error(), false)
			}
			return nil, fmt.Errorf("fetch %s: %w", scopeKey, err)
		}

		applyPage(ctx, e, accountID, scopeKey, page.Items, ap, result)

		if page.DeltaLink != "" {
			newCursor = page.DeltaLink
		}
		if page.NextLink == "" {
			break
		}
		link = page.NextLink
	}

	status := store.SyncCompleted
	errMsg := ""
	if !result.OK() {
		status = store.SyncError
		errMsg = fmt.Sprintf("%d item failures", len(result.Errors))
	}
	e.finish(ctx, accountID, scopeKey, owner, status, newCursor, errMsg, true)

	e.logger.Info("sync done", "account", accountID, "scope", scopeKey,
		"created", result.Created, "updated", result.Updated,
		"deleted", result.Deleted, "failures", len(result.Errors))
	return result, nil
}

// applyPage reconciles one page. Items appearing more than once are
// collapsed to the last occurrence; one malformed item never aborts the
// batch.
func applyPage[T any](ctx context.Context, e *Engine, accountID, scopeKey string, items []T, ap applier[T], result *Result) {
	last := make(map[string]int, len(items))
	for i, item := range items {
		if id := ap.id(item); id != "" {
			last[id] = i
		}
	}

	for i, item := range items {
		id := ap.id(item)
		if id == "" {
			result.Errors = append(result.Errors, "item missing remote id")
			continue
		}
		if last[id] != i {
			continue
		}

		result.Synced++

		if ap.removed(item) {
			flagged, err := ap.remove(ctx, item)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("remove %s: %v", id, err))
				continue
			}
			if flagged {
				result.Deleted++
				e.recordChange(ctx, accountID, scopeKey, id, "deleted")
			}
			continue
		}

		kind, err := ap.upsert(ctx, item)
		switch kind {
		case store.Created:
			result.Created++
			e.recordChange(ctx, accountID, scopeKey, id, "created")
		case store.Updated:
			result.Updated++
			e.recordChange(ctx, accountID, scopeKey, id, "updated")
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("item %s: %v", id, err))
		}
	}
}

func (e *Engine) finish(ctx context.Context, accountID, scopeKey, owner, status, cursor, errMsg string, advance bool) {
	if err := e.store.FinishSyncState(ctx, accountID, scopeKey, owner, status, cursor, errMsg, advance); err != nil {
		e.logger.Error("failed to finish sync state", "account", accountID, "scope", scopeKey, "error", err)
	}
}

// recordChange enqueues a mirror-change event for the outbox publisher.
func (e *Engine) recordChange(ctx context.Context, accountID, scopeKey, remoteID, change string) {
	payload, err := json.Marshal(map[string]string{
		"account_id": accountID,
		"scope":      scopeKey,
		"remote_id":  remoteID,
		"change":     change,
	})
	if err != nil {
		return
	}
	subject := fmt.Sprintf("account.%s.mirror.changed", accountID)
	if err := e.store.EnqueueEvent(ctx, subject, payload, uuid.NewString()); err != nil {
		e.logger.Error("failed to enqueue mirror event", "account", accountID, "error", err)
	}
}
