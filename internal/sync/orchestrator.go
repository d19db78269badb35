package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirrorstack/mailmirror/internal/store"
)

// Orchestrator sequences multi-scope syncs: the full-account run (folders
// before per-folder messages) and the teams fan-out. Calendar and teams
// stay outside the full-account run; they are independent resource trees
// with their own cursors.
type Orchestrator struct {
	store  *store.Store
	engine *Engine
	tokens TokenProvider
	client ProviderClient
	logger *slog.Logger
}

// NewOrchestrator creates a sync orchestrator around an engine.
func NewOrchestrator(st *store.Store, engine *Engine, tp TokenProvider, client ProviderClient, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:  st,
		engine: engine,
		tokens: tp,
		client: client,
		logger: logger.With("component", "orchestrator"),
	}
}

// SyncOne runs a single scope. Used by the HTTP layer and the webhook
// dispatcher.
func (o *Orchestrator) SyncOne(ctx context.Context, accountID string, scope Scope) (*Result, error) {
	res, err := o.engine.SyncScope(ctx, accountID, scope)
	if err != nil && isReauth(err) {
		o.markReauth(ctx, accountID)
	}
	return res, err
}

// SyncAccount runs the full-account sequence: folders first, then message
// sync per known folder. A folder-sync failure is fatal (later steps need
// the folder list); a single folder's message-sync failure is recorded and
// the run continues. Losing the folders lease to a concurrent run returns
// store.ErrSyncInProgress without touching the account status.
func (o *Orchestrator) SyncAccount(ctx context.Context, accountID string) (*AccountResult, error) {
	res := &AccountResult{AccountID: accountID, Messages: make(map[string]*Result)}

	// The folders claim doubles as the account-run claim: only after
	// winning it may this run flip the account to syncing. A lease loss
	// means a healthy sync is already underway and must own the status.
	folders, err := o.engine.SyncScope(ctx, accountID, FoldersScope())
	if err != nil {
		if errors.Is(err, store.ErrSyncInProgress) {
			return nil, err
		}
		res.Status = AccountSyncFailed
		res.Errors = append(res.Errors, fmt.Sprintf("folder sync: %v", err))
		o.settleAccount(ctx, accountID, res, err)
		return res, err
	}
	res.Folders = folders

	if err := o.store.SetAccountStatus(ctx, accountID, store.AccountSyncing, ""); err != nil {
		return nil, err
	}
	if !folders.OK() {
		// Folder enumeration itself degraded; the run proceeds with
		// whatever folders landed, but the rollup reflects it.
		res.Errors = append(res.Errors, fmt.Sprintf("folder sync: %d item failures", len(folders.Errors)))
	}

	known, err := o.store.ListFolders(ctx, accountID)
	if err != nil {
		res.Status = AccountSyncFailed
		res.Errors = append(res.Errors, fmt.Sprintf("list folders: %v", err))
		o.settleAccount(ctx, accountID, res, err)
		return res, err
	}

	anyFolderFailed := false
	for _, folder := range known {
		r, err := o.engine.SyncScope(ctx, accountID, MessagesScope(folder.RemoteID))
		if err != nil {
			if isReauth(err) {
				res.Status = AccountSyncFailed
				res.Errors = append(res.Errors, fmt.Sprintf("folder %s: %v", folder.RemoteID, err))
				o.settleAccount(ctx, accountID, res, err)
				return res, err
			}
			anyFolderFailed = true
			res.Errors = append(res.Errors, fmt.Sprintf("folder %s: %v", folder.RemoteID, err))
			continue
		}
		res.Messages[folder.RemoteID] = r
		if !r.OK() {
			anyFolderFailed = true
		}
	}

	switch {
	case anyFolderFailed || !folders.OK():
		res.Status = AccountSyncWithErrors
	default:
		res.Status = AccountSyncCompleted
	}
	o.settleAccount(ctx, accountID, res, nil)
	return res, nil
}

// SyncMessages syncs message scopes without touching account status: one
// folder when folderID is set, otherwise every known folder. Per-folder
// failures are recorded in the returned map; only reauthorization aborts.
func (o *Orchestrator) SyncMessages(ctx context.Context, accountID, folderID string) (map[string]*Result, error) {
	results := make(map[string]*Result)

	if folderID != "" {
		r, err := o.SyncOne(ctx, accountID, MessagesScope(folderID))
		if err != nil {
			return nil, err
		}
		results[folderID] = r
		return results, nil
	}

	folders, err := o.store.ListFolders(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, folder := range folders {
		r, err := o.engine.SyncScope(ctx, accountID, MessagesScope(folder.RemoteID))
		if err != nil {
			if isReauth(err) {
				o.markReauth(ctx, accountID)
				return results, err
			}
			results[folder.RemoteID] = &Result{
				Scope:  MessagesScope(folder.RemoteID).String(),
				Errors: []string{err.Error()},
			}
			continue
		}
		results[folder.RemoteID] = r
	}
	return results, nil
}

// TeamsResult aggregates the teams fan-out: channel discovery plus
// per-channel message syncs.
type TeamsResult struct {
	AccountID string             `json:"account_id"`
	Channels  *Result            `json:"channels"`
	Messages  map[string]*Result `json:"messages,omitempty"`
	Errors    []string           `json:"errors,omitempty"`
}

// SyncTeams discovers the account's channels, mirrors the channel list and
// runs a message sync per channel. Channel discovery failure is fatal;
// per-channel failures are recorded and the fan-out continues.
func (o *Orchestrator) SyncTeams(ctx context.Context, accountID string) (*TeamsResult, error) {
	res := &TeamsResult{
		AccountID: accountID,
		Channels:  &Result{Scope: "channels"},
		Messages:  make(map[string]*Result),
	}

	token, err := o.tokens.AccessToken(ctx, accountID)
	if err != nil {
		if isReauth(err) {
			o.markReauth(ctx, accountID)
		}
		return nil, err
	}

	byTeam, err := o.client.ListChannels(ctx, token)
	if err != nil {
		if isReauth(err) {
			o.markReauth(ctx, accountID)
		}
		return nil, fmt.Errorf("list channels: %w", err)
	}

	for team, channels := range byTeam {
		for _, ch := range channels {
			res.Channels.Synced++
			kind, err := o.store.UpsertChannel(ctx, &store.Channel{
				AccountID:    accountID,
				RemoteID:     ch.ID,
				TeamRemoteID: team.ID,
				DisplayName:  ch.DisplayName,
				Description:  ch.Description,
			})
			if err != nil {
				res.Channels.Errors = append(res.Channels.Errors, fmt.Sprintf("channel %s: %v", ch.ID, err))
				continue
			}
			switch kind {
			case store.Created:
				res.Channels.Created++
			case store.Updated:
				res.Channels.Updated++
			}

			scope := ChannelScope(team.ID, ch.ID)
			r, err := o.engine.SyncScope(ctx, accountID, scope)
			if err != nil {
				if isReauth(err) {
					o.markReauth(ctx, accountID)
					res.Errors = append(res.Errors, fmt.Sprintf("channel %s: %v", ch.ID, err))
					return res, err
				}
				res.Errors = append(res.Errors, fmt.Sprintf("channel %s: %v", ch.ID, err))
				continue
			}
			res.Messages[scope.String()] = r
		}
	}
	return res, nil
}

// settleAccount writes the account's final status for a full-account run
// and stamps the full-sync time on any completed run.
func (o *Orchestrator) settleAccount(ctx context.Context, accountID string, res *AccountResult, cause error) {
	switch {
	case cause != nil && isReauth(cause):
		o.markReauth(ctx, accountID)
	case res.Status == AccountSyncFailed:
		msg := ""
		if len(res.Errors) > 0 {
			msg = res.Errors[0]
		}
		if err := o.store.SetAccountStatus(ctx, accountID, store.AccountError, msg); err != nil {
			o.logger.Error("failed to set account status", "account", accountID, "error", err)
		}
	default:
		if err := o.store.SetAccountStatus(ctx, accountID, store.AccountActive, ""); err != nil {
			o.logger.Error("failed to set account status", "account", accountID, "error", err)
		}
		if err := o.store.MarkFullSync(ctx, accountID, time.Now()); err != nil {
			o.logger.Error("failed to stamp full sync", "account", accountID, "error", err)
		}
	}
}

func (o *Orchestrator) markReauth(ctx context.Context, accountID string) {
	if err := o.store.SetAccountStatus(ctx, accountID, store.AccountNeedsReauth, reauthMessage); err != nil {
		if !errors.Is(err, store.ErrAccountNotFound) {
			o.logger.Error("failed to mark account for reauth", "account", accountID, "error", err)
		}
	}
}
