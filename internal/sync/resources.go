package sync

import (
	"context"
	"fmt"

	"github.com/mirrorstack/mailmirror/internal/graph"
	"github.com/mirrorstack/mailmirror/internal/store"
)

func (e *Engine) folderApplier(accountID string) applier[graph.Folder] {
	return applier[graph.Folder]{
		id:      func(f graph.Folder) string { return f.ID },
		removed: func(f graph.Folder) bool { return f.Removed != nil },
		upsert: func(ctx context.Context, f graph.Folder) (store.ChangeKind, error) {
			return e.store.UpsertFolder(ctx, &store.Folder{
				AccountID:      accountID,
				RemoteID:       f.ID,
				DisplayName:    f.DisplayName,
				ParentRemoteID: f.ParentFolderID,
				TotalCount:     f.TotalItemCount,
				UnreadCount:    f.UnreadItemCount,
			})
		},
		remove: func(ctx context.Context, f graph.Folder) (bool, error) {
			return e.store.SoftDeleteFolder(ctx, accountID, f.ID)
		},
	}
}

func (e *Engine) messageApplier(accountID, folderID, token string) applier[graph.Message] {
	return applier[graph.Message]{
		id:      func(m graph.Message) string { return m.ID },
		removed: func(m graph.Message) bool { return m.Removed != nil },
		upsert: func(ctx context.Context, m graph.Message) (store.ChangeKind, error) {
			folder := m.ParentFolderID
			if folder == "" {
				folder = folderID
			}
			kind, err := e.store.UpsertMessage(ctx, &store.Message{
				AccountID:      accountID,
				RemoteID:       m.ID,
				FolderRemoteID: folder,
				ConversationID: m.ConversationID,
				Subject:        m.Subject,
				Sender:         m.Sender(),
				BodyPreview:    m.BodyPreview,
				IsRead:         m.IsRead,
				IsFlagged:      m.FlagStatus() == "flagged",
				ReceivedAt:     m.ReceivedDateTime,
			})
			if err != nil || kind == store.Unchanged {
				return kind, err
			}
			if m.HasAttachments {
				if err := e.syncAttachments(ctx, token, accountID, m.ID); err != nil {
					return kind, fmt.Errorf("attachments: %w", err)
				}
			}
			return kind, nil
		},
		remove: func(ctx context.Context, m graph.Message) (bool, error) {
			return e.store.SoftDeleteMessage(ctx, accountID, m.ID)
		},
	}
}

// syncAttachments mirrors attachment metadata for one message and pulls
// content bytes only for attachments under the inline ceiling.
func (e *Engine) syncAttachments(ctx context.Context, token, accountID, messageID string) error {
	metas, err := e.client.GetAttachments(ctx, token, messageID)
	if err != nil {
		return err
	}
	for _, meta := range metas {
		att := &store.Attachment{
			AccountID:       accountID,
			MessageRemoteID: messageID,
			RemoteID:        meta.ID,
			Name:            meta.Name,
			ContentType:     meta.ContentType,
			SizeBytes:       meta.Size,
		}
		if meta.Size <= graph.MaxInlineAttachmentBytes {
			content, err := e.client.GetAttachmentContent(ctx, token, messageID, meta.ID)
			if err != nil {
				// Metadata still gets mirrored; content can be fetched later.
				e.logger.Warn("attachment content fetch failed",
					"message", messageID, "attachment", meta.ID, "error", err)
			} else {
				att.Content = content
			}
		}
		if err := e.store.UpsertAttachment(ctx, att); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) eventApplier(accountID string) applier[graph.Event] {
	return applier[graph.Event]{
		id:      func(ev graph.Event) string { return ev.ID },
		removed: func(ev graph.Event) bool { return ev.Removed != nil },
		upsert: func(ctx context.Context, ev graph.Event) (store.ChangeKind, error) {
			rec := &store.CalendarEvent{
				AccountID:      accountID,
				RemoteID:       ev.ID,
				Subject:        ev.Subject,
				Organizer:      ev.OrganizerAddress(),
				RecurrenceJSON: string(ev.Recurrence),
			}
			if ev.Start != nil {
				rec.StartsAt = ev.Start.DateTime
			}
			if ev.End != nil {
				rec.EndsAt = ev.End.DateTime
			}
			if ev.ResponseStatus != nil {
				rec.ResponseStatus = ev.ResponseStatus.Response
			}
			return e.store.UpsertCalendarEvent(ctx, rec)
		},
		remove: func(ctx context.Context, ev graph.Event) (bool, error) {
			return e.store.SoftDeleteCalendarEvent(ctx, accountID, ev.ID)
		},
	}
}

func (e *Engine) channelMessageApplier(accountID string, scope Scope) applier[graph.ChannelMessage] {
	return applier[graph.ChannelMessage]{
		id: func(m graph.ChannelMessage) string { return m.ID },
		removed: func(m graph.ChannelMessage) bool {
			return m.Removed != nil || m.DeletedDateTime != nil
		},
		upsert: func(ctx context.Context, m graph.ChannelMessage) (store.ChangeKind, error) {
			return e.store.UpsertChannelMessage(ctx, &store.ChannelMessage{
				AccountID:       accountID,
				RemoteID:        m.ID,
				TeamRemoteID:    scope.TeamID,
				ChannelRemoteID: scope.ChannelID,
				ReplyToRemoteID: m.ReplyToID,
				Sender:          m.SenderName(),
				Body:            m.BodyContent(),
				ReactionsJSON:   string(m.Reactions),
				AttachmentsJSON: string(m.Attachments),
				MentionsJSON:    string(m.Mentions),
				SentAt:          m.CreatedDateTime,
			})
		},
		remove: func(ctx context.Context, m graph.ChannelMessage) (bool, error) {
			return e.store.SoftDeleteChannelMessage(ctx, accountID, m.ID)
		},
	}
}
