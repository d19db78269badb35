package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ChangeKind classifies the outcome of a mirror upsert.
type ChangeKind int

const (
	Unchanged ChangeKind = iota
	Created
	Updated
)

// Folder is a mirrored mail folder.
type Folder struct {
	AccountID      string
	RemoteID       string
	DisplayName    string
	ParentRemoteID string
	TotalCount     int
	UnreadCount    int
	Deleted        bool
}

// Message is a mirrored mail message. Body content is kept as a preview;
// attachments live in their own table.
type Message struct {
	AccountID      string
	RemoteID       string
	FolderRemoteID string
	ConversationID string
	Subject        string
	Sender         string
	BodyPreview    string
	IsRead         bool
	IsFlagged      bool
	ReceivedAt     time.Time
	Deleted        bool
}

// CalendarEvent is a mirrored calendar event.
type CalendarEvent struct {
	AccountID      string
	RemoteID       string
	Subject        string
	Organizer      string
	StartsAt       string
	EndsAt         string
	RecurrenceJSON string
	ResponseStatus string
	Deleted        bool
}

// Channel is a mirrored team channel.
type Channel struct {
	AccountID    string
	RemoteID     string
	TeamRemoteID string
	DisplayName  string
	Description  string
	Deleted      bool
}

// ChannelMessage is a mirrored chat message inside a channel.
type ChannelMessage struct {
	AccountID        string
	RemoteID         string
	TeamRemoteID     string
	ChannelRemoteID  string
	ReplyToRemoteID  string
	Sender           string
	Body             string
	ReactionsJSON    string
	AttachmentsJSON  string
	MentionsJSON     string
	SentAt           time.Time
	Deleted          bool
}

// Attachment holds attachment metadata; Content is nil when the size
// ceiling kept the bytes out of the mirror.
type Attachment struct {
	AccountID       string
	MessageRemoteID string
	RemoteID        string
	Name            string
	ContentType     string
	SizeBytes       int64
	Content         []byte
}

func hashFields(fields ...any) string {
	h := sha256.New()
	for _, f := range fields {
		fmt.Fprintf(h, "%v\x1f", f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// changeFor decides the upsert outcome given the previous row state. A
// resurrected row (same hash but soft-deleted) counts as updated.
func changeFor(prevHash string, prevDeleted bool, newHash string, found bool) ChangeKind {
	switch {
	case !found:
		return Created
	case prevHash == newHash && !prevDeleted:
		return Unchanged
	default:
		return Updated
	}
}

// UpsertFolder writes a folder row, reporting whether anything changed.
func (s *Store) UpsertFolder(ctx context.Context, f *Folder) (ChangeKind, error) {
	newHash := hashFields(f.DisplayName, f.ParentRemoteID, f.TotalCount, f.UnreadCount)

	var prevHash string
	var prevDeleted bool
	found := true
	err := s.DB.QueryRowContext(ctx, `
		SELECT payload_hash, deleted FROM folders WHERE account_id = ? AND remote_id = ?
	`, f.AccountID, f.RemoteID).Scan(&prevHash, &prevDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return Unchanged, fmt.Errorf("failed to load folder: %w", err)
	}

	kind := changeFor(prevHash, prevDeleted, newHash, found)
	if kind == Unchanged {
		return Unchanged, nil
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO folders (account_id, remote_id, display_name, parent_remote_id,
			total_count, unread_count, deleted, payload_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(account_id, remote_id) DO UPDATE SET
			display_name = excluded.display_name,
			parent_remote_id = excluded.parent_remote_id,
			total_count = excluded.total_count,
			unread_count = excluded.unread_count,
			deleted = 0,
			payload_hash = excluded.payload_hash,
			updated_at = excluded.updated_at
	`, f.AccountID, f.RemoteID, f.DisplayName, f.ParentRemoteID,
		f.TotalCount, f.UnreadCount, newHash, s.now().Unix())
	if err != nil {
		return Unchanged, fmt.Errorf("failed to upsert folder: %w", err)
	}
	return kind, nil
}

// SoftDeleteFolder flags a folder as removed; reports whether a live row
// was flagged.
func (s *Store) SoftDeleteFolder(ctx context.Context, accountID, remoteID string) (bool, error) {
	return s.softDelete(ctx, "folders", accountID, remoteID)
}

// ListFolders returns all live folders for an account.
func (s *Store) ListFolders(ctx context.Context, accountID string) ([]Folder, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT remote_id, display_name, parent_remote_id, total_count, unread_count
		FROM folders WHERE account_id = ? AND deleted = 0 ORDER BY remote_id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	var folders []Folder
	for rows.Next() {
		f := Folder{AccountID: accountID}
		if err := rows.Scan(&f.RemoteID, &f.DisplayName, &f.ParentRemoteID, &f.TotalCount, &f.UnreadCount); err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// GetFolder loads one folder row including its soft-delete flag.
func (s *Store) GetFolder(ctx context.Context, accountID, remoteID string) (*Folder, error) {
	f := Folder{AccountID: accountID, RemoteID: remoteID}
	err := s.DB.QueryRowContext(ctx, `
		SELECT display_name, parent_remote_id, total_count, unread_count, deleted
		FROM folders WHERE account_id = ? AND remote_id = ?
	`, accountID, remoteID).Scan(&f.DisplayName, &f.ParentRemoteID, &f.TotalCount, &f.UnreadCount, &f.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load folder: %w", err)
	}
	return &f, nil
}

// UpsertMessage writes a message row, reporting whether anything changed.
func (s *Store) UpsertMessage(ctx context.Context, m *Message) (ChangeKind, error) {
	newHash := hashFields(m.FolderRemoteID, m.ConversationID, m.Subject, m.Sender,
		m.BodyPreview, m.IsRead, m.IsFlagged, m.ReceivedAt.Unix())

	var prevHash string
	var prevDeleted bool
	found := true
	err := s.DB.QueryRowContext(ctx, `
		SELECT payload_hash, deleted FROM messages WHERE account_id = ? AND remote_id = ?
	`, m.AccountID, m.RemoteID).Scan(&prevHash, &prevDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return Unchanged, fmt.Errorf("failed to load message: %w", err)
	}

	kind := changeFor(prevHash, prevDeleted, newHash, found)
	if kind == Unchanged {
		return Unchanged, nil
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO messages (account_id, remote_id, folder_remote_id, conversation_id,
			subject, sender, body_preview, is_read, is_flagged, received_at,
			deleted, payload_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(account_id, remote_id) DO UPDATE SET
			folder_remote_id = excluded.folder_remote_id,
			conversation_id = excluded.conversation_id,
			subject = excluded.subject,
			sender = excluded.sender,
			body_preview = excluded.body_preview,
			is_read = excluded.is_read,
			is_flagged = excluded.is_flagged,
			received_at = excluded.received_at,
			deleted = 0,
			payload_hash = excluded.payload_hash,
			updated_at = excluded.updated_at
	`, m.AccountID, m.RemoteID, m.FolderRemoteID, m.ConversationID,
		m.Subject, m.Sender, m.BodyPreview, m.IsRead, m.IsFlagged,
		nullableUnix(m.ReceivedAt), newHash, s.now().Unix())
	if err != nil {
		return Unchanged, fmt.Errorf("failed to upsert message: %w", err)
	}
	return kind, nil
}

// SoftDeleteMessage flags a message as removed.
func (s *Store) SoftDeleteMessage(ctx context.Context, accountID, remoteID string) (bool, error) {
	return s.softDelete(ctx, "messages", accountID, remoteID)
}

// GetMessage loads one message row including its soft-delete flag.
func (s *Store) GetMessage(ctx context.Context, accountID, remoteID string) (*Message, error) {
	m := Message{AccountID: accountID, RemoteID: remoteID}
	var received sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT folder_remote_id, conversation_id, subject, sender, body_preview,
		       is_read, is_flagged, received_at, deleted
		FROM messages WHERE account_id = ? AND remote_id = ?
	`, accountID, remoteID).Scan(&m.FolderRemoteID, &m.ConversationID, &m.Subject,
		&m.Sender, &m.BodyPreview, &m.IsRead, &m.IsFlagged, &received, &m.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	m.ReceivedAt = unixOrZero(received)
	return &m, nil
}

// CountMessages counts live messages, optionally limited to one folder.
func (s *Store) CountMessages(ctx context.Context, accountID, folderRemoteID string) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE account_id = ? AND deleted = 0`
	args := []any{accountID}
	if folderRemoteID != "" {
		query += ` AND folder_remote_id = ?`
		args = append(args, folderRemoteID)
	}
	var n int
	if err := s.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// UpsertAttachment writes attachment metadata, and content when provided.
func (s *Store) UpsertAttachment(ctx context.Context, a *Attachment) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO attachments (account_id, message_remote_id, remote_id,
			name, content_type, size_bytes, content, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, message_remote_id, remote_id) DO UPDATE SET
			name = excluded.name,
			content_type = excluded.content_type,
			size_bytes = excluded.size_bytes,
			content = COALESCE(excluded.content, attachments.content),
			updated_at = excluded.updated_at
	`, a.AccountID, a.MessageRemoteID, a.RemoteID, a.Name, a.ContentType,
		a.SizeBytes, a.Content, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert attachment: %w", err)
	}
	return nil
}

// UpsertCalendarEvent writes a calendar event row.
func (s *Store) UpsertCalendarEvent(ctx context.Context, e *CalendarEvent) (ChangeKind, error) {
	newHash := hashFields(e.Subject, e.Organizer, e.StartsAt, e.EndsAt,
		e.RecurrenceJSON, e.ResponseStatus)

	var prevHash string
	var prevDeleted bool
	found := true
	err := s.DB.QueryRowContext(ctx, `
		SELECT payload_hash, deleted FROM calendar_events WHERE account_id = ? AND remote_id = ?
	`, e.AccountID, e.RemoteID).Scan(&prevHash, &prevDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return Unchanged, fmt.Errorf("failed to load calendar event: %w", err)
	}

	kind := changeFor(prevHash, prevDeleted, newHash, found)
	if kind == Unchanged {
		return Unchanged, nil
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO calendar_events (account_id, remote_id, subject, organizer,
			starts_at, ends_at, recurrence_json, response_status,
			deleted, payload_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(account_id, remote_id) DO UPDATE SET
			subject = excluded.subject,
			organizer = excluded.organizer,
			starts_at = excluded.starts_at,
			ends_at = excluded.ends_at,
			recurrence_json = excluded.recurrence_json,
			response_status = excluded.response_status,
			deleted = 0,
			payload_hash = excluded.payload_hash,
			updated_at = excluded.updated_at
	`, e.AccountID, e.RemoteID, e.Subject, e.Organizer, e.StartsAt, e.EndsAt,
		e.RecurrenceJSON, e.ResponseStatus, newHash, s.now().Unix())
	if err != nil {
		return Unchanged, fmt.Errorf("failed to upsert calendar event: %w", err)
	}
	return kind, nil
}

// SoftDeleteCalendarEvent flags a calendar event as removed.
func (s *Store) SoftDeleteCalendarEvent(ctx context.Context, accountID, remoteID string) (bool, error) {
	return s.softDelete(ctx, "calendar_events", accountID, remoteID)
}

// UpsertChannel writes a channel row.
func (s *Store) UpsertChannel(ctx context.Context, c *Channel) (ChangeKind, error) {
	newHash := hashFields(c.TeamRemoteID, c.DisplayName, c.Description)

	var prevHash string
	var prevDeleted bool
	found := true
	err := s.DB.QueryRowContext(ctx, `
		SELECT payload_hash, deleted FROM channels WHERE account_id = ? AND remote_id = ?
	`, c.AccountID, c.RemoteID).Scan(&prevHash, &prevDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return Unchanged, fmt.Errorf("failed to load channel: %w", err)
	}

	kind := changeFor(prevHash, prevDeleted, newHash, found)
	if kind == Unchanged {
		return Unchanged, nil
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO channels (account_id, remote_id, team_remote_id, display_name,
			description, deleted, payload_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(account_id, remote_id) DO UPDATE SET
			team_remote_id = excluded.team_remote_id,
			display_name = excluded.display_name,
			description = excluded.description,
			deleted = 0,
			payload_hash = excluded.payload_hash,
			updated_at = excluded.updated_at
	`, c.AccountID, c.RemoteID, c.TeamRemoteID, c.DisplayName, c.Description,
		newHash, s.now().Unix())
	if err != nil {
		return Unchanged, fmt.Errorf("failed to upsert channel: %w", err)
	}
	return kind, nil
}

// ListChannels returns all live channels for an account.
func (s *Store) ListChannels(ctx context.Context, accountID string) ([]Channel, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT remote_id, team_remote_id, display_name, description
		FROM channels WHERE account_id = ? AND deleted = 0 ORDER BY remote_id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		c := Channel{AccountID: accountID}
		if err := rows.Scan(&c.RemoteID, &c.TeamRemoteID, &c.DisplayName, &c.Description); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// UpsertChannelMessage writes a channel chat message row.
func (s *Store) UpsertChannelMessage(ctx context.Context, m *ChannelMessage) (ChangeKind, error) {
	newHash := hashFields(m.TeamRemoteID, m.ChannelRemoteID, m.ReplyToRemoteID,
		m.Sender, m.Body, m.ReactionsJSON, m.AttachmentsJSON, m.MentionsJSON, m.SentAt.Unix())

	var prevHash string
	var prevDeleted bool
	found := true
	err := s.DB.QueryRowContext(ctx, `
		SELECT payload_hash, deleted FROM channel_messages WHERE account_id = ? AND remote_id = ?
	`, m.AccountID, m.RemoteID).Scan(&prevHash, &prevDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return Unchanged, fmt.Errorf("failed to load channel message: %w", err)
	}

	kind := changeFor(prevHash, prevDeleted, newHash, found)
	if kind == Unchanged {
		return Unchanged, nil
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO channel_messages (account_id, remote_id, team_remote_id,
			channel_remote_id, reply_to_remote_id, sender, body,
			reactions_json, attachments_json, mentions_json, sent_at,
			deleted, payload_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(account_id, remote_id) DO UPDATE SET
			team_remote_id = excluded.team_remote_id,
			channel_remote_id = excluded.channel_remote_id,
			reply_to_remote_id = excluded.reply_to_remote_id,
			sender = excluded.sender,
			body = excluded.body,
			reactions_json = excluded.reactions_json,
			attachments_json = excluded.attachments_json,
			mentions_json = excluded.mentions_json,
			sent_at = excluded.sent_at,
			deleted = 0,
			payload_hash = excluded.payload_hash,
			updated_at = excluded.updated_at
	`, m.AccountID, m.RemoteID, m.TeamRemoteID, m.ChannelRemoteID,
		m.ReplyToRemoteID, m.Sender, m.Body, m.ReactionsJSON,
		m.AttachmentsJSON, m.MentionsJSON, nullableUnix(m.SentAt),
		newHash, s.now().Unix())
	if err != nil {
		return Unchanged, fmt.Errorf("failed to upsert channel message: %w", err)
	}
	return kind, nil
}

// SoftDeleteChannelMessage flags a channel message as removed.
func (s *Store) SoftDeleteChannelMessage(ctx context.Context, accountID, remoteID string) (bool, error) {
	return s.softDelete(ctx, "channel_messages", accountID, remoteID)
}

// softDelete flags a live row in any mirror table keyed by
// (account_id, remote_id). The table name is always a compile-time constant
// from the callers above, never caller input.
func (s *Store) softDelete(ctx context.Context, table, accountID, remoteID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET deleted = 1, updated_at = ?
		WHERE account_id = ? AND remote_id = ? AND deleted = 0
	`, table), s.now().Unix(), accountID, remoteID)
	if err != nil {
		return false, fmt.Errorf("failed to soft-delete from %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
