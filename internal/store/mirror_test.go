package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertFolderChangeKinds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := &Folder{AccountID: "acc1", RemoteID: "F1", DisplayName: "Inbox", TotalCount: 3}

	kind, err := s.UpsertFolder(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, Created, kind)

	// Identical payload is a no-op.
	kind, err = s.UpsertFolder(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, kind)

	f.UnreadCount = 2
	kind, err = s.UpsertFolder(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, Updated, kind)

	folders, err := s.ListFolders(ctx, "acc1")
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, 2, folders[0].UnreadCount)
}

func TestSoftDeleteKeepsRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &Message{
		AccountID:      "acc1",
		RemoteID:       "M1",
		FolderRemoteID: "F1",
		Subject:        "hello",
		ReceivedAt:     time.Unix(1700000000, 0),
	}
	_, err := s.UpsertMessage(ctx, m)
	require.NoError(t, err)

	flagged, err := s.SoftDeleteMessage(ctx, "acc1", "M1")
	require.NoError(t, err)
	assert.True(t, flagged)

	// Second delete of the same row reports nothing flagged.
	flagged, err = s.SoftDeleteMessage(ctx, "acc1", "M1")
	require.NoError(t, err)
	assert.False(t, flagged)

	// Deleting an unknown id is not an error either.
	flagged, err = s.SoftDeleteMessage(ctx, "acc1", "nope")
	require.NoError(t, err)
	assert.False(t, flagged)

	got, err := s.GetMessage(ctx, "acc1", "M1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Deleted)
	assert.Equal(t, "hello", got.Subject)

	n, err := s.CountMessages(ctx, "acc1", "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUpsertResurrectsDeletedRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &CalendarEvent{AccountID: "acc1", RemoteID: "E1", Subject: "standup", StartsAt: "2026-01-05T09:00:00Z"}
	_, err := s.UpsertCalendarEvent(ctx, e)
	require.NoError(t, err)

	_, err = s.SoftDeleteCalendarEvent(ctx, "acc1", "E1")
	require.NoError(t, err)

	// Re-appearing with the same payload still counts as an update
	// because the row transitions back to live.
	kind, err := s.UpsertCalendarEvent(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, Updated, kind)
}

func TestCountMessagesPerFolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, m := range []Message{
		{AccountID: "acc1", RemoteID: "M1", FolderRemoteID: "F1"},
		{AccountID: "acc1", RemoteID: "M2", FolderRemoteID: "F1"},
		{AccountID: "acc1", RemoteID: "M3", FolderRemoteID: "F2"},
	} {
		m := m
		_, err := s.UpsertMessage(ctx, &m)
		require.NoError(t, err)
	}

	n, err := s.CountMessages(ctx, "acc1", "F1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountMessages(ctx, "acc1", "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestUpsertAttachmentPreservesContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &Attachment{
		AccountID:       "acc1",
		MessageRemoteID: "M1",
		RemoteID:        "A1",
		Name:            "report.pdf",
		ContentType:     "application/pdf",
		SizeBytes:       42,
		Content:         []byte("pdf-bytes"),
	}
	require.NoError(t, s.UpsertAttachment(ctx, a))

	// A metadata-only refresh must not wipe previously stored bytes.
	a.Content = nil
	a.Name = "report-v2.pdf"
	require.NoError(t, s.UpsertAttachment(ctx, a))

	var name string
	var content []byte
	err := s.DB.QueryRowContext(ctx, `
		SELECT name, content FROM attachments
		WHERE account_id = ? AND message_remote_id = ? AND remote_id = ?
	`, "acc1", "M1", "A1").Scan(&name, &content)
	require.NoError(t, err)
	assert.Equal(t, "report-v2.pdf", name)
	assert.Equal(t, []byte("pdf-bytes"), content)
}

func TestChannelMessageUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &ChannelMessage{
		AccountID:       "acc1",
		RemoteID:        "CM1",
		TeamRemoteID:    "T1",
		ChannelRemoteID: "C1",
		Sender:          "Ada",
		Body:            "first",
		SentAt:          time.Unix(1700000000, 0),
	}
	kind, err := s.UpsertChannelMessage(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, Created, kind)

	m.Body = "edited"
	kind, err = s.UpsertChannelMessage(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, Updated, kind)

	ok, err := s.SoftDeleteChannelMessage(ctx, "acc1", "CM1")
	require.NoError(t, err)
	assert.True(t, ok)
}
