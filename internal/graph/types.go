package graph

import (
	"encoding/json"
	"time"
)

// Removed is the provider's marker on delta items that were deleted
// remotely.
type Removed struct {
	Reason string `json:"reason"`
}

// EmailAddress is the provider's nested address shape.
type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Recipient wraps an email address the way the provider nests it.
type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

// Folder is one mail folder delta item.
type Folder struct {
	ID              string   `json:"id"`
	DisplayName     string   `json:"displayName"`
	ParentFolderID  string   `json:"parentFolderId"`
	TotalItemCount  int      `json:"totalItemCount"`
	UnreadItemCount int      `json:"unreadItemCount"`
	Removed         *Removed `json:"@removed,omitempty"`
}

// FollowupFlag carries the message flag status.
type FollowupFlag struct {
	FlagStatus string `json:"flagStatus"`
}

// Message is one mail message delta item.
type Message struct {
	ID               string        `json:"id"`
	ParentFolderID   string        `json:"parentFolderId"`
	ConversationID   string        `json:"conversationId"`
	Subject          string        `json:"subject"`
	From             *Recipient    `json:"from,omitempty"`
	BodyPreview      string        `json:"bodyPreview"`
	IsRead           bool          `json:"isRead"`
	Flag             *FollowupFlag `json:"flag,omitempty"`
	ReceivedDateTime time.Time     `json:"receivedDateTime"`
	HasAttachments   bool          `json:"hasAttachments"`
	Removed          *Removed      `json:"@removed,omitempty"`
}

// Sender returns the from address, empty when absent.
func (m *Message) Sender() string {
	if m.From == nil {
		return ""
	}
	return m.From.EmailAddress.Address
}

// FlagStatus returns the flag status, empty when absent.
func (m *Message) FlagStatus() string {
	if m.Flag == nil {
		return ""
	}
	return m.Flag.FlagStatus
}

// DateTimeZone is the provider's event time shape.
type DateTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// ResponseStatus carries the user's response to an event.
type ResponseStatus struct {
	Response string `json:"response"`
}

// Event is one calendar event delta item. Recurrence is kept raw; the
// mirror stores it verbatim.
type Event struct {
	ID             string          `json:"id"`
	Subject        string          `json:"subject"`
	Organizer      *Recipient      `json:"organizer,omitempty"`
	Start          *DateTimeZone   `json:"start,omitempty"`
	End            *DateTimeZone   `json:"end,omitempty"`
	Recurrence     json.RawMessage `json:"recurrence,omitempty"`
	ResponseStatus *ResponseStatus `json:"responseStatus,omitempty"`
	Removed        *Removed        `json:"@removed,omitempty"`
}

// OrganizerAddress returns the organizer address, empty when absent.
func (e *Event) OrganizerAddress() string {
	if e.Organizer == nil {
		return ""
	}
	return e.Organizer.EmailAddress.Address
}

// Team is one joined team.
type Team struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Channel is one channel within a team.
type Channel struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

// ChatBody carries a channel message body.
type ChatBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// ChatFrom identifies a channel message sender.
type ChatFrom struct {
	User *struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	} `json:"user,omitempty"`
}

// ChannelMessage is one channel chat message delta item. Reply parents,
// reactions, attachments and mentions are kept raw for the mirror.
type ChannelMessage struct {
	ID              string          `json:"id"`
	ReplyToID       string          `json:"replyToId"`
	From            *ChatFrom       `json:"from,omitempty"`
	Body            *ChatBody       `json:"body,omitempty"`
	Reactions       json.RawMessage `json:"reactions,omitempty"`
	Attachments     json.RawMessage `json:"attachments,omitempty"`
	Mentions        json.RawMessage `json:"mentions,omitempty"`
	CreatedDateTime time.Time       `json:"createdDateTime"`
	DeletedDateTime *time.Time      `json:"deletedDateTime,omitempty"`
	Removed         *Removed        `json:"@removed,omitempty"`
}

// SenderName returns the sender display name, empty when absent.
func (m *ChannelMessage) SenderName() string {
	if m.From == nil || m.From.User == nil {
		return ""
	}
	return m.From.User.DisplayName
}

// BodyContent returns the body content, empty when absent.
func (m *ChannelMessage) BodyContent() string {
	if m.Body == nil {
		return ""
	}
	return m.Body.Content
}

// AttachmentMeta is attachment metadata listed on a message.
type AttachmentMeta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Page is one page of a delta or enumeration response. Exactly one of
// NextLink and DeltaLink is set on a well-formed provider response;
// NextLink means more pages remain, DeltaLink is the cursor for the next
// round.
type Page[T any] struct {
	Items     []T
	NextLink  string
	DeltaLink string
}

type deltaEnvelope[T any] struct {
	Value     []T    `json:"value"`
	NextLink  string `json:"@odata.nextLink"`
	DeltaLink string `json:"@odata.deltaLink"`
}

type listEnvelope[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}
