package sync

import (
	"fmt"
	"strings"
)

// Scope kinds.
const (
	KindFolders  = "folders"
	KindMessages = "messages"
	KindCalendar = "calendar"
	KindTeams    = "teams"
)

// Scope identifies one independently-cursored resource tree:
// "folders", "messages:<folderID>", "calendar", or
// "teams:<teamID>:<channelID>".
type Scope struct {
	Kind      string
	FolderID  string
	TeamID    string
	ChannelID string
}

// FoldersScope is the mail-folder tree scope.
func FoldersScope() Scope { return Scope{Kind: KindFolders} }

// MessagesScope is the per-folder message scope.
func MessagesScope(folderID string) Scope {
	return Scope{Kind: KindMessages, FolderID: folderID}
}

// CalendarScope is the calendar event scope.
func CalendarScope() Scope { return Scope{Kind: KindCalendar} }

// ChannelScope is the per-channel chat message scope.
func ChannelScope(teamID, channelID string) Scope {
	return Scope{Kind: KindTeams, TeamID: teamID, ChannelID: channelID}
}

// ParseScope parses the wire form of a scope.
func ParseScope(s string) (Scope, error) {
	parts := strings.Split(s, ":")
	switch parts[0] {
	case KindFolders:
		if len(parts) == 1 {
			return FoldersScope(), nil
		}
	case KindCalendar:
		if len(parts) == 1 {
			return CalendarScope(), nil
		}
	case KindMessages:
		if len(parts) == 2 && parts[1] != "" {
			return MessagesScope(parts[1]), nil
		}
	case KindTeams:
		if len(parts) == 3 && parts[1] != "" && parts[2] != "" {
			return ChannelScope(parts[1], parts[2]), nil
		}
	}
	return Scope{}, fmt.Errorf("invalid sync scope %q", s)
}

// String renders the wire form stored in sync state rows.
func (s Scope) String() string {
	switch s.Kind {
	case KindMessages:
		return KindMessages + ":" + s.FolderID
	case KindTeams:
		return KindTeams + ":" + s.TeamID + ":" + s.ChannelID
	default:
		return s.Kind
	}
}
