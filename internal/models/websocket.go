package models

import "encoding/json"

type EventType string

const (
	// client -> server
	EventJoin   EventType = "join"
	EventLeave  EventType = "leave"
	EventEdit   EventType = "edit"
	EventCursor EventType = "cursor"

	// server -> client
	EventMembersChanged  EventType = "members-changed"
	EventDocumentUpdated EventType = "document-updated"
	EventCursorUpdated   EventType = "cursor-updated"
)

// AnonymousName is shown for connections that join without a usable name.
const AnonymousName = "anonymous"

type WebSocketMessage struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client payloads use `any` for loosely typed fields so a wrong type can be
// normalized instead of rejecting the event.

type JoinPayload struct {
	Room        string `json:"room"`
	DisplayName any    `json:"displayName"`
}

type LeavePayload struct {
	Room string `json:"room"`
}

type EditPayload struct {
	Room string `json:"room"`
	HTML any    `json:"html"`
	CSS  any    `json:"css"`
	JS   any    `json:"js"`
}

type CursorPayload struct {
	Room        string          `json:"room"`
	DisplayName any             `json:"displayName"`
	Color       any             `json:"color"`
	Position    *CursorPosition `json:"position"`
}

type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// MembersChanged carries the room's membership revision so a receiver can
// discard a list older than one it already has.
type MembersChanged struct {
	Room     string   `json:"room"`
	Members  []string `json:"members"`
	Revision int64    `json:"revision,omitempty"`
}

type DocumentUpdated struct {
	Room string `json:"room"`
	CodeState
}

type CursorUpdated struct {
	Room        string          `json:"room"`
	DisplayName string          `json:"displayName"`
	Color       *string         `json:"color"`
	Position    *CursorPosition `json:"position"`
	OriginID    string          `json:"originId"`
}

// NewMessage wraps a server event payload in its envelope.
func NewMessage(t EventType, payload any) (*WebSocketMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &WebSocketMessage{Type: t, Data: data}, nil
}

// NormalizeDisplayName returns v if it is a non-empty string, else AnonymousName.
func NormalizeDisplayName(v any) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return AnonymousName
}

// NormalizeColor returns v if it is a string, else nil.
func NormalizeColor(v any) *string {
	return stringPtr(v)
}
