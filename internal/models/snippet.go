package models

import (
	"encoding/json"
	"time"
)

// Snippet is the durable record backing a room. The room id is the snippet id.
// Other columns of the snippets table belong to the CRUD API and are never
// read or written here.
type Snippet struct {
	ID        string    `json:"id"`
	HTML      string    `json:"html"`
	CSS       string    `json:"css"`
	JS        string    `json:"js"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CodeState is the in-progress content of a room. A nil field was not
// supplied and must not overwrite the durable value.
type CodeState struct {
	HTML *string `json:"html,omitempty"`
	CSS  *string `json:"css,omitempty"`
	JS   *string `json:"js,omitempty"`
}

func (s CodeState) IsEmpty() bool {
	return s.HTML == nil && s.CSS == nil && s.JS == nil
}

// CodeStateFromValues keeps only the string-typed html/css/js values.
func CodeStateFromValues(html, css, js any) CodeState {
	return CodeState{
		HTML: stringPtr(html),
		CSS:  stringPtr(css),
		JS:   stringPtr(js),
	}
}

// ParseCodeState decodes a cached document. Fields that are missing or not
// strings are dropped rather than failing the whole document.
func ParseCodeState(raw []byte) (CodeState, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return CodeState{}, err
	}
	return CodeStateFromValues(fields["html"], fields["css"], fields["js"]), nil
}

func stringPtr(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}
