package batcher

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Event is one user interaction, in the submission endpoint's wire shape.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	UserID    string         `json:"user_id"`
	Page      string         `json:"page,omitempty"`
	ElementID string         `json:"element_id,omitempty"`
	Success   *bool          `json:"success,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// highFrequency kinds come from continuous sources and are debounced by Track.
var highFrequency = map[string]bool{
	"input":  true,
	"scroll": true,
	"resize": true,
}

// MaxElementIDLength bounds the derived element identifier.
const MaxElementIDLength = 100

// ElementRef describes the UI element an interaction happened on.
type ElementRef struct {
	Tag     string // explicit tracking tag
	DOMID   string
	TagName string // e.g. "BUTTON"
	Text    string // visible text
}

// Identifier derives the element id: the explicit tag, else the DOM id,
// else "{tag}.{text}". The result is at most MaxElementIDLength characters.
func (e ElementRef) Identifier() string {
	var id string
	switch {
	case e.Tag != "":
		id = e.Tag
	case e.DOMID != "":
		id = e.DOMID
	case e.TagName != "":
		id = strings.ToLower(e.TagName)
		if text := strings.Join(strings.Fields(e.Text), " "); text != "" {
			id += "." + text
		}
	}
	return truncate(id, MaxElementIDLength)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
