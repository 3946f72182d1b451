// Package content models document bodies as a tagged union keyed by the
// document type. Every consumer switches on Kind; a spreadsheet's cell map
// can never be read as presentation slides.
package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

type Kind string

const (
	KindText         Kind = "text"
	KindSpreadsheet  Kind = "spreadsheet"
	KindPresentation Kind = "presentation"
)

var ErrUnknownKind = errors.New("unknown content kind")

type Slide struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Notes string `json:"notes,omitempty"`
}

type Content struct {
	Kind   Kind
	HTML   string            // kind == text
	Cells  map[string]string // kind == spreadsheet, cell ref -> value
	Slides []Slide           // kind == presentation
}

func ValidKind(kind string) bool {
	switch Kind(kind) {
	case KindText, KindSpreadsheet, KindPresentation:
		return true
	default:
		return false
	}
}

// Empty returns the zero body for a kind, used when seeding version 1.
func Empty(kind Kind) Content {
	switch kind {
	case KindSpreadsheet:
		return Content{Kind: kind, Cells: map[string]string{}}
	case KindPresentation:
		return Content{Kind: kind, Slides: []Slide{}}
	default:
		return Content{Kind: KindText}
	}
}

type envelope struct {
	Kind   Kind              `json:"kind"`
	HTML   string            `json:"html,omitempty"`
	Cells  map[string]string `json:"cells,omitempty"`
	Slides []Slide           `json:"slides,omitempty"`
}

func (c Content) MarshalJSON() ([]byte, error) {
	env := envelope{Kind: c.Kind}
	switch c.Kind {
	case KindText:
		env.HTML = c.HTML
	case KindSpreadsheet:
		env.Cells = c.Cells
		if env.Cells == nil {
			env.Cells = map[string]string{}
		}
	case KindPresentation:
		env.Slides = c.Slides
		if env.Slides == nil {
			env.Slides = []Slide{}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}
	return json.Marshal(env)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode content: %w", err)
	}
	switch env.Kind {
	case KindText:
		*c = Content{Kind: KindText, HTML: env.HTML}
	case KindSpreadsheet:
		cells := env.Cells
		if cells == nil {
			cells = map[string]string{}
		}
		*c = Content{Kind: KindSpreadsheet, Cells: cells}
	case KindPresentation:
		slides := env.Slides
		if slides == nil {
			slides = []Slide{}
		}
		*c = Content{Kind: KindPresentation, Slides: slides}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return nil
}

// Parse decodes a stored body and rejects a payload whose kind does not
// match the document's declared type.
func Parse(kind Kind, raw []byte) (Content, error) {
	if len(raw) == 0 {
		return Empty(kind), nil
	}
	var c Content
	if err := json.Unmarshal(raw, &c); err != nil {
		return Content{}, err
	}
	if c.Kind != kind {
		return Content{}, fmt.Errorf("content kind %q does not match document type %q", c.Kind, kind)
	}
	return c, nil
}

// Canonical returns a deterministic serialization used for dirty comparison
// and stored-size accounting. Map keys serialize sorted, so two equal cell
// maps always produce identical bytes.
func (c Content) Canonical() ([]byte, error) {
	return json.Marshal(c)
}

// Equal compares two bodies by value via their canonical serialization.
func Equal(a, b Content) bool {
	left, err := a.Canonical()
	if err != nil {
		return false
	}
	right, err := b.Canonical()
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// Size reports the stored size of a body in bytes.
func (c Content) Size() int64 {
	raw, err := c.Canonical()
	if err != nil {
		return 0
	}
	return int64(len(raw))
}

const describeLimit = 500

// Describe flattens a stored body into a short plain-text excerpt for
// search indexing. Unparseable bodies describe as empty rather than
// failing the caller.
func Describe(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var c Content
	if err := json.Unmarshal(raw, &c); err != nil {
		return ""
	}

	var text string
	switch c.Kind {
	case KindText:
		text = stripTags(c.HTML)
	case KindSpreadsheet:
		keys := make([]string, 0, len(c.Cells))
		for key := range c.Cells {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			if value := strings.TrimSpace(c.Cells[key]); value != "" {
				parts = append(parts, value)
			}
		}
		text = strings.Join(parts, " ")
	case KindPresentation:
		parts := make([]string, 0, len(c.Slides)*2)
		for _, slide := range c.Slides {
			if slide.Title != "" {
				parts = append(parts, slide.Title)
			}
			if slide.Body != "" {
				parts = append(parts, stripTags(slide.Body))
			}
		}
		text = strings.Join(parts, " ")
	}

	text = strings.Join(strings.Fields(text), " ")
	if len(text) > describeLimit {
		cut := describeLimit
		// back up to a rune boundary so the excerpt stays valid UTF-8
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
			b.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
