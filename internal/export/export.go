// Package export renders documents to printable HTML and converts them to
// PDF with headless Chrome.
package export

import (
	"errors"
	"time"
)

// Result is a finished export artifact.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// Meta carries the document metadata shown in the export header.
type Meta struct {
	Title     string
	OwnerName string
	Version   int
	UpdatedAt time.Time
}

// ErrPDFDependencyMissing indicates the Chromium binary is not installed.
var ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
