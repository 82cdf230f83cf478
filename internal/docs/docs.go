// Package docs extracts plain text from the documents the agent reads:
// PDF files page by page, and HTML files as a single page.
package docs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnreadable wraps every extraction failure: missing files,
// permission errors and malformed documents alike.
var ErrUnreadable = errors.New("document unreadable")

// Reader extracts page text from documents.
type Reader struct {
	// MaxPages stops extraction after this many pages. Zero means no limit.
	MaxPages int
}

// NewReader creates a Reader with no page limit.
func NewReader() *Reader {
	return &Reader{}
}

// IsDocument reports whether path has an extension Pages knows how to
// extract (.pdf, .html, .htm). Other files are read as plain text by
// callers.
func IsDocument(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf", ".html", ".htm":
		return true
	}
	return false
}

// Pages returns the text of each page of the document at path. HTML
// documents yield a single page. Failures wrap ErrUnreadable.
func (r *Reader) Pages(path string) ([]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return r.pdfPages(path)
	case ".html", ".htm":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		return []string{htmlText(string(data))}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported document type %q", ErrUnreadable, filepath.Ext(path))
	}
}

// Text extracts the whole document, each page followed by a newline.
func (r *Reader) Text(path string) (string, error) {
	pages, err := r.Pages(path)
	if err != nil {
		return "", err
	}
	return JoinPages(pages), nil
}

// JoinPages concatenates page texts, terminating each with "\n".
func JoinPages(pages []string) string {
	var b strings.Builder
	for _, p := range pages {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return b.String()
}
