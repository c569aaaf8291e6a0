package loader

import (
	"io"
	"strings"

	"github.com/dgallion1/markalign/internal/document"
)

// TextReader handles plain text exports where pages are separated by form feeds.
type TextReader struct{}

func (p *TextReader) ReadPages(r io.Reader, filename string) ([]document.Page, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	text := strings.ReplaceAll(string(src), "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	parts := splitOnFormFeed(text)
	pages := make([]document.Page, 0, len(parts))
	for i, part := range parts {
		pages = append(pages, document.Page{Index: i, Markdown: strings.TrimSpace(part)})
	}
	return pages, nil
}
