package loader

import (
	"io"
	"regexp"
	"strings"

	"github.com/dgallion1/markalign/internal/document"
)

// MarkdownReader handles markdown dumps. Pages are separated by
// `<!-- page N -->` comments or, failing that, by form feeds.
type MarkdownReader struct{}

var pageMarkerRe = regexp.MustCompile(`(?im)^[ \t]*<!--\s*page\s*(\d+)?\s*-->[ \t]*$`)

func (p *MarkdownReader) ReadPages(r io.Reader, filename string) ([]document.Page, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	text := string(src)

	var parts []string
	if locs := pageMarkerRe.FindAllStringIndex(text, -1); len(locs) > 0 {
		// Content before the first marker is kept only if it is not blank.
		if lead := strings.TrimSpace(text[:locs[0][0]]); lead != "" {
			parts = append(parts, lead)
		}
		for i, loc := range locs {
			end := len(text)
			if i+1 < len(locs) {
				end = locs[i+1][0]
			}
			parts = append(parts, text[loc[1]:end])
		}
	} else {
		parts = splitOnFormFeed(text)
	}

	pages := make([]document.Page, 0, len(parts))
	for _, part := range parts {
		md := strings.TrimSpace(part)
		if md == "" && len(parts) == 1 {
			continue
		}
		page := document.Page{Index: len(pages), Markdown: md}
		markerImages(&page)
		pages = append(pages, page)
	}
	return normalizePages(pages), nil
}
