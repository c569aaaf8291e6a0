package loader

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dgallion1/markalign/internal/document"
)

// PageReader converts raw document bytes into an ordered page sequence.
type PageReader interface {
	ReadPages(r io.Reader, filename string) ([]document.Page, error)
}

// SupportedExtensions lists file extensions the loader can read.
var SupportedExtensions = map[string]bool{
	".json":     true,
	".md":       true,
	".markdown": true,
	".txt":      true,
	".html":     true,
	".htm":      true,
	".pdf":      true,
	".docx":     true,
}

// ForFile returns the appropriate page reader for a filename.
func ForFile(filename string) (PageReader, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".json":
		return &OCRReader{}, nil
	case ".md", ".markdown":
		return &MarkdownReader{}, nil
	case ".txt":
		return &TextReader{}, nil
	case ".html", ".htm":
		return &HTMLReader{}, nil
	case ".pdf":
		return &PDFReader{FallbackPdftotext: true}, nil
	case ".docx":
		return &DOCXReader{}, nil
	default:
		return nil, fmt.Errorf("unsupported file extension: %q", ext)
	}
}

// IsSupportedExtension checks if a file extension is supported.
func IsSupportedExtension(filename string) bool {
	return SupportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// normalizePages orders pages by index and stamps each image with its page.
// Pages without an explicit index keep their position in the source.
func normalizePages(pages []document.Page) []document.Page {
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].Index < pages[j].Index })
	for i := range pages {
		for j := range pages[i].Images {
			pages[i].Images[j].PageIndex = pages[i].Index
		}
	}
	return pages
}

// splitOnFormFeed splits extracted text into pages.
func splitOnFormFeed(text string) []string {
	return strings.Split(text, "\f")
}

// markerImages registers an image descriptor for every inline marker on the
// page that has no descriptor of its own.
func markerImages(page *document.Page) {
	known := make(map[string]bool, len(page.Images))
	for _, img := range page.Images {
		known[img.ID] = true
	}
	for _, m := range document.ImageMarkers(page.Markdown) {
		id := m.ID()
		if id == "" || id == "." || known[id] {
			continue
		}
		known[id] = true
		page.Images = append(page.Images, document.ImageDescriptor{
			ID:        id,
			Path:      m.Reference,
			PageIndex: page.Index,
		})
	}
}
