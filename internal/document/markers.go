package document

import (
	"path"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ImageMarker is an inline `![alt](reference)` found in markdown text.
type ImageMarker struct {
	Alt       string
	Reference string
}

// ID returns the basename of the marker's reference, which is how OCR output
// names its extracted images.
func (m ImageMarker) ID() string {
	ref := m.Reference
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	ref = strings.ReplaceAll(ref, "\\", "/")
	return path.Base(ref)
}

var markdown = goldmark.New()

// ImageMarkers returns the image markers in markdown source, in document order.
func ImageMarkers(src string) []ImageMarker {
	if !strings.Contains(src, "![") {
		return nil
	}
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var markers []ImageMarker
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		img, ok := n.(*ast.Image)
		if !ok {
			return ast.WalkContinue, nil
		}
		dest := strings.TrimSpace(string(img.Destination))
		if dest == "" {
			return ast.WalkSkipChildren, nil
		}
		markers = append(markers, ImageMarker{
			Alt:       altText(img, source),
			Reference: dest,
		})
		return ast.WalkSkipChildren, nil
	})
	return markers
}

func altText(n ast.Node, src []byte) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			sb.Write(t.Segment.Value(src))
		} else {
			sb.WriteString(altText(c, src))
		}
	}
	return sb.String()
}
