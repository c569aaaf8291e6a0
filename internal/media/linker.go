// Package media attaches diagram references found in question text to the
// question records that mention them.
package media

import (
	"path"
	"strings"

	"github.com/dgallion1/markalign/internal/document"
)

// Catalog maps an image id to its descriptor across a set of pages.
type Catalog map[string]document.ImageDescriptor

// NewCatalog indexes every image on the given pages. Descriptors are also
// reachable by the basename of their path; the first descriptor for an id
// wins.
func NewCatalog(pages ...[]document.Page) Catalog {
	c := make(Catalog)
	for _, doc := range pages {
		for _, p := range doc {
			for _, img := range p.Images {
				if img.PageIndex == 0 && p.Index != 0 {
					img.PageIndex = p.Index
				}
				c.add(img.ID, img)
				if img.Path != "" {
					c.add(path.Base(strings.ReplaceAll(img.Path, "\\", "/")), img)
				}
			}
		}
	}
	return c
}

func (c Catalog) add(key string, img document.ImageDescriptor) {
	if key == "" || key == "." || key == "/" {
		return
	}
	if _, ok := c[key]; !ok {
		c[key] = img
	}
}

// Resolve finds the descriptor for a marker reference by its basename.
func (c Catalog) Resolve(reference string) (document.ImageDescriptor, bool) {
	id := document.ImageMarker{Reference: reference}.ID()
	img, ok := c[id]
	return img, ok
}

// Link populates MediaFiles on every question and sub-question from the image
// markers in its text. Running it again on the same input adds nothing.
func Link(questions []*document.Question, pages ...[]document.Page) []*document.Question {
	catalog := NewCatalog(pages...)
	document.Walk(questions, func(q *document.Question, _ int) {
		linkQuestion(q, catalog)
	})
	return questions
}

func linkQuestion(q *document.Question, catalog Catalog) {
	if q.MediaFiles == nil {
		q.MediaFiles = []document.MediaReference{}
	}
	for _, m := range document.ImageMarkers(q.Text) {
		img, ok := catalog.Resolve(m.Reference)
		if !ok {
			continue
		}
		ref := img.Reference()
		if q.HasMedia(ref.ID) {
			continue
		}
		q.MediaFiles = append(q.MediaFiles, ref)
	}
}
