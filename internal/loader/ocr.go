package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dgallion1/markalign/internal/document"
)

// OCRReader handles JSON page dumps produced by the OCR step. Both
// {"pages": [...]} and a bare page array are accepted.
type OCRReader struct{}

type ocrImage struct {
	ID           string `json:"id"`
	Path         string `json:"path"`
	TopLeftX     int    `json:"top_left_x"`
	TopLeftY     int    `json:"top_left_y"`
	BottomRightX int    `json:"bottom_right_x"`
	BottomRightY int    `json:"bottom_right_y"`
	ImageBase64  string `json:"image_base64"`
}

type ocrPage struct {
	Index    *int       `json:"index"`
	Markdown string     `json:"markdown"`
	Images   []ocrImage `json:"images"`
}

func (p *OCRReader) ReadPages(r io.Reader, filename string) ([]document.Page, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)

	var raw []ocrPage
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode pages %s: %w", filename, err)
		}
	} else {
		var wrapper struct {
			Pages []ocrPage `json:"pages"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("decode pages %s: %w", filename, err)
		}
		raw = wrapper.Pages
	}

	pages := make([]document.Page, 0, len(raw))
	for i, rp := range raw {
		idx := i
		if rp.Index != nil {
			idx = *rp.Index
		}
		page := document.Page{Index: idx, Markdown: rp.Markdown}
		for _, img := range rp.Images {
			path := img.Path
			if path == "" && img.ImageBase64 == "" {
				path = img.ID
			}
			page.Images = append(page.Images, document.ImageDescriptor{
				ID:   img.ID,
				Path: path,
				Data: img.ImageBase64,
				Box: document.BoundingBox{
					TopLeftX:     img.TopLeftX,
					TopLeftY:     img.TopLeftY,
					BottomRightX: img.BottomRightX,
					BottomRightY: img.BottomRightY,
				},
			})
		}
		pages = append(pages, page)
	}
	return normalizePages(pages), nil
}
