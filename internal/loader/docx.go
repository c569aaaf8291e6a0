package loader

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dgallion1/markalign/internal/document"
	"github.com/fumiama/go-docx"
)

// DOCXReader handles .docx mark schemes. Explicit page breaks start a new
// page; headings are rendered as markdown headings.
type DOCXReader struct{}

func (p *DOCXReader) ReadPages(r io.Reader, filename string) ([]document.Page, error) {
	// go-docx needs a ReadSeeker+size, so write to temp file.
	tmp, err := os.CreateTemp("", "markalign-docx-*.docx")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("seek temp file: %w", err)
	}

	doc, err := docx.Parse(tmp, size)
	tmp.Close()
	if err != nil {
		return nil, fmt.Errorf("parse docx: %w", err)
	}

	var pages []document.Page
	var current strings.Builder
	flushPage := func() {
		pages = append(pages, document.Page{
			Index:    len(pages),
			Markdown: strings.TrimSpace(current.String()),
		})
		current.Reset()
	}

	for _, item := range doc.Document.Body.Items {
		para, ok := item.(*docx.Paragraph)
		if !ok {
			continue
		}
		text, breaks := docxParagraphText(para)
		if text != "" {
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			if level := docxHeadingLevel(para); level > 0 {
				current.WriteString(strings.Repeat("#", level) + " ")
			}
			current.WriteString(text)
		}
		for range breaks {
			flushPage()
		}
	}
	if current.Len() > 0 || len(pages) == 0 {
		flushPage()
	}
	if len(pages) == 1 && pages[0].Markdown == "" {
		return nil, nil
	}
	return pages, nil
}

func docxHeadingLevel(para *docx.Paragraph) int {
	if para.Properties == nil || para.Properties.Style == nil {
		return 0
	}
	style := strings.ToLower(strings.ReplaceAll(para.Properties.Style.Val, " ", ""))
	if !strings.HasPrefix(style, "heading") {
		return 0
	}
	switch strings.TrimPrefix(style, "heading") {
	case "1":
		return 1
	case "2":
		return 2
	case "3":
		return 3
	case "4":
		return 4
	case "5":
		return 5
	case "6":
		return 6
	}
	return 0
}

// docxParagraphText returns the paragraph text and the number of page
// breaks it contains.
func docxParagraphText(para *docx.Paragraph) (string, int) {
	var buf strings.Builder
	breaks := 0
	for _, child := range para.Children {
		run, ok := child.(*docx.Run)
		if !ok {
			continue
		}
		for _, rc := range run.Children {
			switch v := rc.(type) {
			case *docx.Text:
				buf.WriteString(v.Text)
			case *docx.BarterRabbet:
				if v.Type == "page" {
					breaks++
				}
			}
		}
	}
	return strings.TrimSpace(buf.String()), breaks
}
