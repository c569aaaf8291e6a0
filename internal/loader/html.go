package loader

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/dgallion1/markalign/internal/document"
	"golang.org/x/net/html"
)

// HTMLReader handles HTML exports. Each element carrying the "page" class
// becomes one page; without such elements the body is a single page.
type HTMLReader struct{}

func (p *HTMLReader) ReadPages(r io.Reader, filename string) ([]document.Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var containers []*html.Node
	collectPages(doc, &containers)
	if len(containers) == 0 {
		body := findBody(doc)
		if body == nil {
			body = doc
		}
		containers = []*html.Node{body}
	}

	pages := make([]document.Page, 0, len(containers))
	for _, c := range containers {
		page := document.Page{Index: len(pages)}
		var sb strings.Builder
		renderMarkdown(c, &sb, &page)
		page.Markdown = strings.TrimSpace(sb.String())
		pages = append(pages, page)
	}
	if len(pages) == 1 && pages[0].Markdown == "" {
		return nil, nil
	}
	return pages, nil
}

func collectPages(n *html.Node, out *[]*html.Node) {
	if n.Type == html.ElementNode && hasClass(n, "page") {
		*out = append(*out, n)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectPages(c, out)
	}
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, f := range strings.Fields(a.Val) {
			if f == class {
				return true
			}
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// renderMarkdown writes a markdown rendering of n. Images become inline
// markers and are registered on the page.
func renderMarkdown(n *html.Node, sb *strings.Builder, page *document.Page) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "nav":
			return
		case "img":
			src := attr(n, "src")
			if src == "" {
				return
			}
			id := path.Base(src)
			fmt.Fprintf(sb, "![%s](%s)", attr(n, "alt"), src)
			page.Images = append(page.Images, document.ImageDescriptor{
				ID:        id,
				Path:      src,
				PageIndex: page.Index,
			})
			return
		}
		if level := headingLevel(n.Data); level > 0 {
			sb.WriteString("\n\n" + strings.Repeat("#", level) + " " + textContent(n) + "\n\n")
			return
		}
		switch n.Data {
		case "p", "div", "section", "table", "tr", "blockquote":
			sb.WriteString("\n\n")
		case "li":
			sb.WriteString("\n- ")
		case "br":
			sb.WriteString("\n")
		}
	}
	if n.Type == html.TextNode {
		sb.WriteString(strings.Join(strings.Fields(n.Data), " "))
		if strings.HasSuffix(n.Data, " ") {
			sb.WriteString(" ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderMarkdown(c, sb, page)
	}
}

func headingLevel(tag string) int {
	switch tag {
	case "h1":
		return 1
	case "h2":
		return 2
	case "h3":
		return 3
	case "h4":
		return 4
	case "h5":
		return 5
	case "h6":
		return 6
	}
	return 0
}

func textContent(n *html.Node) string {
	var buf strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(n)
	return strings.TrimSpace(buf.String())
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "body" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}
