package align

import (
	"fmt"
	"strings"

	"github.com/dgallion1/markalign/internal/document"
)

// DefaultLookahead is the number of pages, starting at the cursor, that one
// window shows of each document.
const DefaultLookahead = 2

// Window is the bounded excerpt pair sent to the oracle in one iteration.
type Window struct {
	QPExcerpt      string
	MSExcerpt      string
	QPCursor       int
	MSCursor       int
	QuestionNumber int
}

// WindowBuilder extracts look-ahead excerpts from a page sequence.
type WindowBuilder struct {
	Lookahead     int
	MaxPageTokens int // 0 means no per-page cap
}

// Window builds the excerpt pair for the given state.
func (b WindowBuilder) Window(qp, ms []document.Page, st State) Window {
	return Window{
		QPExcerpt:      b.Build(qp, st.QPCursor),
		MSExcerpt:      b.Build(ms, st.MSCursor),
		QPCursor:       st.QPCursor,
		MSCursor:       st.MSCursor,
		QuestionNumber: st.QuestionNumber,
	}
}

// Build returns the excerpt starting at cursor. It never fails: an out of
// range cursor or an empty page yields a sentinel line in the excerpt so the
// oracle can report the missing context itself.
func (b WindowBuilder) Build(pages []document.Page, cursor int) string {
	lookahead := b.Lookahead
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	if cursor < 0 || cursor >= len(pages) {
		if len(pages) == 0 {
			return fmt.Sprintf("[index %d out of bounds (document has no pages)]", cursor)
		}
		return fmt.Sprintf("[index %d out of bounds (0-%d)]", cursor, len(pages)-1)
	}

	var sb strings.Builder
	for i := cursor; i < cursor+lookahead && i < len(pages); i++ {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		page := pages[i]
		fmt.Fprintf(&sb, "--- page %d ---\n", i)
		text := strings.TrimSpace(page.Markdown)
		if text == "" {
			fmt.Fprintf(&sb, "[missing content at index %d]", i)
			continue
		}
		sb.WriteString(truncateTokens(text, b.MaxPageTokens))
	}
	return sb.String()
}

// EstimateTokens gives a rough token count (about 1.33 tokens per word).
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	tokens := int(float64(words) * 1.33)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

const truncatedMarker = "[truncated]"

// truncateTokens cuts text to roughly maxTokens, on a word boundary.
func truncateTokens(text string, maxTokens int) string {
	if maxTokens <= 0 || EstimateTokens(text) <= maxTokens {
		return text
	}
	maxWords := int(float64(maxTokens) / 1.33)
	if maxWords < 1 {
		maxWords = 1
	}

	// Walk words in place so the original line breaks survive.
	words := 0
	inWord := false
	for i, r := range text {
		isSpace := r == ' ' || r == '\n' || r == '\t' || r == '\r'
		if !isSpace && !inWord {
			if words == maxWords {
				return strings.TrimRight(text[:i], " \n\t\r") + "\n" + truncatedMarker
			}
			words++
		}
		inWord = !isSpace
	}
	return text
}
