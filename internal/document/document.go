package document

// Page is one OCR'd page of a source document.
type Page struct {
	Index    int               `json:"index"`
	Markdown string            `json:"markdown"`
	Images   []ImageDescriptor `json:"images,omitempty"`
}

// BoundingBox holds the top-left and bottom-right corners of an image on its page.
type BoundingBox struct {
	TopLeftX     int `json:"top_left_x"`
	TopLeftY     int `json:"top_left_y"`
	BottomRightX int `json:"bottom_right_x"`
	BottomRightY int `json:"bottom_right_y"`
}

// ImageDescriptor describes a diagram extracted alongside a page.
type ImageDescriptor struct {
	ID        string      `json:"id"`
	Path      string      `json:"path,omitempty"`
	Data      string      `json:"image_base64,omitempty"` // inline data, when no path
	Box       BoundingBox `json:"coordinates"`
	PageIndex int         `json:"page_index"`
}

// MediaReference is a diagram attached to a question, copied from an ImageDescriptor.
type MediaReference struct {
	ID        string      `json:"id"`
	Path      string      `json:"path"`
	Box       BoundingBox `json:"coordinates"`
	PageIndex int         `json:"page_index"`
}

// Question is one extracted question with its mark scheme. Sub-questions
// share the same shape.
type Question struct {
	Number               string           `json:"question_number"`
	Text                 string           `json:"question_text"`
	MarkScheme           string           `json:"mark_scheme"`
	MaxMarks             int              `json:"max_marks"`
	AssessmentObjectives []string         `json:"assessment_objectives"`
	SubQuestions         []*Question      `json:"sub_questions,omitempty"`
	MediaFiles           []MediaReference `json:"media_files"`
}

// HasMedia reports whether a reference with the given id is already attached.
func (q *Question) HasMedia(id string) bool {
	for _, m := range q.MediaFiles {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Reference converts an image descriptor into a media reference.
func (d ImageDescriptor) Reference() MediaReference {
	return MediaReference{
		ID:        d.ID,
		Path:      d.Path,
		Box:       d.Box,
		PageIndex: d.PageIndex,
	}
}

// Visitor is called for every question in a tree, parents before children.
type Visitor func(q *Question, depth int)

// Walk visits each question and, recursively, its sub-questions.
func Walk(questions []*Question, visit Visitor) {
	walk(questions, visit, 0)
}

func walk(questions []*Question, visit Visitor, depth int) {
	for _, q := range questions {
		if q == nil {
			continue
		}
		visit(q, depth)
		walk(q.SubQuestions, visit, depth+1)
	}
}

// Count returns the number of questions in the tree, sub-questions included.
func Count(questions []*Question) int {
	n := 0
	Walk(questions, func(*Question, int) { n++ })
	return n
}
