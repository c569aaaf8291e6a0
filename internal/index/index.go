// Package index holds the hierarchical exam index (subject, year,
// qualification, exam) and the patch operation that attaches aligned
// questions to its document records.
package index

import (
	"time"

	"github.com/dgallion1/markalign/internal/document"
)

// DocumentType distinguishes the two records of an exam entry.
type DocumentType string

const (
	QuestionPaper DocumentType = "question_paper"
	MarkScheme    DocumentType = "mark_scheme"
)

// Valid reports whether t is a known document type.
func (t DocumentType) Valid() bool {
	return t == QuestionPaper || t == MarkScheme
}

// Record is one document inside an exam entry.
type Record struct {
	ID                 string               `json:"id"`
	ContentPath        string               `json:"content_path"`
	QuestionStartIndex int                  `json:"question_start_index"`
	Questions          []*document.Question `json:"questions,omitempty"`
	ProcessedAt        *time.Time           `json:"processed_at,omitempty"`
	Metadata           map[string]any       `json:"metadata,omitempty"`
}

// Exam pairs a question paper with its mark scheme.
type Exam struct {
	QuestionPaper *Record        `json:"question_paper,omitempty"`
	MarkScheme    *Record        `json:"mark_scheme,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type Qualification struct {
	Exams map[string]*Exam `json:"exams"`
}

type Year struct {
	Qualifications map[string]*Qualification `json:"qualifications"`
}

type Subject struct {
	Years map[string]*Year `json:"years"`
}

// Hierarchy is the serialized form of the index.
type Hierarchy struct {
	Subjects map[string]*Subject `json:"subjects"`
}

// Entry is a flattened view of one exam with its position in the hierarchy.
type Entry struct {
	Subject       string `json:"subject"`
	Year          string `json:"year"`
	Qualification string `json:"qualification"`
	ExamID        string `json:"exam_id"`
	QuestionPaper Record `json:"question_paper"`
	MarkScheme    Record `json:"mark_scheme"`
}

// Processed reports whether aligned questions were already attached. Results
// live on the question paper record.
func (e Entry) Processed() bool {
	return e.QuestionPaper.ProcessedAt != nil
}

// Filter narrows Entries. Empty fields match everything.
type Filter struct {
	Subject          string
	Year             string
	Qualification    string
	IncludeProcessed bool
}

func (f Filter) match(e Entry) bool {
	if f.Subject != "" && f.Subject != e.Subject {
		return false
	}
	if f.Year != "" && f.Year != e.Year {
		return false
	}
	if f.Qualification != "" && f.Qualification != e.Qualification {
		return false
	}
	return f.IncludeProcessed || !e.Processed()
}
