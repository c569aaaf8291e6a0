package extract

import (
	"fmt"
	"strings"
)

// SystemPrompt frames every oracle call.
const SystemPrompt = `You align exam question papers with their mark schemes. You only ever answer with a single JSON object.`

// AlignmentPrompt describes the reply schema the validator expects.
const AlignmentPrompt = `You are given an excerpt of an exam QUESTION PAPER and an excerpt of its MARK SCHEME.
Both are OCR'd markdown; page boundaries are marked with "--- page N ---".
Extract every complete question starting from question number %d that appears in BOTH excerpts.

Return a JSON object with these fields:

- "questions": list of question objects, each with
  - "question_number": the printed number (string, e.g. "3" or "3(b)")
  - "question_text": the full question text as markdown; keep image markers like ![img-0.jpeg](img-0.jpeg) exactly where they appear
  - "mark_scheme": the mark scheme text for this question (string)
  - "max_marks": total marks available (integer)
  - "assessment_objectives": list of assessment objective codes, e.g. ["AO1", "AO2"]
  - "sub_questions": optional list of question objects with the same fields
- "next_question_paper_index": the question paper page index where the next unextracted question starts (integer)
- "next_mark_scheme_index": the mark scheme page index where the next unextracted answer starts (integer)
- "next_question_number": the number of the next question to extract (integer)
- "context_complete": {"question_paper": bool, "mark_scheme": bool}, false when the excerpt ends in the middle of a question or its mark scheme and more pages are needed

Rules:
- Do not invent questions or marks that are not in the excerpts
- If a question continues past the end of an excerpt, set the matching context_complete flag to false
- If an excerpt says it is out of bounds or missing content, treat that side as exhausted
- Respond with ONLY the JSON object, no other text.`

// BuildPrompt composes the oracle prompt for one alignment window.
func BuildPrompt(qpExcerpt, msExcerpt string, questionNumber int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(AlignmentPrompt, questionNumber))
	sb.WriteString("\n\n=== QUESTION PAPER ===\n")
	sb.WriteString(qpExcerpt)
	sb.WriteString("\n\n=== MARK SCHEME ===\n")
	sb.WriteString(msExcerpt)
	sb.WriteString("\n\n=== CURRENT QUESTION NUMBER ===\n")
	sb.WriteString(fmt.Sprintf("%d\n", questionNumber))
	return sb.String()
}
