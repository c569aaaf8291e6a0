package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dgallion1/markalign/internal/document"
)

// ErrRecordNotFound is returned by Find and Patch when no record matches.
var ErrRecordNotFound = errors.New("index record not found")

type recordKey struct {
	id  string
	typ DocumentType
}

type location struct {
	subject, year, qualification, exam string
}

// Store is an in-memory index with a flat lookup table over its records.
// All methods are safe for concurrent use; patches are serialized.
type Store struct {
	mu      sync.RWMutex
	source  string
	tree    *Hierarchy
	lookup  map[recordKey]*Record
	entries map[recordKey]location
	log     *zap.Logger
}

// Load reads an index file.
func Load(path string, log *zap.Logger) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read index %s", path)
	}
	var h Hierarchy
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, eris.Wrapf(err, "parse index %s", path)
	}
	s := New(&h, log)
	s.source = path
	return s, nil
}

// New wraps an already decoded hierarchy. log may be nil.
func New(h *Hierarchy, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if h == nil {
		h = &Hierarchy{}
	}
	if h.Subjects == nil {
		h.Subjects = map[string]*Subject{}
	}
	s := &Store{tree: h, log: log}
	s.rebuild()
	return s
}

// rebuild walks the hierarchy once and fills the lookup tables.
func (s *Store) rebuild() {
	s.lookup = make(map[recordKey]*Record)
	s.entries = make(map[recordKey]location)
	for _, subj := range sortedKeys(s.tree.Subjects) {
		subject := s.tree.Subjects[subj]
		if subject == nil {
			continue
		}
		for _, yr := range sortedKeys(subject.Years) {
			year := subject.Years[yr]
			if year == nil {
				continue
			}
			for _, ql := range sortedKeys(year.Qualifications) {
				qual := year.Qualifications[ql]
				if qual == nil {
					continue
				}
				for _, id := range sortedKeys(qual.Exams) {
					exam := qual.Exams[id]
					if exam == nil {
						continue
					}
					loc := location{subj, yr, ql, id}
					s.add(exam.QuestionPaper, QuestionPaper, loc)
					s.add(exam.MarkScheme, MarkScheme, loc)
				}
			}
		}
	}
}

func (s *Store) add(r *Record, typ DocumentType, loc location) {
	if r == nil || r.ID == "" {
		return
	}
	key := recordKey{r.ID, typ}
	if _, dup := s.lookup[key]; dup {
		s.log.Warn("duplicate record id in index, keeping first",
			zap.String("document_id", r.ID),
			zap.String("document_type", string(typ)),
			zap.String("exam", loc.exam))
		return
	}
	s.lookup[key] = r
	s.entries[key] = loc
}

// Source returns the path the store was loaded from, if any.
func (s *Store) Source() string { return s.source }

// Len returns the number of indexed records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lookup)
}

// Find returns a copy of the record for (id, typ).
func (s *Store) Find(id string, typ DocumentType) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.lookup[recordKey{id, typ}]
	if !ok {
		return Record{}, eris.Wrapf(ErrRecordNotFound, "%s %s", typ, id)
	}
	return *r, nil
}

// Patch attaches questions and a processing time to the record for
// (id, typ). A missing record is logged and reported as ErrRecordNotFound;
// the store is left unchanged.
func (s *Store) Patch(id string, typ DocumentType, questions []*document.Question, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lookup[recordKey{id, typ}]
	if !ok {
		s.log.Warn("patch target not in index",
			zap.String("document_id", id),
			zap.String("document_type", string(typ)))
		return eris.Wrapf(ErrRecordNotFound, "%s %s", typ, id)
	}
	if questions == nil {
		questions = []*document.Question{}
	}
	ts := processedAt.UTC()
	r.Questions = questions
	r.ProcessedAt = &ts
	s.log.Debug("patched index record",
		zap.String("document_id", id),
		zap.String("document_type", string(typ)),
		zap.Int("questions", len(questions)))
	return nil
}

// Locate returns the exam entry holding the record for (id, typ).
func (s *Store) Locate(id string, typ DocumentType) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.entries[recordKey{id, typ}]
	if !ok {
		return Entry{}, eris.Wrapf(ErrRecordNotFound, "%s %s", typ, id)
	}
	exam := s.tree.Subjects[loc.subject].Years[loc.year].Qualifications[loc.qualification].Exams[loc.exam]
	e := Entry{
		Subject:       loc.subject,
		Year:          loc.year,
		Qualification: loc.qualification,
		ExamID:        loc.exam,
	}
	if exam.QuestionPaper != nil {
		e.QuestionPaper = *exam.QuestionPaper
	}
	if exam.MarkScheme != nil {
		e.MarkScheme = *exam.MarkScheme
	}
	return e, nil
}

// Entries lists complete exam entries (both records present) that match f,
// in hierarchy order.
func (s *Store) Entries(f Filter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, subj := range sortedKeys(s.tree.Subjects) {
		subject := s.tree.Subjects[subj]
		if subject == nil {
			continue
		}
		for _, yr := range sortedKeys(subject.Years) {
			year := subject.Years[yr]
			if year == nil {
				continue
			}
			for _, ql := range sortedKeys(year.Qualifications) {
				qual := year.Qualifications[ql]
				if qual == nil {
					continue
				}
				for _, id := range sortedKeys(qual.Exams) {
					exam := qual.Exams[id]
					if exam == nil || exam.QuestionPaper == nil || exam.MarkScheme == nil {
						continue
					}
					e := Entry{
						Subject:       subj,
						Year:          yr,
						Qualification: ql,
						ExamID:        id,
						QuestionPaper: *exam.QuestionPaper,
						MarkScheme:    *exam.MarkScheme,
					}
					if f.match(e) {
						out = append(out, e)
					}
				}
			}
		}
	}
	return out
}

// Save writes the whole store to path, which must not be the file the store
// was loaded from. The write goes through a temp file and a rename.
func (s *Store) Save(path string) error {
	if path == "" {
		return eris.New("snapshot path is empty")
	}
	if s.source != "" && samePath(path, s.source) {
		return eris.Errorf("refusing to overwrite source index %s", s.source)
	}

	s.mu.RLock()
	data, err := json.MarshalIndent(s.tree, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return eris.Wrap(err, "marshal index")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".index-*.json")
	if err != nil {
		return eris.Wrap(err, "create temp snapshot")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return eris.Wrap(err, "write snapshot")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "close snapshot")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrapf(err, "rename snapshot to %s", path)
	}
	s.log.Info("index snapshot written", zap.String("path", path), zap.Int("records", s.Len()))
	return nil
}

// Snapshot saves the store to outputPath, or to a timestamped path next to
// the source when outputPath is empty, and returns the path written.
func (s *Store) Snapshot(outputPath string, now time.Time) (string, error) {
	if outputPath == "" {
		if s.source == "" {
			return "", eris.New("no output path and no source index to derive one from")
		}
		outputPath = SnapshotPath(s.source, now)
	}
	if err := s.Save(outputPath); err != nil {
		return "", err
	}
	return outputPath, nil
}

// SnapshotPath derives a timestamped artifact path next to source, e.g.
// index.json -> index.20261019T120000Z.json.
func SnapshotPath(source string, at time.Time) string {
	ext := filepath.Ext(source)
	if ext == "" {
		ext = ".json"
	}
	base := strings.TrimSuffix(source, filepath.Ext(source))
	return fmt.Sprintf("%s.%s%s", base, at.UTC().Format("20060102T150405Z"), ext)
}

func samePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return aa == bb
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
