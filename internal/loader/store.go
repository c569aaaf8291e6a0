package loader

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/dgallion1/markalign/internal/document"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrContentNotFound is returned when a document or its page file is missing.
var ErrContentNotFound = errors.New("content not found")

// Store loads page sequences by content path, from the local filesystem or
// from a remote content server.
type Store struct {
	root   string
	remote *RemoteSource
	log    *zap.Logger

	// PDFFallback lets the PDF reader shell out to pdftotext when the
	// text layer cannot be decoded.
	PDFFallback bool
}

// NewStore creates a Store rooted at root. remote may be nil; when set, every
// relative content path is fetched from it instead of the filesystem.
func NewStore(root string, remote *RemoteSource, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{root: root, remote: remote, log: log, PDFFallback: true}
}

// Load returns the ordered pages of the document stored at contentPath.
func (s *Store) Load(ctx context.Context, contentPath string) ([]document.Page, error) {
	if contentPath == "" {
		return nil, eris.Wrap(ErrContentNotFound, "empty content path")
	}

	reader, err := ForFile(filenameOf(contentPath))
	if err != nil {
		return nil, eris.Wrapf(err, "load %s", contentPath)
	}
	if pr, ok := reader.(*PDFReader); ok {
		pr.FallbackPdftotext = s.PDFFallback
	}

	data, err := s.read(ctx, contentPath)
	if err != nil {
		return nil, err
	}

	pages, err := reader.ReadPages(bytes.NewReader(data), filenameOf(contentPath))
	if err != nil {
		return nil, eris.Wrapf(err, "read pages %s", contentPath)
	}
	if len(pages) == 0 {
		return nil, eris.Wrapf(ErrContentNotFound, "%s has no pages", contentPath)
	}
	s.log.Debug("loaded document", zap.String("path", contentPath), zap.Int("pages", len(pages)))
	return pages, nil
}

func (s *Store) read(ctx context.Context, contentPath string) ([]byte, error) {
	if isURL(contentPath) {
		if s.remote == nil {
			return NewRemoteSource("", "").Fetch(ctx, contentPath)
		}
		return s.remote.Fetch(ctx, contentPath)
	}
	if s.remote != nil {
		return s.remote.Fetch(ctx, contentPath)
	}

	p := contentPath
	if !filepath.IsAbs(p) && s.root != "" {
		p = filepath.Join(s.root, p)
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrContentNotFound, "open %s", p)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", p)
	}
	return data, nil
}

func filenameOf(contentPath string) string {
	if isURL(contentPath) {
		return path.Base(contentPath)
	}
	return filepath.Base(contentPath)
}
