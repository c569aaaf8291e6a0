package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// RemoteSource fetches document content from an HTTP content server.
type RemoteSource struct {
	baseURL    string
	apiKey     string
	maxBytes   int64
	httpClient *http.Client
}

func NewRemoteSource(baseURL, apiKey string) *RemoteSource {
	return &RemoteSource{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		maxBytes: 256 << 20,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// resolve turns a content path into an absolute URL. Absolute URLs are used
// unchanged; anything else is joined onto the base URL.
func (s *RemoteSource) resolve(contentPath string) (string, error) {
	if isURL(contentPath) {
		return contentPath, nil
	}
	if s.baseURL == "" {
		return "", fmt.Errorf("no remote base url for %q", contentPath)
	}
	segments := strings.Split(strings.TrimLeft(contentPath, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/" + strings.Join(segments, "/"), nil
}

// Fetch retrieves the raw bytes stored at contentPath.
func (s *RemoteSource) Fetch(ctx context.Context, contentPath string) ([]byte, error) {
	u, err := s.resolve(contentPath)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch %s", contentPath)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, eris.Wrapf(ErrContentNotFound, "fetch %s", contentPath)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("fetch %s: status %d: %s", contentPath, resp.StatusCode, string(respBody))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", contentPath)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("fetch %s: content exceeds %d bytes", contentPath, s.maxBytes)
	}
	return data, nil
}

// Close releases idle connections.
func (s *RemoteSource) Close() {
	s.httpClient.CloseIdleConnections()
}

func isURL(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}
