// Package modules resolves module references to ready-to-instantiate
// compiled WASM artifacts: a byte source fetches raw module bytes and a
// bounded cache memoizes the compiled form per reference.
package modules

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Source fetches raw module bytes for a reference. Implementations wrap
// failures as *FetchError.
type Source interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// ByteSource fetches module bytes over a plain addressable path. A
// reference that is already a full http(s) address is fetched directly;
// anything else resolves relative to the configured base location,
// which is either an HTTP base or a local directory.
type ByteSource struct {
	base   string
	client *http.Client
}

// NewSource returns a ByteSource rooted at base. An empty base resolves
// plain references as local paths.
func NewSource(base string) *ByteSource {
	return &ByteSource{
		base:   base,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch returns the raw bytes for ref, failing with *FetchError when the
// source is unreachable or returns non-success.
func (s *ByteSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	addr := ref
	if !isHTTP(ref) {
		if !isHTTP(s.base) {
			data, err := os.ReadFile(filepath.Join(s.base, ref))
			if err != nil {
				return nil, &FetchError{Ref: ref, Err: err}
			}
			return data, nil
		}
		joined, err := url.JoinPath(s.base, ref)
		if err != nil {
			return nil, &FetchError{Ref: ref, Err: err}
		}
		addr = joined
	}
	return s.fetchHTTP(ctx, addr, ref)
}

func (s *ByteSource) fetchHTTP(ctx context.Context, addr, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return nil, &FetchError{Ref: ref, Err: err}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &FetchError{Ref: ref, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Ref: ref, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Ref: ref, Err: err}
	}
	return data, nil
}

func isHTTP(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
