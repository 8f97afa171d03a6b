// Package specfetch retrieves OpenAPI specs from their source URL. The
// fetcher hashes what it downloads so callers can detect unchanged specs
// and re-fetch idempotently.
package specfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/domain/qapackage"
)

// ErrSpecTooLarge is returned when the source exceeds the size cap.
var ErrSpecTooLarge = errors.New("spec exceeds maximum size")

// Fetcher retrieves spec content. Implementations are expected to bound
// their own I/O with the supplied context.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Result, error)
}

// Result is a fetched spec with its canonical hash.
type Result struct {
	Content string
	Hash    string
}

// HTTPFetcher fetches specs over HTTP(S).
type HTTPFetcher struct {
	client  *http.Client
	maxSize int64
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher with the given timeout and size cap.
// Zero values default to 30s and 10 MiB.
func NewHTTPFetcher(timeout time.Duration, maxSize int64) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 10 << 20
	}
	return &HTTPFetcher{
		client:  &http.Client{Timeout: timeout},
		maxSize: maxSize,
	}
}

// Fetch downloads the spec and returns its content and hash.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (Result, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return Result{}, errors.New("spec url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build spec request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/yaml, text/yaml, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch spec: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("spec source returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return Result{}, fmt.Errorf("read spec body: %w", err)
	}
	if int64(len(body)) > f.maxSize {
		return Result{}, ErrSpecTooLarge
	}
	if len(body) == 0 {
		return Result{}, errors.New("spec source returned empty body")
	}

	content := string(body)
	return Result{Content: content, Hash: qapackage.HashSpec(content)}, nil
}
