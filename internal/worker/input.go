package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"upscale-worker/internal/models"
	"upscale-worker/internal/publish"
)

// Fetcher downloads a job's input image into a local directory. URL prompts
// are fetched directly; slug prompts are read from the public view URL.
type Fetcher struct {
	client   *http.Client
	dir      string
	viewURL  string
	maxBytes int64
}

// NewFetcher builds a Fetcher writing into dir.
func NewFetcher(dir, viewURL string, timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if maxBytes == 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		dir:      dir,
		viewURL:  viewURL,
		maxBytes: maxBytes,
	}
}

// Resolve downloads job's input to <dir>/<safePrompt>.png and returns that path.
func (f *Fetcher) Resolve(ctx context.Context, job models.Job, safePrompt string) (string, error) {
	src := job.Prompt
	if !job.IsURL() {
		src = publish.ViewURL(f.viewURL, job.Prompt)
	}
	data, err := f.download(ctx, src)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", fmt.Errorf("create input dir: %w", err)
	}
	name := filepath.Base(filepath.Clean("/" + safePrompt))
	path := filepath.Join(f.dir, name+".png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write input: %w", err)
	}
	return path, nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download input: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download input: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("input too large (>%d bytes)", f.maxBytes)
	}
	return body, nil
}
