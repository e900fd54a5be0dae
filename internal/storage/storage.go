package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ArtifactStore is the durable home for generated outputs. Provider result
// URLs are ephemeral; the pipeline copies every artifact into the store
// before a job is marked complete, so completion implies durability.
type ArtifactStore interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
	Read(ctx context.Context, key string) ([]byte, error)
}

var downloadClient = &http.Client{Timeout: 2 * time.Minute}

// CopyFromURL downloads the source URL and persists it under key. Returns
// the canonical storage key and the number of bytes stored.
func CopyFromURL(ctx context.Context, store ArtifactStore, key, srcURL string) (string, int64, error) {
	parsed, err := url.Parse(strings.TrimSpace(srcURL))
	if err != nil || parsed.Scheme == "" {
		return "", 0, fmt.Errorf("storage: invalid source url %q", srcURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", 0, fmt.Errorf("storage: build download request: %w", err)
	}
	resp, err := downloadClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("storage: download artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("storage: download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("storage: read artifact: %w", err)
	}
	if len(data) == 0 {
		return "", 0, errors.New("storage: empty artifact body")
	}
	savedKey, err := store.Write(ctx, key, data)
	if err != nil {
		return "", 0, err
	}
	return savedKey, int64(len(data)), nil
}

// ArtifactKey builds the canonical storage key for one step output.
func ArtifactKey(jobID, suffix, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("jobs/%s/%s.%s", jobID, suffix, ext)
}
