package core

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ProgressInfo is a snapshot of an in-flight download.
type ProgressInfo struct {
	Total      int64 // 0 if the server did not send a length
	Downloaded int64
	Elapsed    time.Duration
}

// Percent returns completion in [0,100], or -1 when the total is unknown.
func (p ProgressInfo) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	pct := float64(p.Downloaded) / float64(p.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// DownloadOptions configures the download behavior.
type DownloadOptions struct {
	// URL to download from
	URL string
	// DestPath is the local file path to save to
	DestPath string
	// Header is added to the request (e.g. Authorization)
	Header http.Header
	// HTTPClient is the HTTP client to use (creates default if nil)
	HTTPClient *http.Client
	// OnProgress is called roughly every ProgressEvery bytes and once at the end
	OnProgress func(ProgressInfo)
	// ProgressEvery defaults to 64 MB
	ProgressEvery int64
}

// DownloadResult contains information about a completed download.
type DownloadResult struct {
	BytesDownloaded int64
	Path            string
	Duration        time.Duration
}

// DownloadFile fetches opts.URL into opts.DestPath.
//
// The body is streamed into DestPath+".part" and renamed into place only after
// a complete, synced copy, so an interrupted download never leaves a file at
// DestPath. There is no resume: every call starts a fresh .part file and
// removes it on failure. Parent directories are created as needed.
func DownloadFile(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if opts.DestPath == "" {
		return nil, fmt.Errorf("DestPath is required")
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	every := opts.ProgressEvery
	if every <= 0 {
		every = 64 * BytesPerMB
	}

	if err := os.MkdirAll(filepath.Dir(opts.DestPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range opts.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{URL: opts.URL, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	partPath := opts.DestPath + ".part"
	file, err := os.Create(partPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination file: %w", err)
	}
	// Removing a renamed .part is a harmless no-op.
	defer os.Remove(partPath)

	reader := &progressReader{
		reader:     resp.Body,
		total:      resp.ContentLength,
		start:      start,
		every:      every,
		onProgress: opts.OnProgress,
	}

	written, copyErr := io.Copy(file, reader)
	if copyErr == nil {
		copyErr = file.Sync()
	}
	closeErr := file.Close()
	if copyErr != nil {
		return nil, fmt.Errorf("download interrupted: %w", copyErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("failed to close file: %w", closeErr)
	}

	if err := os.Rename(partPath, opts.DestPath); err != nil {
		return nil, fmt.Errorf("failed to move download into place: %w", err)
	}
	reader.report()

	return &DownloadResult{
		BytesDownloaded: written,
		Path:            opts.DestPath,
		Duration:        time.Since(start),
	}, nil
}

// HTTPStatusError is returned when the server answers with a non-200 status.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status code from %s: %s", e.URL, e.Status)
}

// progressReader wraps an io.Reader to report download progress.
type progressReader struct {
	reader     io.Reader
	total      int64
	downloaded int64
	start      time.Time
	every      int64
	last       int64
	onProgress func(ProgressInfo)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.downloaded += int64(n)
		if r.downloaded-r.last >= r.every {
			r.report()
		}
	}
	return n, err
}

func (r *progressReader) report() {
	if r.onProgress == nil {
		return
	}
	r.last = r.downloaded
	r.onProgress(ProgressInfo{
		Total:      r.total,
		Downloaded: r.downloaded,
		Elapsed:    time.Since(r.start),
	})
}
