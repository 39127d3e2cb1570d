package artifacts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"kontextworker/core"
)

// Hub talks to a Hugging Face compatible model hub.
type Hub struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHub returns a Hub client. token may be empty for public repositories.
func NewHub(endpoint, token string, client *http.Client) *Hub {
	if client == nil {
		client = http.DefaultClient
	}
	return &Hub{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   client,
	}
}

// ResolveURL is the download URL of file at revision.
func (h *Hub) ResolveURL(repo, revision, file string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", h.endpoint, repo, url.PathEscape(revision), escapePath(file))
}

// ListFiles returns every file path in repo at revision.
func (h *Hub) ListFiles(ctx context.Context, repo, revision string) ([]string, error) {
	u := fmt.Sprintf("%s/api/models/%s/revision/%s", h.endpoint, repo, url.PathEscape(revision))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range h.header() {
		req.Header[k] = v
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &core.HTTPStatusError{URL: u, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*core.BytesPerMB))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid repository listing from %s", u)
	}

	var files []string
	gjson.GetBytes(body, "siblings.#.rfilename").ForEach(func(_, name gjson.Result) bool {
		if s := name.String(); s != "" {
			files = append(files, s)
		}
		return true
	})
	return files, nil
}

// Download fetches one file into dest.
func (h *Hub) Download(ctx context.Context, repo, revision, file, dest string, onProgress func(core.ProgressInfo)) (int64, error) {
	result, err := core.DownloadFile(ctx, core.DownloadOptions{
		URL:        h.ResolveURL(repo, revision, file),
		DestPath:   dest,
		Header:     h.header(),
		HTTPClient: h.client,
		OnProgress: onProgress,
	})
	if err != nil {
		return 0, err
	}
	return result.BytesDownloaded, nil
}

func (h *Hub) header() http.Header {
	header := http.Header{}
	if h.token != "" {
		header.Set("Authorization", "Bearer "+h.token)
	}
	return header
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
