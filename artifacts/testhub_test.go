package artifacts

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeHub serves a repository listing and file contents, counting requests per path.
type fakeHub struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	files    map[string]string // "repo/file" -> content
	requests map[string]int
	auth     []string
}

func newFakeHub(t *testing.T, files map[string]string) *fakeHub {
	t.Helper()
	h := &fakeHub{t: t, files: files, requests: map[string]int{}}
	h.server = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.server.Close)
	return h
}

func (h *fakeHub) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.requests[r.URL.Path]++
	h.auth = append(h.auth, r.Header.Get("Authorization"))
	h.mu.Unlock()

	if rest, ok := strings.CutPrefix(r.URL.Path, "/api/models/"); ok {
		repo, _, _ := strings.Cut(rest, "/revision/")
		type sibling struct {
			RFilename string `json:"rfilename"`
		}
		var siblings []sibling
		for key := range h.files {
			if name, ok := strings.CutPrefix(key, repo+"/"); ok {
				siblings = append(siblings, sibling{RFilename: name})
			}
		}
		if len(siblings) == 0 {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"id": repo, "siblings": siblings})
		return
	}

	repoAndFile := strings.Replace(strings.TrimPrefix(r.URL.Path, "/"), "/resolve/main/", "/", 1)
	content, ok := h.files[repoAndFile]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write([]byte(content))
}

func (h *fakeHub) count(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[path]
}

func (h *fakeHub) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.requests {
		n += c
	}
	return n
}
