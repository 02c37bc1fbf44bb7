// Package cbtest provides an in-process fake Codebeamer instance for tests.
// It serves the REST API under a configurable prefix and the legacy web UI
// under /cb, backed by one shared in-memory state.
package cbtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/mux"
)

// RecordedRequest stores information about a request made to the server.
type RecordedRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

// Commit is a revision recorded through the REST API.
type Commit struct {
	Revision    string `json:"revision"`
	Message     string `json:"message,omitempty"`
	Author      string `json:"author,omitempty"`
	AuthorEmail string `json:"authorEmail,omitempty"`
	Date        string `json:"date,omitempty"`
	Sequence    int    `json:"sequence,omitempty"`
}

// Repository is an SCM repository record.
type Repository struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	RepositoryURL string `json:"repositoryUrl,omitempty"`
	Type          string `json:"type,omitempty"`
	ProjectID     int    `json:"projectId"`

	Commits  []Commit          `json:"-"`
	Branches map[string]string `json:"-"` // name -> sha
	Notes    []string          `json:"-"` // web UI notes
	Status   *RepositoryStatus `json:"-"` // last status update
}

// RepositoryStatus is the metadata written by a repository status update.
type RepositoryStatus struct {
	CurrentBranch string   `json:"currentBranch"`
	TotalCommits  int      `json:"totalCommits"`
	Branches      []string `json:"branches"`
	LastSync      string   `json:"lastSync"`
	SyncedBy      string   `json:"syncedBy"`
}

// NamedRef is the {"name": ...} shape of enum-like fields.
type NamedRef struct {
	Name string `json:"name"`
}

// Item is a tracker item.
type Item struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      *NamedRef `json:"status,omitempty"`
	ProjectID   int       `json:"projectId,omitempty"`
	TrackerID   int       `json:"trackerId,omitempty"`
	Comments    []string  `json:"-"`
}

type project struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	forbidden bool
}

type fault struct {
	method string
	path   string
	status int
	left   int
}

// Server is a fake Codebeamer instance.
type Server struct {
	Server *httptest.Server

	Username string
	Password string

	restPrefix string
	webEnabled bool
	loginField string

	mu            sync.Mutex
	requests      []RecordedRequest
	projects      map[int]*project
	repos         map[int]*Repository
	items         map[int]*Item
	nextID        int
	faults        []*fault
	sessions      map[string]bool
	swallowWrites bool
}

// Option configures a Server.
type Option func(*Server)

// WithRESTPrefix serves the REST API under prefix instead of /rest/v3.
func WithRESTPrefix(prefix string) Option {
	return func(s *Server) { s.restPrefix = prefix }
}

// WithoutREST makes the server behave like an instance without a REST API.
func WithoutREST() Option {
	return func(s *Server) { s.restPrefix = "" }
}

// WithoutWeb disables the legacy web UI.
func WithoutWeb() Option {
	return func(s *Server) { s.webEnabled = false }
}

// WithLoginField names the login form's user field ("user" by default).
func WithLoginField(name string) Option {
	return func(s *Server) { s.loginField = name }
}

// New starts a fake instance with credentials bot/secret.
func New(opts ...Option) *Server {
	s := &Server{
		Username:   "bot",
		Password:   "secret",
		restPrefix: "/rest/v3",
		webEnabled: true,
		loginField: "user",
		projects:   make(map[int]*project),
		repos:      make(map[int]*Repository),
		items:      make(map[int]*Item),
		sessions:   make(map[string]bool),
		nextID:     1000,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	if s.restPrefix != "" {
		s.routeREST(r.PathPrefix(s.restPrefix).Subrouter())
	}
	if s.webEnabled {
		s.routeWeb(r.PathPrefix("/cb").Subrouter())
	}
	s.Server = httptest.NewServer(s.record(s.injectFaults(r)))
	return s
}

// URL returns the server root URL.
func (s *Server) URL() string { return s.Server.URL }

// Close shuts down the server.
func (s *Server) Close() { s.Server.Close() }

// AddProject registers a project.
func (s *Server) AddProject(id int, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[id] = &project{ID: id, Name: name}
}

// ForbidProject makes every access to the project answer 403.
func (s *Server) ForbidProject(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[id]; ok {
		p.forbidden = true
	}
}

// AddRepository registers a repository and returns its id.
func (s *Server) AddRepository(projectID int, name, url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addRepositoryLocked(projectID, name, url, "")
}

func (s *Server) addRepositoryLocked(projectID int, name, url, desc string) int {
	s.nextID++
	s.repos[s.nextID] = &Repository{
		ID:            s.nextID,
		Name:          name,
		Description:   desc,
		RepositoryURL: url,
		Type:          "GIT",
		ProjectID:     projectID,
		Branches:      make(map[string]string),
	}
	return s.nextID
}

// AddItem registers a tracker item.
func (s *Server) AddItem(id int, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = &Item{ID: id, Name: name}
}

// SetItemStatus sets the status of a registered item.
func (s *Server) SetItemStatus(id int, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		it.Status = &NamedRef{Name: status}
	}
}

// AddCommit records a revision on a repository directly.
func (s *Server) AddCommit(repoID int, revision string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.repos[repoID]; ok {
		r.Commits = append(r.Commits, Commit{Revision: revision})
	}
}

// Repository returns a copy of the repository named name in the project.
func (s *Server) Repository(projectID int, name string) (Repository, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.repos {
		if r.ProjectID == projectID && r.Name == name {
			cp := *r
			cp.Commits = append([]Commit(nil), r.Commits...)
			cp.Notes = append([]string(nil), r.Notes...)
			if r.Status != nil {
				st := *r.Status
				cp.Status = &st
			}
			cp.Branches = make(map[string]string, len(r.Branches))
			for k, v := range r.Branches {
				cp.Branches[k] = v
			}
			return cp, true
		}
	}
	return Repository{}, false
}

// RepositoryCount returns how many repositories the project has.
func (s *Server) RepositoryCount(projectID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.repos {
		if r.ProjectID == projectID {
			n++
		}
	}
	return n
}

// Item returns a copy of the item.
func (s *Server) Item(id int) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, false
	}
	cp := *it
	cp.Comments = append([]string(nil), it.Comments...)
	if it.Status != nil {
		st := *it.Status
		cp.Status = &st
	}
	return cp, true
}

// Items returns copies of all items ordered by id.
func (s *Server) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		cp := *it
		cp.Comments = append([]string(nil), it.Comments...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FailNext makes the next times requests matching method and path answer
// status. An empty method matches any method.
func (s *Server) FailNext(method, path string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{method: method, path: path, status: status, left: times})
}

// SwallowWrites makes web UI form posts answer success without applying
// the change, simulating a UI whose result cannot be confirmed.
func (s *Server) SwallowWrites(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swallowWrites = enabled
}

// GetRequests returns all recorded requests.
func (s *Server) GetRequests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// CountRequests returns how many recorded requests match method and
// contain pathPart. An empty method matches any method.
func (s *Server) CountRequests(method, pathPart string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if (method == "" || r.Method == method) && strings.Contains(r.Path, pathPart) {
			n++
		}
	}
	return n
}

// ClearRequests clears all recorded requests.
func (s *Server) ClearRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			_ = r.Body.Close()
			r.Body = io.NopCloser(strings.NewReader(string(body)))
		}
		s.mu.Lock()
		s.requests = append(s.requests, RecordedRequest{
			Method:  r.Method,
			Path:    r.URL.Path,
			Headers: r.Header.Clone(),
			Body:    body,
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		var hit *fault
		for _, f := range s.faults {
			if f.left > 0 && f.path == r.URL.Path && (f.method == "" || f.method == r.Method) {
				f.left--
				hit = f
				break
			}
		}
		s.mu.Unlock()
		if hit != nil {
			writeJSON(w, hit.status, map[string]string{"message": http.StatusText(hit.status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
