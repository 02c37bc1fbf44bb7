package cbtest

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"
)

func (s *Server) routeREST(r *mux.Router) {
	r.Use(s.basicAuth)
	r.HandleFunc("/user", s.restUser).Methods(http.MethodGet)
	r.HandleFunc("/projects/{pid:[0-9]+}", s.restProject).Methods(http.MethodGet)
	r.HandleFunc("/projects/{pid:[0-9]+}/scmRepositories", s.restListRepos).Methods(http.MethodGet)
	r.HandleFunc("/projects/{pid:[0-9]+}/scmRepositories", s.restCreateRepo).Methods(http.MethodPost)
	r.HandleFunc("/projects/{pid:[0-9]+}/items", s.restCreateItem).Methods(http.MethodPost)
	r.HandleFunc("/trackers/{tid:[0-9]+}/items", s.restCreateItem).Methods(http.MethodPost)
	r.HandleFunc("/scmRepositories/{rid:[0-9]+}", s.restUpdateRepo).Methods(http.MethodPut)
	r.HandleFunc("/scmRepositories/{rid:[0-9]+}/commits", s.restListCommits).Methods(http.MethodGet)
	r.HandleFunc("/scmRepositories/{rid:[0-9]+}/commits", s.restCreateCommit).Methods(http.MethodPost)
	r.HandleFunc("/scmRepositories/{rid:[0-9]+}/branches", s.restCreateBranch).Methods(http.MethodPost)
	r.HandleFunc("/scmRepositories/{rid:[0-9]+}/branches/{name:.+}", s.restDeleteBranch).Methods(http.MethodDelete)
	r.HandleFunc("/items/{id:[0-9]+}", s.restGetItem).Methods(http.MethodGet)
	r.HandleFunc("/items/{id:[0-9]+}", s.restUpdateItem).Methods(http.MethodPut)
	r.HandleFunc("/items/{id:[0-9]+}/comments", s.restAddComment).Methods(http.MethodPost)
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.Username || pass != s.Password {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func intVar(r *http.Request, name string) int {
	n, _ := strconv.Atoi(mux.Vars(r)[name])
	return n
}

// projectLocked returns the project or writes the error answer.
func (s *Server) projectLocked(w http.ResponseWriter, id int) *project {
	p, ok := s.projects[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "project not found"})
		return nil
	}
	if p.forbidden {
		writeJSON(w, http.StatusForbidden, map[string]string{"message": "access denied"})
		return nil
	}
	return p
}

func (s *Server) restUser(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": 1, "name": s.Username})
}

func (s *Server) restProject(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.projectLocked(w, intVar(r, "pid")); p != nil {
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) restListRepos(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := intVar(r, "pid")
	if s.projectLocked(w, pid) == nil {
		return
	}
	out := []Repository{}
	for _, repo := range s.sortedReposLocked() {
		if repo.ProjectID == pid {
			out = append(out, *repo)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) restCreateRepo(w http.ResponseWriter, r *http.Request) {
	var req Repository
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid repository"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := intVar(r, "pid")
	if s.projectLocked(w, pid) == nil {
		return
	}
	for _, repo := range s.repos {
		if repo.ProjectID == pid && repo.Name == req.Name {
			writeJSON(w, http.StatusConflict, map[string]string{"message": "repository already exists"})
			return
		}
	}
	id := s.addRepositoryLocked(pid, req.Name, req.RepositoryURL, req.Description)
	writeJSON(w, http.StatusCreated, s.repos[id])
}

func (s *Server) restUpdateRepo(w http.ResponseWriter, r *http.Request) {
	var req RepositoryStatus
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LastSync == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid repository status"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[intVar(r, "rid")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "repository not found"})
		return
	}
	repo.Status = &req
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) restListCommits(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[intVar(r, "rid")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "repository not found"})
		return
	}
	out := append([]Commit{}, repo.Commits...)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) restCreateCommit(w http.ResponseWriter, r *http.Request) {
	var req Commit
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Revision == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid commit"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[intVar(r, "rid")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "repository not found"})
		return
	}
	for _, c := range repo.Commits {
		if c.Revision == req.Revision {
			writeJSON(w, http.StatusConflict, map[string]string{"message": "commit already exists"})
			return
		}
	}
	repo.Commits = append(repo.Commits, req)
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) restCreateBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		SHA  string `json:"sha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid branch"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[intVar(r, "rid")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "repository not found"})
		return
	}
	if _, exists := repo.Branches[req.Name]; exists {
		writeJSON(w, http.StatusConflict, map[string]string{"message": "branch already exists"})
		return
	}
	repo.Branches[req.Name] = req.SHA
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) restDeleteBranch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[intVar(r, "rid")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "repository not found"})
		return
	}
	name := mux.Vars(r)["name"]
	if _, exists := repo.Branches[name]; !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "branch not found"})
		return
	}
	delete(repo.Branches, name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) restGetItem(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[intVar(r, "id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "item not found"})
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) restUpdateItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status *NamedRef `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == nil || req.Status.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid item update"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[intVar(r, "id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "item not found"})
		return
	}
	it.Status = req.Status
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) restAddComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Comment       string `json:"comment"`
		CommentFormat string `json:"commentFormat"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Comment == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid comment"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[intVar(r, "id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "item not found"})
		return
	}
	it.Comments = append(it.Comments, req.Comment)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": len(it.Comments)})
}

func (s *Server) restCreateItem(w http.ResponseWriter, r *http.Request) {
	var req Item
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid item"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pid := intVar(r, "pid"); pid != 0 {
		if s.projectLocked(w, pid) == nil {
			return
		}
		req.ProjectID = pid
	}
	if tid := intVar(r, "tid"); tid != 0 {
		req.TrackerID = tid
	}
	s.nextID++
	req.ID = s.nextID
	it := req
	s.items[it.ID] = &it
	writeJSON(w, http.StatusCreated, it)
}

func (s *Server) sortedReposLocked() []*Repository {
	out := make([]*Repository, 0, len(s.repos))
	for _, r := range s.repos {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
