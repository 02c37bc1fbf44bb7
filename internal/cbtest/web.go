package cbtest

import (
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	sessionCookie = "JSESSIONID"
	csrfField     = "_csrf"
	csrfToken     = "cbtest-token"
)

func (s *Server) routeWeb(r *mux.Router) {
	r.HandleFunc("/login.spr", s.webLoginPage).Methods(http.MethodGet)
	r.HandleFunc("/login.spr", s.webLogin).Methods(http.MethodPost)

	pages := r.NewRoute().Subrouter()
	pages.Use(s.webSession)
	pages.HandleFunc("/dashboard", s.webDashboard).Methods(http.MethodGet)
	pages.HandleFunc("/project/{pid:[0-9]+}", s.webProject).Methods(http.MethodGet)
	pages.HandleFunc("/project/{pid:[0-9]+}/repositories", s.webRepositories).Methods(http.MethodGet)
	pages.HandleFunc("/project/{pid:[0-9]+}/repositories/new", s.webCreateRepository).Methods(http.MethodPost)
	pages.HandleFunc("/repository/{rid:[0-9]+}", s.webRepository).Methods(http.MethodGet)
	pages.HandleFunc("/repository/{rid:[0-9]+}/notes", s.webAddNote).Methods(http.MethodPost)
	pages.HandleFunc("/issue/{id:[0-9]+}", s.webItem).Methods(http.MethodGet)
	pages.HandleFunc("/issue/{id:[0-9]+}/comments", s.webAddComment).Methods(http.MethodPost)
}

func writeHTML(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>%s</title></head><body>%s</body></html>",
		html.EscapeString(title), body)
}

func (s *Server) loginForm(errMsg string) string {
	var b strings.Builder
	if errMsg != "" {
		fmt.Fprintf(&b, `<div class="error">%s</div>`, html.EscapeString(errMsg))
	}
	fmt.Fprintf(&b, `<form id="loginForm" method="post" action="/cb/login.spr">
<input type="hidden" name="%s" value="%s">
<input type="hidden" name="targetURL" value="/cb/dashboard">
<input type="text" name="%s" value="">
<input type="password" name="password" value="">
<input type="submit" value="Login">
</form>`, csrfField, csrfToken, s.loginField)
	return b.String()
}

func (s *Server) webLoginPage(w http.ResponseWriter, _ *http.Request) {
	writeHTML(w, http.StatusOK, "Login", s.loginForm(""))
}

func (s *Server) webLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get(csrfField) != csrfToken {
		writeHTML(w, http.StatusOK, "Login", s.loginForm("Your session expired, please retry."))
		return
	}
	if r.PostForm.Get(s.loginField) != s.Username || r.PostForm.Get("password") != s.Password {
		writeHTML(w, http.StatusOK, "Login", s.loginForm("Invalid username or password."))
		return
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = true
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: id, Path: "/"})
	target := r.PostForm.Get("targetURL")
	if target == "" {
		target = "/cb/dashboard"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) webSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookie)
		s.mu.Lock()
		ok := err == nil && s.sessions[c.Value]
		s.mu.Unlock()
		if !ok {
			http.Redirect(w, r, "/cb/login.spr", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) webDashboard(w http.ResponseWriter, _ *http.Request) {
	writeHTML(w, http.StatusOK, "My Start", `<h1>Welcome</h1>`)
}

// webProjectLocked returns the project or writes the error page.
func (s *Server) webProjectLocked(w http.ResponseWriter, id int) *project {
	p, ok := s.projects[id]
	if !ok {
		writeHTML(w, http.StatusNotFound, "Not found", `<p>Project not found</p>`)
		return nil
	}
	if p.forbidden {
		writeHTML(w, http.StatusForbidden, "Access denied", `<p>Access denied</p>`)
		return nil
	}
	return p
}

func (s *Server) webProject(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.webProjectLocked(w, intVar(r, "pid")); p != nil {
		writeHTML(w, http.StatusOK, p.Name, fmt.Sprintf(`<h1>%s</h1><a href="/cb/project/%d/repositories">Repositories</a>`,
			html.EscapeString(p.Name), p.ID))
	}
}

func (s *Server) webRepositories(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := intVar(r, "pid")
	p := s.webProjectLocked(w, pid)
	if p == nil {
		return
	}
	var b strings.Builder
	b.WriteString(`<table class="repositories">`)
	for _, repo := range s.sortedReposLocked() {
		if repo.ProjectID != pid {
			continue
		}
		fmt.Fprintf(&b, `<tr><td><a href="/cb/repository/%d">%s</a></td><td>%s</td></tr>`,
			repo.ID, html.EscapeString(repo.Name), html.EscapeString(repo.RepositoryURL))
	}
	b.WriteString(`</table>`)
	fmt.Fprintf(&b, `<form id="new-repository" method="post" action="/cb/project/%d/repositories/new">
<input type="hidden" name="%s" value="%s">
<input type="text" name="name">
<input type="text" name="repositoryUrl">
<textarea name="description"></textarea>
<select name="type"><option value="SVN">SVN</option><option value="GIT" selected>Git</option></select>
</form>`, pid, csrfField, csrfToken)
	writeHTML(w, http.StatusOK, p.Name+" repositories", b.String())
}

func (s *Server) webCreateRepository(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get(csrfField) != csrfToken {
		writeHTML(w, http.StatusBadRequest, "Error", `<p>Bad request</p>`)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := intVar(r, "pid")
	if s.webProjectLocked(w, pid) == nil {
		return
	}
	name := strings.TrimSpace(r.PostForm.Get("name"))
	if name != "" && !s.swallowWrites {
		exists := false
		for _, repo := range s.repos {
			exists = exists || (repo.ProjectID == pid && repo.Name == name)
		}
		if !exists {
			s.addRepositoryLocked(pid, name, r.PostForm.Get("repositoryUrl"), r.PostForm.Get("description"))
		}
	}
	http.Redirect(w, r, "/cb/project/"+strconv.Itoa(pid)+"/repositories", http.StatusSeeOther)
}

func notesHTML(notes []string) string {
	var b strings.Builder
	for _, n := range notes {
		fmt.Fprintf(&b, `<div class="note"><pre>%s</pre></div>`, html.EscapeString(n))
	}
	return b.String()
}

func (s *Server) webRepository(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[intVar(r, "rid")]
	if !ok {
		writeHTML(w, http.StatusNotFound, "Not found", `<p>Repository not found</p>`)
		return
	}
	body := fmt.Sprintf(`<h1>%s</h1>%s<form id="add-note" method="post" action="/cb/repository/%d/notes">
<input type="hidden" name="%s" value="%s">
<textarea name="text"></textarea>
<input type="submit" value="Save">
</form>`, html.EscapeString(repo.Name), notesHTML(repo.Notes), repo.ID, csrfField, csrfToken)
	writeHTML(w, http.StatusOK, repo.Name, body)
}

func (s *Server) webAddNote(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get(csrfField) != csrfToken {
		writeHTML(w, http.StatusBadRequest, "Error", `<p>Bad request</p>`)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rid := intVar(r, "rid")
	repo, ok := s.repos[rid]
	if !ok {
		writeHTML(w, http.StatusNotFound, "Not found", `<p>Repository not found</p>`)
		return
	}
	if text := strings.TrimSpace(r.PostForm.Get("text")); text != "" && !s.swallowWrites {
		repo.Notes = append(repo.Notes, text)
	}
	http.Redirect(w, r, "/cb/repository/"+strconv.Itoa(rid), http.StatusSeeOther)
}

func (s *Server) webItem(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[intVar(r, "id")]
	if !ok {
		writeHTML(w, http.StatusNotFound, "Not found", `<p>Item not found</p>`)
		return
	}
	body := fmt.Sprintf(`<h1>%s</h1>%s<form id="add-comment" method="post" action="/cb/issue/%d/comments">
<input type="hidden" name="%s" value="%s">
<textarea name="comment"></textarea>
</form>`, html.EscapeString(it.Name), notesHTML(it.Comments), it.ID, csrfField, csrfToken)
	writeHTML(w, http.StatusOK, it.Name, body)
}

func (s *Server) webAddComment(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get(csrfField) != csrfToken {
		writeHTML(w, http.StatusBadRequest, "Error", `<p>Bad request</p>`)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := intVar(r, "id")
	it, ok := s.items[id]
	if !ok {
		writeHTML(w, http.StatusNotFound, "Not found", `<p>Item not found</p>`)
		return
	}
	if text := strings.TrimSpace(r.PostForm.Get("comment")); text != "" && !s.swallowWrites {
		it.Comments = append(it.Comments, text)
	}
	http.Redirect(w, r, "/cb/issue/"+strconv.Itoa(id), http.StatusSeeOther)
}
