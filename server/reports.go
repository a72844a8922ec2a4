package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"

	"nexus/report"
)

var reportPathPattern = regexp.MustCompile(`^/nexus_run/report/[^/]+\.html$`)

// reportRedirector sends direct artifact links to the raw viewer:
// /nexus_run/report/<name>.html and any path with a doubled
// /nexus_run/nexus_run/ segment redirect to /raw-report/<basename>.
func reportRedirector(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		if reportPathPattern.MatchString(p) || strings.Contains(p, "/nexus_run/nexus_run/") {
			name := path.Base(p)
			if report.ValidName(name) {
				http.Redirect(w, r, "/raw-report/"+name, http.StatusFound)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
}

// locateReport resolves the {name} parameter to a file, writing the 400
// or 404 response itself when it cannot.
func (s *Server) locateReport(w http.ResponseWriter, r *http.Request) (report.Basename, string, bool) {
	name := chi.URLParam(r, "name")
	b, err := report.ParseBasename(name)
	if err != nil {
		noStore(w)
		http.Error(w, "Invalid report name", http.StatusBadRequest)
		return "", "", false
	}
	p, err := s.deps.Reports.Find(r.Context(), name)
	if err != nil {
		if !errors.Is(err, report.ErrNotFound) {
			s.logger.Warn("report lookup failed", "name", name, "error", err)
		}
		noStore(w)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, report.ErrorPage("Report not found", fmt.Sprintf("The report %s could not be found.", name)))
		return "", "", false
	}
	return b, p, true
}

// processed returns the rewritten report HTML, reusing the cache while
// the entry is fresh. A rewrite failure serves the original bytes.
func (s *Server) processed(p string) (string, error) {
	if html, ok := s.deps.Cache.Get(p); ok {
		return html, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	html, err := report.Rewrite(string(data), s.opts.Origin)
	if err != nil {
		s.logger.Warn("report post-processing failed", "path", p, "error", err)
		return string(data), nil
	}
	s.deps.Cache.Put(p, html)
	return html, nil
}

func (s *Server) handleExternalReport(w http.ResponseWriter, r *http.Request) {
	_, p, ok := s.locateReport(w, r)
	if !ok {
		return
	}
	html, err := s.processed(p)
	if err != nil {
		s.logger.Error("report read failed", "path", p, "error", err)
		http.Error(w, "failed to read report", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, html)
}

func (s *Server) handleRawReport(w http.ResponseWriter, r *http.Request) {
	b, p, ok := s.locateReport(w, r)
	if !ok {
		return
	}
	html, err := s.processed(p)
	if err != nil {
		s.logger.Error("report read failed", "path", p, "error", err)
		http.Error(w, "failed to read report", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, report.RawPage(b.String(), html))
}

func (s *Server) handleDownloadReport(w http.ResponseWriter, r *http.Request) {
	b, p, ok := s.locateReport(w, r)
	if !ok {
		return
	}
	data, err := os.ReadFile(p)
	if err != nil {
		s.logger.Error("report read failed", "path", p, "error", err)
		http.Error(w, "failed to read report", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", b.String()))
	w.Write(data)
}
