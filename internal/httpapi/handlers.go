package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/buildkite/thingy/internal/config"
	"github.com/buildkite/thingy/internal/engine"
)

// jobListEntry is what GET /jobs returns for each configured job.
type jobListEntry struct {
	Name     string   `json:"name"`
	RepoURL  string   `json:"repo_url"`
	Branches []string `json:"branches,omitempty"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.root.ListJobs()
	out := make([]jobListEntry, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobListEntry{Name: j.Name, RepoURL: j.RepoURL, Branches: j.Branches})
	}
	writeJSON(w, out)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var job config.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := job.Validate(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.root.AddJob(job); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "jobId")
	existed, err := s.root.RemoveJob(name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, &engine.ErrNotFound{Kind: "job", Name: name})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "jobId")
	details, err := s.root.JobDetails(name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, details)
}

func (s *Server) pollJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "jobId")
	if err := s.root.PollJob(name); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, map[string]string{"status": "OK"})
}

func (s *Server) getBranch(w http.ResponseWriter, r *http.Request) {
	job, branch := chi.URLParam(r, "jobId"), chi.URLParam(r, "branch")
	state, err := s.root.BranchDetails(job, branch)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, state)
}

func (s *Server) startBuild(w http.ResponseWriter, r *http.Request) {
	job, branch := chi.URLParam(r, "jobId"), chi.URLParam(r, "branch")
	if err := s.root.StartBuild(job, branch); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, map[string]string{"status": "OK"})
}

func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	job, branch := chi.URLParam(r, "jobId"), chi.URLParam(r, "branch")
	buildNum, err := strconv.ParseInt(chi.URLParam(r, "build_num"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	start, numLines := 0, 100
	if v := r.URL.Query().Get("start"); v != "" {
		start, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if v := r.URL.Query().Get("num_lines"); v != "" {
		numLines, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if numLines <= 0 {
		numLines = 100
	}

	page, err := s.root.GetLog(job, branch, buildNum, start, numLines)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, page)
}

func (s *Server) abortBuild(w http.ResponseWriter, r *http.Request) {
	job, branch := chi.URLParam(r, "jobId"), chi.URLParam(r, "branch")
	buildNum, err := strconv.ParseInt(chi.URLParam(r, "build_num"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.root.AbortBuild(job, branch, buildNum); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, map[string]string{"status": "OK"})
}
