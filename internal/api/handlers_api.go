package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/lox/argoverify/internal/models"
	"github.com/lox/argoverify/internal/query"
	"github.com/lox/argoverify/internal/verify"
)

type StationView struct {
	models.Station
	LastProfile *time.Time `json:"last_profile"`
	Recent      bool       `json:"recent"`
}

func (s *Server) stationView(st models.Station, since time.Time) StationView {
	v := StationView{Station: st}
	if st.LastProfile.Valid {
		t := st.LastProfile.Time
		v.LastProfile = &t
		v.Recent = !t.Before(since)
	}
	return v
}

// handleStations lists the catalog. days sets the recent-profile window;
// recent=true keeps only stations that reported inside it.
func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.StationFilter{Region: q.Get("region")}
	if raw := q.Get("status"); raw != "" {
		status, err := parseStatus(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		filter.Status = status
	}

	days := DefaultRecentDays
	if raw := q.Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, r, verify.Invalidf("days must be a positive integer, got %q", raw))
			return
		}
		days = n
	}
	recentOnly, err := parseBool(q, "recent")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	stations, err := s.store.Stations(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	since := s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	out := make([]StationView, 0, len(stations))
	for _, st := range stations {
		v := s.stationView(st, since)
		if recentOnly && !v.Recent {
			continue
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStation(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Station(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	since := s.clock.Now().Add(-DefaultRecentDays * 24 * time.Hour)
	writeJSON(w, http.StatusOK, s.stationView(st, since))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type VariablesResponse struct {
	Variables   []models.VariableSpec `json:"variables"`
	Depths      []float64             `json:"depths"`
	Models      []string              `json:"models"`
	MaxLeadDays int                   `json:"max_lead_days"`
}

func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VariablesResponse{
		Variables:   models.Variables,
		Depths:      s.queries.Depths(),
		Models:      s.queries.Models(),
		MaxLeadDays: s.queries.MaxLeadDays(),
	})
}

func (s *Server) handleIssueDates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	model := q.Get("model")
	if model == "" {
		model = s.queries.Models()[0]
	}
	limit := 30
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, r, verify.Invalidf("limit must be a positive integer, got %q", raw))
			return
		}
		limit = n
	}

	dates, err := s.store.IssueDates(r.Context(), model, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]string, 0, len(dates))
	for _, d := range dates {
		out = append(out, d.Format(models.DateLayout))
	}
	writeJSON(w, http.StatusOK, map[string]any{"model": model, "issue_dates": out})
}

// handleValidation answers lead-time, depth-profile and comparison queries.
// Without issue_date the newest issue of the first requested model is used.
func (s *Server) handleValidation(w http.ResponseWriter, r *http.Request) {
	req, err := parseValidationRequest(r.URL.Query(), s.queries.MaxLeadDays())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.IssueDate.IsZero() {
		model := s.queries.Models()[0]
		if len(req.Models) > 0 {
			model = req.Models[0]
		}
		dates, err := s.store.IssueDates(r.Context(), model, 1)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if len(dates) == 0 {
			s.writeError(w, r, fmt.Errorf("%w: no forecasts issued by %s", verify.ErrNotFound, model))
			return
		}
		req.IssueDate = dates[0]
	}

	res, err := s.queries.Query(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseValidationRequest(q url.Values, maxLead int) (query.Request, error) {
	var req query.Request

	req.Selector.StationIDs = splitList(q.Get("stations"))
	req.Selector.Region = q.Get("region")
	if raw := q.Get("status"); raw != "" {
		status, err := parseStatus(raw)
		if err != nil {
			return req, err
		}
		req.Selector.Status = status
	}

	v, err := models.ParseVariable(q.Get("variable"))
	if err != nil {
		return req, verify.Invalidf("%v", err)
	}
	req.Variable = v

	if raw := q.Get("issue_date"); raw != "" {
		d, err := time.ParseInLocation(models.DateLayout, raw, time.UTC)
		if err != nil {
			return req, verify.Invalidf("issue_date must be YYYY-MM-DD, got %q", raw)
		}
		req.IssueDate = d
	}

	if req.Depth, err = parseBool(q, "depth"); err != nil {
		return req, err
	}
	if req.Compare, err = parseBool(q, "compare"); err != nil {
		return req, err
	}

	req.FromLead = 1
	if raw := q.Get("from_lead"); raw != "" {
		if req.FromLead, err = strconv.Atoi(raw); err != nil {
			return req, verify.Invalidf("from_lead must be an integer, got %q", raw)
		}
	}
	req.ToLead = maxLead
	if req.Depth {
		req.ToLead = req.FromLead
	}
	if raw := q.Get("to_lead"); raw != "" {
		if req.ToLead, err = strconv.Atoi(raw); err != nil {
			return req, verify.Invalidf("to_lead must be an integer, got %q", raw)
		}
	}

	req.Models = splitList(q.Get("models"))
	return req, nil
}

func parseStatus(raw string) (models.StationStatus, error) {
	switch status := models.StationStatus(raw); status {
	case models.StatusActive, models.StatusInactive:
		return status, nil
	default:
		return "", verify.Invalidf("status must be active or inactive, got %q", raw)
	}
}

func parseBool(q url.Values, name string) (bool, error) {
	raw := q.Get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, verify.Invalidf("%s must be a boolean, got %q", name, raw)
	}
	return b, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
