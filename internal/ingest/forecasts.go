package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lox/argoverify/internal/metrics"
	"github.com/lox/argoverify/internal/models"
	"github.com/lox/argoverify/internal/store"
	"github.com/lox/argoverify/internal/verify"
)

var forecastHeader = []string{"model", "variable", "issue_date", "lead_days", "station_id", "depth", "value"}

// Rejection is a row that failed to parse or validate.
type Rejection struct {
	Line  int
	Flags []string
	Err   error
}

// ParseForecastCSV reads model output rows of the form
//
//	model,variable,issue_date,lead_days,station_id,depth,value
//
// An empty depth means a surface value. Rows that fail to parse or validate
// are returned as rejections; a bad header fails the whole file.
func ParseForecastCSV(r io.Reader, maxLead int) ([]models.ForecastSample, []Rejection, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) != len(forecastHeader) {
		return nil, nil, fmt.Errorf("header has %d columns, want %d", len(header), len(forecastHeader))
	}
	for i, col := range header {
		if strings.ToLower(strings.TrimSpace(col)) != forecastHeader[i] {
			return nil, nil, fmt.Errorf("header column %d is %q, want %q", i+1, col, forecastHeader[i])
		}
	}

	var samples []models.ForecastSample
	var rejected []Rejection
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				rejected = append(rejected, Rejection{Line: perr.Line, Err: err})
				continue
			}
			return nil, nil, err
		}
		line, _ := cr.FieldPos(0)

		f, err := parseForecastRow(rec)
		if err != nil {
			rejected = append(rejected, Rejection{Line: line, Err: err})
			continue
		}
		if flags := ValidateForecast(f, maxLead); len(flags) > 0 {
			rejected = append(rejected, Rejection{Line: line, Flags: flags})
			continue
		}
		samples = append(samples, f)
	}
	return samples, rejected, nil
}

func parseForecastRow(rec []string) (models.ForecastSample, error) {
	v, err := models.ParseVariable(rec[1])
	if err != nil {
		return models.ForecastSample{}, err
	}
	issue, err := time.ParseInLocation(models.DateLayout, strings.TrimSpace(rec[2]), time.UTC)
	if err != nil {
		return models.ForecastSample{}, fmt.Errorf("issue_date: %w", err)
	}
	lead, err := strconv.Atoi(strings.TrimSpace(rec[3]))
	if err != nil {
		return models.ForecastSample{}, fmt.Errorf("lead_days: %w", err)
	}
	var depth sql.NullFloat64
	if d := strings.TrimSpace(rec[5]); d != "" {
		depth.Float64, err = strconv.ParseFloat(d, 64)
		if err != nil {
			return models.ForecastSample{}, fmt.Errorf("depth: %w", err)
		}
		depth.Valid = true
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(rec[6]), 64)
	if err != nil {
		return models.ForecastSample{}, fmt.Errorf("value: %w", err)
	}
	return models.ForecastSample{
		Model:     strings.TrimSpace(rec[0]),
		Variable:  v,
		IssueDate: issue,
		LeadDays:  lead,
		StationID: strings.TrimSpace(rec[4]),
		Depth:     depth,
		Value:     value,
	}, nil
}

// Invalidator drops cached results that new samples make stale.
type Invalidator interface {
	Invalidate(stationID string, v models.Variable, issueDate time.Time)
	InvalidateObservation(stationID string, v models.Variable, observedAt time.Time)
}

// PullResult summarises one ForecastPuller.Pull.
type PullResult struct {
	Files    int
	Skipped  int
	Stored   int
	Rejected int
	Failed   int
}

// ForecastPuller ingests new model output files. A file whose content was
// already stored is skipped.
type ForecastPuller struct {
	source      FileSource
	store       *store.Store
	invalidator Invalidator
	known       map[string]bool
	maxLead     int
	logger      *slog.Logger
}

func NewForecastPuller(source FileSource, st *store.Store, inv Invalidator, knownModels []string, maxLead int, logger *slog.Logger) *ForecastPuller {
	known := make(map[string]bool, len(knownModels))
	for _, m := range knownModels {
		known[m] = true
	}
	return &ForecastPuller{
		source:      source,
		store:       st,
		invalidator: inv,
		known:       known,
		maxLead:     maxLead,
		logger:      logger.With("component", "forecasts"),
	}
}

// Pull lists the source and ingests every file not seen before. A failure on
// one file is recorded against its ingest run and does not stop the others.
func (p *ForecastPuller) Pull(ctx context.Context) (PullResult, error) {
	var res PullResult

	names, err := p.source.List(ctx)
	if err != nil {
		metrics.ForecastPulls.WithLabelValues("error").Inc()
		return res, fmt.Errorf("list forecast files: %w", err)
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Files++

		stored, rejected, skipped, err := p.pullFile(ctx, name)
		res.Stored += stored
		res.Rejected += rejected
		switch {
		case err != nil:
			res.Failed++
			p.logger.Warn("forecast file failed", "file", name, "error", err)
		case skipped:
			res.Skipped++
		default:
			p.logger.Info("forecast file ingested", "file", name, "stored", stored, "rejected", rejected)
		}
	}

	status := "ok"
	if res.Failed > 0 {
		status = "partial"
	}
	metrics.ForecastPulls.WithLabelValues(status).Inc()
	return res, nil
}

func (p *ForecastPuller) pullFile(ctx context.Context, name string) (stored, rejected int, skipped bool, err error) {
	body, err := p.source.Fetch(ctx, name)
	if err != nil {
		return 0, 0, false, err
	}
	seen, err := p.store.HasRawFile(ctx, store.HashPayload(body))
	if err != nil {
		return 0, 0, false, err
	}
	if seen {
		return 0, 0, true, nil
	}

	run, err := p.store.StartIngestRun(ctx, "ftp", name)
	if err != nil {
		return 0, 0, false, fmt.Errorf("start ingest run: %w", err)
	}
	defer func() {
		if err != nil {
			run.Fail(err)
		} else {
			run.Success = true
		}
		if cerr := p.store.CompleteIngestRun(ctx, run); cerr != nil {
			p.logger.Warn("complete ingest run", "run", run.RunID, "error", cerr)
		}
	}()

	samples, rejections, err := ParseForecastCSV(bytes.NewReader(body), p.maxLead)
	if err != nil {
		return 0, 0, false, fmt.Errorf("parse %s: %w", name, err)
	}

	kept := samples[:0]
	for _, s := range samples {
		if len(p.known) > 0 && !p.known[s.Model] {
			rejections = append(rejections, Rejection{Flags: []string{FlagModelUnknown}})
			continue
		}
		kept = append(kept, s)
	}
	for _, r := range rejections {
		reason := "parse_error"
		if len(r.Flags) > 0 {
			reason = r.Flags[0]
		}
		metrics.SamplesRejected.WithLabelValues("ftp", reason).Inc()
	}
	run.Counts(len(kept)+len(rejections), 0, len(rejections))

	n, err := p.store.InsertForecasts(ctx, kept)
	if err != nil && !errors.Is(err, verify.ErrDuplicate) {
		return 0, len(rejections), false, err
	}
	// Keep the raw file even when its rows were already stored so it is not
	// pulled again.
	if _, serr := p.store.StoreRawFile(ctx, run.RunID, name, body); serr != nil {
		p.logger.Warn("store raw file", "file", name, "error", serr)
	}
	if err != nil {
		return 0, len(rejections), false, err
	}
	run.Counts(len(kept)+len(rejections), n, len(rejections))

	type dep struct {
		station string
		v       models.Variable
		issue   time.Time
	}
	deps := make(map[dep]bool)
	for _, s := range kept {
		metrics.SamplesIngested.WithLabelValues("ftp", string(s.Variable)).Inc()
		deps[dep{s.StationID, s.Variable, s.IssueDate}] = true
	}
	if p.invalidator != nil {
		for d := range deps {
			p.invalidator.Invalidate(d.station, d.v, d.issue)
		}
	}
	return n, len(rejections), false, nil
}
