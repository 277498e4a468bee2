package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/lox/argoverify/internal/metrics"
	"github.com/lox/argoverify/internal/models"
	"github.com/lox/argoverify/internal/verify"
)

// MessageReader is the subset of *kafkago.Reader the feed uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// ProfileRecorder stores one float cycle and reports how many samples were new.
type ProfileRecorder interface {
	RecordProfile(ctx context.Context, p models.Profile) (int, error)
}

// NewKafkaReader creates a consumer-group reader for the observation topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
}

// profileMessage is the wire form of a float profile on the observation topic.
type profileMessage struct {
	StationID  string          `json:"station_id"`
	ObservedAt time.Time       `json:"observed_at"`
	Latitude   float64         `json:"lat"`
	Longitude  float64         `json:"lon"`
	Samples    []sampleMessage `json:"samples"`
}

type sampleMessage struct {
	Variable string   `json:"variable"`
	Depth    *float64 `json:"depth,omitempty"`
	Value    float64  `json:"value"`
}

// decodeProfile parses a message and drops samples that fail validation. The
// returned count is the number of dropped samples by flag.
func decodeProfile(msg kafkago.Message) (models.Profile, map[string]int, error) {
	var pm profileMessage
	if err := json.Unmarshal(msg.Value, &pm); err != nil {
		return models.Profile{}, nil, fmt.Errorf("decode profile at offset %d: %w", msg.Offset, err)
	}
	if pm.StationID == "" {
		pm.StationID = string(msg.Key)
	}
	if pm.StationID == "" || pm.ObservedAt.IsZero() {
		return models.Profile{}, nil, fmt.Errorf("profile at offset %d missing station or time", msg.Offset)
	}

	p := models.Profile{
		StationID:  pm.StationID,
		ObservedAt: pm.ObservedAt.UTC(),
		Latitude:   pm.Latitude,
		Longitude:  pm.Longitude,
	}
	rejected := make(map[string]int)
	for _, s := range pm.Samples {
		v, err := models.ParseVariable(s.Variable)
		if err != nil {
			rejected[FlagUnknownVariable]++
			continue
		}
		o := models.ObservationSample{
			StationID:  p.StationID,
			Variable:   v,
			ObservedAt: p.ObservedAt,
			Latitude:   p.Latitude,
			Longitude:  p.Longitude,
			Value:      s.Value,
		}
		if s.Depth != nil {
			o.Depth = sql.NullFloat64{Float64: *s.Depth, Valid: true}
		}
		if flags := ValidateObservation(o); len(flags) > 0 {
			rejected[flags[0]]++
			continue
		}
		p.Samples = append(p.Samples, o)
	}
	return p, rejected, nil
}

// ObservationFeed consumes float profiles from Kafka, stores them, and
// invalidates cached results the new samples affect. Messages are committed
// only after they are stored; undecodable messages are logged and skipped.
type ObservationFeed struct {
	reader      MessageReader
	recorder    ProfileRecorder
	invalidator Invalidator
	logger      *slog.Logger
	retryFor    time.Duration
}

func NewObservationFeed(reader MessageReader, recorder ProfileRecorder, inv Invalidator, logger *slog.Logger) *ObservationFeed {
	return &ObservationFeed{
		reader:      reader,
		recorder:    recorder,
		invalidator: inv,
		logger:      logger.With("component", "feed"),
		retryFor:    time.Minute,
	}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation and an
// error if a profile cannot be stored after retrying.
func (f *ObservationFeed) Run(ctx context.Context) error {
	defer f.reader.Close()
	f.logger.Info("feed: consuming observations")

	for {
		msg, err := f.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				f.logger.Info("feed: shutting down")
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := f.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := f.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (f *ObservationFeed) handle(ctx context.Context, msg kafkago.Message) error {
	profile, rejected, err := decodeProfile(msg)
	if err != nil {
		metrics.SamplesRejected.WithLabelValues("kafka", "malformed_message").Inc()
		f.logger.Warn("feed: skipping message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return nil
	}
	for flag, n := range rejected {
		metrics.SamplesRejected.WithLabelValues("kafka", flag).Add(float64(n))
	}
	if len(profile.Samples) == 0 {
		f.logger.Debug("feed: profile has no usable samples", "station", profile.StationID)
		return nil
	}

	var inserted int
	operation := func() error {
		var err error
		inserted, err = f.recorder.RecordProfile(ctx, profile)
		if errors.Is(err, context.Canceled) || errors.Is(err, verify.ErrInvalidArgument) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = f.retryFor
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("record profile %s at %s: %w", profile.StationID, profile.ObservedAt.Format(time.RFC3339), err)
	}
	if inserted == 0 {
		return nil
	}

	seen := make(map[models.Variable]bool)
	for _, s := range profile.Samples {
		metrics.SamplesIngested.WithLabelValues("kafka", string(s.Variable)).Inc()
		if seen[s.Variable] {
			continue
		}
		seen[s.Variable] = true
		if f.invalidator != nil {
			f.invalidator.InvalidateObservation(profile.StationID, s.Variable, profile.ObservedAt)
		}
	}
	f.logger.Debug("feed: profile stored", "station", profile.StationID, "observed_at", profile.ObservedAt, "samples", inserted)
	return nil
}
