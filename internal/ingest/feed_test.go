package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/argoverify/internal/models"
)

// fakeReader hands out queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafkago.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafkago.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

const profileJSON = `{
	"station_id": "2902746",
	"observed_at": "2025-08-07T03:12:00Z",
	"lat": 25.45,
	"lon": 119.85,
	"samples": [
		{"variable": "T", "depth": 5, "value": 28.1},
		{"variable": "T", "depth": 10, "value": 27.9},
		{"variable": "S", "depth": 5, "value": 34.2},
		{"variable": "SST", "value": 28.3},
		{"variable": "S", "depth": 10, "value": 99},
		{"variable": "CHL", "depth": 10, "value": 0.4}
	]
}`

var profileTime = time.Date(2025, 8, 7, 3, 12, 0, 0, time.UTC)

func TestDecodeProfile(t *testing.T) {
	p, rejected, err := decodeProfile(kafkago.Message{Value: []byte(profileJSON)})
	require.NoError(t, err)

	assert.Equal(t, "2902746", p.StationID)
	assert.True(t, p.ObservedAt.Equal(profileTime))
	assert.Len(t, p.Samples, 4)
	assert.Equal(t, map[string]int{FlagValueOutOfRange: 1, FlagUnknownVariable: 1}, rejected)

	sst := p.Samples[3]
	assert.Equal(t, models.VarSST, sst.Variable)
	assert.False(t, sst.Depth.Valid)
	assert.Equal(t, 25.45, sst.Latitude)
}

func TestDecodeProfile_KeyAsStation(t *testing.T) {
	p, _, err := decodeProfile(kafkago.Message{
		Key:   []byte("5906512"),
		Value: []byte(`{"observed_at": "2025-08-07T03:12:00Z", "samples": []}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "5906512", p.StationID)
}

func TestDecodeProfile_DepthRules(t *testing.T) {
	p, rejected, err := decodeProfile(kafkago.Message{Value: []byte(`{
		"station_id": "2902746", "observed_at": "2025-08-07T03:12:00Z", "lat": 25.45, "lon": 119.85,
		"samples": [
			{"variable": "T", "value": 28.1},
			{"variable": "SST", "depth": 5, "value": 28.3},
			{"variable": "S", "depth": 10, "value": 34.2}
		]
	}`)})
	require.NoError(t, err)
	require.Len(t, p.Samples, 1)
	assert.Equal(t, models.VarSalinity, p.Samples[0].Variable)
	assert.Equal(t, map[string]int{FlagDepthMissing: 1, FlagDepthUnexpected: 1}, rejected)
}

func TestDecodeProfile_Malformed(t *testing.T) {
	_, _, err := decodeProfile(kafkago.Message{Value: []byte("not-json{{{")})
	assert.Error(t, err)

	_, _, err = decodeProfile(kafkago.Message{Value: []byte(`{"station_id": "A"}`)})
	assert.Error(t, err, "missing time")
}

func TestObservationFeed_Run(t *testing.T) {
	st := setupStore(t)
	inv := &recordingInvalidator{}
	reader := &fakeReader{queue: []kafkago.Message{
		{Offset: 1, Value: []byte(profileJSON)},
		{Offset: 2, Value: []byte("not-json{{{")},
		{Offset: 3, Value: []byte(profileJSON)}, // redelivery
	}}
	feed := NewObservationFeed(reader, st, inv, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, reader.commits())
	assert.True(t, reader.closed)

	temps, err := st.Observations(context.Background(), "2902746", models.VarTemperature, profileTime, profileTime)
	require.NoError(t, err)
	assert.Len(t, temps, 2)

	station, err := st.Station(context.Background(), "2902746")
	require.NoError(t, err)
	assert.Equal(t, 1, station.ProfileCount)

	// The redelivered profile stored nothing new, so only the first invalidates.
	assert.ElementsMatch(t, []invalidation{
		{"2902746", models.VarTemperature, profileTime},
		{"2902746", models.VarSalinity, profileTime},
		{"2902746", models.VarSST, profileTime},
	}, inv.observed())
}

type failingRecorder struct{}

func (failingRecorder) RecordProfile(ctx context.Context, p models.Profile) (int, error) {
	return 0, errors.New("disk full")
}

func TestObservationFeed_StoreFailureStopsWithoutCommit(t *testing.T) {
	reader := &fakeReader{queue: []kafkago.Message{{Offset: 7, Value: []byte(profileJSON)}}}
	feed := NewObservationFeed(reader, failingRecorder{}, nil, discardLogger())
	feed.retryFor = 50 * time.Millisecond

	err := feed.Run(context.Background())
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, reader.commits())
}
