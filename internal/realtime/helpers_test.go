package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"donation-sync/internal/events"
	"donation-sync/internal/logging"
	"donation-sync/internal/models"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

func ptr[T any](v T) *T {
	return &v
}

func msg(id, from, to string, minute int, read bool) models.Message {
	return models.Message{
		ID:         id,
		SenderID:   from,
		ReceiverID: to,
		DonationID: "d1",
		Content:    "hello " + id,
		Read:       read,
		CreatedAt:  at(minute),
	}
}

func donation(id, status string, minute int, located bool) models.Donation {
	d := models.Donation{
		ID:        id,
		DonorID:   "donor",
		Title:     "donation " + id,
		Status:    status,
		CreatedAt: at(minute),
	}
	if located {
		d.Lat, d.Lng = ptr(48.85), ptr(2.35)
	}
	return d
}

func change(t *testing.T, kind events.Kind, table, id string, record any) events.Change {
	t.Helper()
	ch := events.Change{Kind: kind, Table: table, ID: id}
	if record != nil {
		raw, err := json.Marshal(record)
		require.NoError(t, err)
		ch.Record = raw
	}
	return ch
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func donationIDs(ds []models.Donation) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.ID)
	}
	return out
}

// chanTransport hands out streams that tests feed directly.
type chanTransport struct {
	mu      sync.Mutex
	streams map[string]chan events.Change
}

func newChanTransport() *chanTransport {
	return &chanTransport{streams: make(map[string]chan events.Change)}
}

func (t *chanTransport) Open(_ context.Context, partition string) (events.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan events.Change, 16)
	t.streams[partition] = ch
	return &chanStream{ch: ch}, nil
}

func (t *chanTransport) push(partition string, ch events.Change) {
	t.mu.Lock()
	stream := t.streams[partition]
	t.mu.Unlock()
	stream <- ch
}

type chanStream struct {
	ch chan events.Change
}

func (s *chanStream) Next(ctx context.Context) (events.Change, error) {
	select {
	case <-ctx.Done():
		return events.Change{}, ctx.Err()
	case ch := <-s.ch:
		return ch, nil
	}
}

func (s *chanStream) Close() error { return nil }

func newTestBus(tr events.Transport) *events.Bus {
	return events.NewBus(tr, events.WithBackoff(time.Millisecond, 5*time.Millisecond), events.WithLogger(logging.Discard()))
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	var zero T
	return zero
}
