package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"donation-sync/internal/logging"
)

type item struct {
	ch  Change
	err error
}

type fakeStream struct {
	items  chan item
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStream) Next(ctx context.Context) (Change, error) {
	select {
	case <-ctx.Done():
		return Change{}, ctx.Err()
	case it := <-s.items:
		return it.ch, it.err
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeTransport struct {
	mu      sync.Mutex
	opened  map[string]int
	streams map[string]*fakeStream
	failN   int
	openCh  chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		opened:  make(map[string]int),
		streams: make(map[string]*fakeStream),
		openCh:  make(chan string, 16),
	}
}

func (t *fakeTransport) Open(ctx context.Context, partition string) (Stream, error) {
	t.mu.Lock()
	if t.failN > 0 {
		t.failN--
		t.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	t.opened[partition]++
	s := &fakeStream{items: make(chan item, 16), closed: make(chan struct{})}
	t.streams[partition] = s
	t.mu.Unlock()
	t.openCh <- partition
	return s, nil
}

func (t *fakeTransport) stream(partition string) *fakeStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[partition]
}

func (t *fakeTransport) opens(partition string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened[partition]
}

func waitOpen(t *testing.T, tr *fakeTransport, partition string) *fakeStream {
	t.Helper()
	select {
	case p := <-tr.openCh:
		require.Equal(t, partition, p)
	case <-time.After(time.Second):
		t.Fatalf("stream for %s was not opened", partition)
	}
	return tr.stream(partition)
}

type recorder struct {
	mu      sync.Mutex
	changes []Change
	resyncs int
	got     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 64)}
}

func (r *recorder) HandleChange(ch Change) {
	r.mu.Lock()
	r.changes = append(r.changes, ch)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) Resync() {
	r.mu.Lock()
	r.resyncs++
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(time.Second):
			t.Fatalf("expected %d deliveries, got %d", n, i)
		}
	}
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.changes))
	for _, ch := range r.changes {
		ids = append(ids, ch.ID)
	}
	return ids
}

func newTestBus(tr Transport) *Bus {
	return NewBus(tr, WithBackoff(time.Millisecond, 5*time.Millisecond), WithLogger(logging.Discard()))
}

func TestBusSharesOneStreamPerPartition(t *testing.T) {
	tr := newFakeTransport()
	bus := newTestBus(tr)
	defer bus.Close()

	first := bus.Subscribe("messages:d1", newRecorder())
	waitOpen(t, tr, "messages:d1")
	second := bus.Subscribe("messages:d1", newRecorder())

	assert.Equal(t, 1, tr.opens("messages:d1"))
	assert.Equal(t, []string{"messages:d1"}, bus.ActivePartitions())

	first.Unsubscribe()
	assert.Equal(t, []string{"messages:d1"}, bus.ActivePartitions())

	stream := tr.stream("messages:d1")
	second.Unsubscribe()
	assert.Empty(t, bus.ActivePartitions())

	select {
	case <-stream.closed:
	case <-time.After(time.Second):
		t.Fatal("stream was not released after the last unsubscribe")
	}
}

func TestBusDeliversInOrderToEverySubscriber(t *testing.T) {
	tr := newFakeTransport()
	bus := newTestBus(tr)
	defer bus.Close()

	a, b := newRecorder(), newRecorder()
	bus.Subscribe("donations", a)
	stream := waitOpen(t, tr, "donations")
	bus.Subscribe("donations", b)

	for _, id := range []string{"1", "2", "3"} {
		stream.items <- item{ch: Change{Kind: KindInsert, Table: "donations", ID: id}}
	}
	a.wait(t, 3)
	b.wait(t, 3)

	assert.Equal(t, []string{"1", "2", "3"}, a.ids())
	assert.Equal(t, []string{"1", "2", "3"}, b.ids())
	assert.Equal(t, "donations", a.changes[0].Partition)
}

func TestBusPartitionsAreIsolated(t *testing.T) {
	tr := newFakeTransport()
	bus := newTestBus(tr)
	defer bus.Close()

	a, b := newRecorder(), newRecorder()
	bus.Subscribe("messages:d1", a)
	s1 := waitOpen(t, tr, "messages:d1")
	bus.Subscribe("messages:d2", b)
	waitOpen(t, tr, "messages:d2")

	s1.items <- item{ch: Change{Kind: KindInsert, ID: "m1"}}
	a.wait(t, 1)

	assert.Equal(t, []string{"m1"}, a.ids())
	assert.Empty(t, b.ids())
}

func TestBusNoDeliveryAfterUnsubscribe(t *testing.T) {
	tr := newFakeTransport()
	bus := newTestBus(tr)
	defer bus.Close()

	gone, kept := newRecorder(), newRecorder()
	sub := bus.Subscribe("donations", gone)
	stream := waitOpen(t, tr, "donations")
	bus.Subscribe("donations", kept)

	stream.items <- item{ch: Change{Kind: KindInsert, ID: "1"}}
	gone.wait(t, 1)
	kept.wait(t, 1)

	sub.Unsubscribe()
	stream.items <- item{ch: Change{Kind: KindInsert, ID: "2"}}
	kept.wait(t, 1)

	assert.Equal(t, []string{"1"}, gone.ids())
	assert.Equal(t, []string{"1", "2"}, kept.ids())
}

func TestBusReconnectsAndResyncs(t *testing.T) {
	tr := newFakeTransport()
	bus := newTestBus(tr)
	defer bus.Close()

	rec := newRecorder()
	bus.Subscribe("donations", rec)
	stream := waitOpen(t, tr, "donations")

	tr.mu.Lock()
	tr.failN = 2
	tr.mu.Unlock()
	stream.items <- item{err: errors.New("connection reset")}

	next := waitOpen(t, tr, "donations")
	rec.wait(t, 1)
	next.items <- item{ch: Change{Kind: KindUpdate, ID: "7"}}
	rec.wait(t, 1)

	assert.Equal(t, 2, tr.opens("donations"))
	assert.Equal(t, 1, rec.resyncs)
	assert.Equal(t, []string{"7"}, rec.ids())
}

func TestBusResyncsOnTransportReconnect(t *testing.T) {
	tr := newFakeTransport()
	bus := newTestBus(tr)
	defer bus.Close()

	rec := newRecorder()
	bus.Subscribe("donations", rec)
	stream := waitOpen(t, tr, "donations")

	stream.items <- item{err: ErrReconnected}
	stream.items <- item{ch: Change{Kind: KindInsert, ID: "1"}}
	rec.wait(t, 2)

	assert.Equal(t, 1, rec.resyncs)
	assert.Equal(t, 1, tr.opens("donations"))
}

func TestBusSurvivesPanickingHandler(t *testing.T) {
	tr := newFakeTransport()
	bus := newTestBus(tr)
	defer bus.Close()

	bus.Subscribe("donations", HandlerFunc(func(Change) { panic("boom") }))
	stream := waitOpen(t, tr, "donations")
	rec := newRecorder()
	bus.Subscribe("donations", rec)

	stream.items <- item{ch: Change{Kind: KindDelete, ID: "9"}}
	rec.wait(t, 1)
	assert.Equal(t, []string{"9"}, rec.ids())
}

func TestChangeDecode(t *testing.T) {
	var out struct {
		Title string `json:"title"`
	}
	ch := Change{Table: "donations", ID: "1", Record: json.RawMessage(`{"title":"Canapé"}`)}
	require.NoError(t, ch.Decode(&out))
	assert.Equal(t, "Canapé", out.Title)

	assert.Error(t, Change{Table: "donations", ID: "2"}.Decode(&out))
	assert.Error(t, Change{Table: "donations", ID: "3", Record: json.RawMessage(`{`)}.Decode(&out))
}

func TestBusReadyAfterStreamOpens(t *testing.T) {
	tr := newFakeTransport()
	tr.failN = 1
	bus := newTestBus(tr)
	defer bus.Close()

	sub := bus.Subscribe("donations", newRecorder())
	waitOpen(t, tr, "donations")

	select {
	case <-sub.Ready():
	case <-time.After(time.Second):
		t.Fatal("subscription never became ready")
	}

	late := bus.Subscribe("donations", newRecorder())
	select {
	case <-late.Ready():
	default:
		t.Fatal("subscriber of an open partition should be ready immediately")
	}
}

type stalledTransport struct {
	entered chan struct{}
}

func (t *stalledTransport) Open(ctx context.Context, partition string) (Stream, error) {
	t.entered <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestBusReleasesPartitionWhileOpenIsStalled(t *testing.T) {
	tr := &stalledTransport{entered: make(chan struct{}, 4)}
	bus := newTestBus(tr)

	sub := bus.Subscribe("messages:d1", newRecorder())
	<-tr.entered
	sub.Unsubscribe()
	assert.Empty(t, bus.ActivePartitions())

	bus.Subscribe("donations", newRecorder())
	<-tr.entered

	closed := make(chan struct{})
	go func() {
		bus.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a stream that never opened")
	}
}
