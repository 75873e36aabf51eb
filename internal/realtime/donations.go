package realtime

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"donation-sync/internal/events"
	"donation-sync/internal/models"
)

// DefaultDonationLimit caps the initial snapshot, as the map screen does.
const DefaultDonationLimit = 100

// DonationSource reads the available donations.
type DonationSource interface {
	ListAvailable(ctx context.Context, limit int) ([]models.Donation, error)
}

// LiveDonationSet is the set of available, located donations kept in sync with
// the donations table. Every change is reduced to one rule: an available record
// is upserted, anything else is removed, so the result depends only on the
// latest state of each id.
type LiveDonationSet struct {
	source DonationSource
	bus    ChangeSubscriber
	fresh  *FreshnessTracker
	limit  int
	log    logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	hydrateMu sync.Mutex

	mu        sync.Mutex
	records   map[string]models.Donation
	loading   bool
	hydrated  bool
	buffering bool
	pending   []events.Change
	closed    bool
	sub       *events.Subscription
	onChange  func([]models.Donation)
}

// NewLiveDonationSet creates the set. fresh may be nil.
func NewLiveDonationSet(source DonationSource, bus ChangeSubscriber, fresh *FreshnessTracker, limit int, log logrus.FieldLogger) *LiveDonationSet {
	if limit <= 0 {
		limit = DefaultDonationLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LiveDonationSet{
		source:  source,
		bus:     bus,
		fresh:   fresh,
		limit:   limit,
		log:     log.WithField("partition", models.DonationPartition),
		ctx:     ctx,
		cancel:  cancel,
		records: make(map[string]models.Donation),
		loading: true,
	}
}

// OnChange registers fn to receive the records after every change. fn runs
// with the set locked and must not call back into it.
func (s *LiveDonationSet) OnChange(fn func([]models.Donation)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Open subscribes to the donations partition and hydrates once it is live.
func (s *LiveDonationSet) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &HydrationError{Partition: models.DonationPartition, Err: errStoreClosed}
	}
	if s.sub == nil {
		s.sub = s.bus.Subscribe(models.DonationPartition, s)
	}
	sub := s.sub
	s.mu.Unlock()

	select {
	case <-sub.Ready():
	case <-ctx.Done():
		return &HydrationError{Partition: models.DonationPartition, Err: ctx.Err()}
	}
	_, err := s.Hydrate(ctx)
	return err
}

// Hydrate replaces the set with a snapshot of available donations.
func (s *LiveDonationSet) Hydrate(ctx context.Context) ([]models.Donation, error) {
	s.hydrateMu.Lock()
	defer s.hydrateMu.Unlock()

	ctx, span := tracer.Start(ctx, "donations.hydrate")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", s.limit))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &HydrationError{Partition: models.DonationPartition, Err: errStoreClosed}
	}
	s.buffering = true
	s.mu.Unlock()

	snapshot, err := s.source.ListAvailable(ctx, s.limit)
	if err != nil {
		span.RecordError(err)
		s.mu.Lock()
		s.buffering = false
		if s.hydrated {
			s.replayLocked(nil)
		} else {
			s.pending = nil
		}
		s.mu.Unlock()
		s.log.WithError(err).Warn("donation snapshot failed")
		return nil, &HydrationError{Partition: models.DonationPartition, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &HydrationError{Partition: models.DonationPartition, Err: errStoreClosed}
	}
	before := s.records
	s.records = make(map[string]models.Donation, len(snapshot))
	for _, d := range snapshot {
		if d.Available() {
			s.records[d.ID] = d
		}
	}
	s.buffering = false
	s.hydrated = true
	s.loading = false
	s.replayLocked(before)
	s.notifyLocked()
	return s.recordsLocked(), nil
}

// HandleChange implements events.Handler.
func (s *LiveDonationSet) HandleChange(ch events.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch {
	case s.buffering:
		s.pending = append(s.pending, ch)
	case !s.hydrated:
	default:
		if s.applyLocked(ch, nil) {
			s.notifyLocked()
		}
	}
}

// Resync implements events.Resyncer.
func (s *LiveDonationSet) Resync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, resyncTimeout)
		defer cancel()
		if _, err := s.Hydrate(ctx); err != nil {
			s.log.WithError(err).Warn("donation resync failed")
		}
	}()
}

// ApplyInsert reconciles a record carried by an insert event.
func (s *LiveDonationSet) ApplyInsert(d models.Donation) {
	s.apply(events.KindInsert, d)
}

// ApplyUpdate reconciles a record carried by an update event.
func (s *LiveDonationSet) ApplyUpdate(d models.Donation) {
	s.apply(events.KindUpdate, d)
}

// ApplyDelete removes id.
func (s *LiveDonationSet) ApplyDelete(id string) {
	s.apply(events.KindDelete, models.Donation{ID: id})
}

func (s *LiveDonationSet) apply(kind events.Kind, d models.Donation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.reconcileLocked(kind, d, nil) {
		s.notifyLocked()
	}
}

// Records returns the members, newest first.
func (s *LiveDonationSet) Records() []models.Donation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordsLocked()
}

// Live returns the members with their freshness flag.
func (s *LiveDonationSet) Live() []models.LiveDonation {
	records := s.Records()
	out := make([]models.LiveDonation, 0, len(records))
	for _, d := range records {
		out = append(out, models.LiveDonation{Donation: d, Fresh: s.IsFresh(d.ID)})
	}
	return out
}

// IsFresh reports whether id entered the set within the freshness window.
func (s *LiveDonationSet) IsFresh(id string) bool {
	return s.fresh != nil && s.fresh.IsFresh(id)
}

// Contains reports whether id is a member.
func (s *LiveDonationSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok
}

// Len returns the number of members.
func (s *LiveDonationSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Loading reports whether the first snapshot is still missing.
func (s *LiveDonationSet) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Close releases the subscription.
func (s *LiveDonationSet) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.pending = nil
	s.mu.Unlock()

	if sub != nil {
		s.bus.Unsubscribe(sub)
	}
	s.cancel()
	s.wg.Wait()
}

func (s *LiveDonationSet) applyLocked(ch events.Change, before map[string]models.Donation) bool {
	if ch.Kind == events.KindDelete {
		return s.reconcileLocked(ch.Kind, models.Donation{ID: ch.ID}, before)
	}
	var d models.Donation
	if err := ch.Decode(&d); err != nil {
		s.log.WithError(err).Warn("dropping undecodable donation change")
		return false
	}
	return s.reconcileLocked(ch.Kind, d, before)
}

// reconcileLocked applies the latest state of d. When before is set, a
// snapshot was just taken and membership is judged against what the viewer
// saw before it, so an insert already folded into the snapshot still
// highlights.
func (s *LiveDonationSet) reconcileLocked(kind events.Kind, d models.Donation, before map[string]models.Donation) bool {
	_, present := s.records[d.ID]
	seen := present
	if before != nil {
		_, seen = before[d.ID]
	}
	if kind != events.KindDelete && d.Available() {
		s.records[d.ID] = d
		if !seen && kind == events.KindInsert && s.fresh != nil {
			s.fresh.MarkFresh(d.ID)
		}
		if before != nil {
			before[d.ID] = d
		}
		return true
	}
	if before != nil {
		delete(before, d.ID)
	}
	if !present {
		return false
	}
	delete(s.records, d.ID)
	return true
}

func (s *LiveDonationSet) replayLocked(before map[string]models.Donation) {
	pending := s.pending
	s.pending = nil
	for _, ch := range pending {
		s.applyLocked(ch, before)
	}
}

func (s *LiveDonationSet) notifyLocked() {
	if s.onChange != nil {
		s.onChange(s.recordsLocked())
	}
}

func (s *LiveDonationSet) recordsLocked() []models.Donation {
	out := make([]models.Donation, 0, len(s.records))
	for _, d := range s.records {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
