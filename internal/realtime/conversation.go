package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"donation-sync/internal/events"
	"donation-sync/internal/models"
)

const (
	markReadTimeout = 10 * time.Second
	resyncTimeout   = 30 * time.Second
)

var tracer = otel.Tracer("donation-sync/realtime")

// ConversationSource reads and flags the messages of a conversation.
type ConversationSource interface {
	ListConversation(ctx context.Context, key models.ConversationKey) ([]models.Message, error)
	MarkRead(ctx context.Context, ids []string) error
}

// ChangeSubscriber is the part of events.Bus the stores use.
type ChangeSubscriber interface {
	Subscribe(partition string, h events.Handler) *events.Subscription
	Unsubscribe(sub *events.Subscription)
}

// ConversationStore keeps the ordered history of one conversation, as seen by
// key.UserA, in sync with the messages table. Locally submitted messages show
// up only once their insert comes back through the bus.
type ConversationStore struct {
	key    models.ConversationKey
	source ConversationSource
	bus    ChangeSubscriber
	log    logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	hydrateMu sync.Mutex

	mu        sync.Mutex
	messages  []models.Message
	ids       map[string]struct{}
	loading   bool
	hydrated  bool
	buffering bool
	pending   []events.Change
	closed    bool
	sub       *events.Subscription
	onChange  func(models.ConversationView)
}

// NewConversationStore creates a store for key; call Open to start it.
func NewConversationStore(key models.ConversationKey, source ConversationSource, bus ChangeSubscriber, log logrus.FieldLogger) *ConversationStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConversationStore{
		key:      key,
		source:   source,
		bus:      bus,
		log:      log.WithFields(logrus.Fields{"donation_id": key.DonationID, "user_id": key.UserA}),
		ctx:      ctx,
		cancel:   cancel,
		messages: []models.Message{},
		ids:      make(map[string]struct{}),
		loading:  true,
	}
}

// OnChange registers fn to receive a view after every change. fn runs with the
// store locked and must not call back into it.
func (s *ConversationStore) OnChange(fn func(models.ConversationView)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Open subscribes to the donation's message partition, waits for the stream to
// be live and hydrates. Changes arriving meanwhile are replayed after the
// snapshot is installed.
func (s *ConversationStore) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &HydrationError{Partition: s.key.Partition(), Err: errStoreClosed}
	}
	if s.sub == nil {
		s.sub = s.bus.Subscribe(s.key.Partition(), s)
	}
	sub := s.sub
	s.mu.Unlock()

	select {
	case <-sub.Ready():
	case <-ctx.Done():
		return &HydrationError{Partition: s.key.Partition(), Err: ctx.Err()}
	}
	_, err := s.Hydrate(ctx)
	return err
}

// Hydrate replaces the history with a fresh snapshot and marks the local
// user's unread messages as read in one call.
func (s *ConversationStore) Hydrate(ctx context.Context) ([]models.Message, error) {
	s.hydrateMu.Lock()
	defer s.hydrateMu.Unlock()

	ctx, span := tracer.Start(ctx, "conversation.hydrate")
	defer span.End()
	span.SetAttributes(attribute.String("donation_id", s.key.DonationID))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &HydrationError{Partition: s.key.Partition(), Err: errStoreClosed}
	}
	s.buffering = true
	s.mu.Unlock()

	snapshot, err := s.source.ListConversation(ctx, s.key)
	if err != nil {
		span.RecordError(err)
		s.mu.Lock()
		s.buffering = false
		if s.hydrated {
			// keep the previous history and catch up on what arrived meanwhile
			s.replayLocked()
		} else {
			// the next snapshot will contain everything buffered so far
			s.pending = nil
		}
		s.mu.Unlock()
		s.log.WithError(err).Warn("conversation snapshot failed")
		return nil, &HydrationError{Partition: s.key.Partition(), Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &HydrationError{Partition: s.key.Partition(), Err: errStoreClosed}
	}
	s.messages = make([]models.Message, 0, len(snapshot))
	s.ids = make(map[string]struct{}, len(snapshot))
	var unread []string
	for _, msg := range snapshot {
		if !s.key.Matches(msg) {
			continue
		}
		if _, dup := s.ids[msg.ID]; dup {
			continue
		}
		s.ids[msg.ID] = struct{}{}
		s.messages = append(s.messages, msg)
		if s.needsRead(msg) {
			unread = append(unread, msg.ID)
		}
	}
	sort.SliceStable(s.messages, func(i, j int) bool { return models.MessageLess(s.messages[i], s.messages[j]) })

	s.buffering = false
	s.hydrated = true
	s.loading = false
	s.replayLocked()
	s.notifyLocked()
	out := s.copyLocked()
	s.mu.Unlock()

	if len(unread) > 0 {
		if err := s.source.MarkRead(ctx, unread); err != nil {
			s.log.WithError(err).WithField("count", len(unread)).Warn("mark read failed")
		}
	}
	return out, nil
}

// HandleChange implements events.Handler.
func (s *ConversationStore) HandleChange(ch events.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch {
	case s.buffering:
		s.pending = append(s.pending, ch)
	case !s.hydrated:
		// committed before the first snapshot query, which will include it
	default:
		if s.applyLocked(ch) {
			s.notifyLocked()
		}
	}
}

// Resync implements events.Resyncer: changes lost while the stream was down
// are recovered from a new snapshot.
func (s *ConversationStore) Resync() {
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
			s.log.WithError(err).Warn("conversation resync failed")
		}
	}()
}

// ApplyInsert adds msg unless it belongs elsewhere or is already present.
func (s *ConversationStore) ApplyInsert(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.insertLocked(msg) {
		s.notifyLocked()
	}
}

// ApplyUpdate replaces the stored message with the same id, in place.
func (s *ConversationStore) ApplyUpdate(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.updateLocked(msg) {
		s.notifyLocked()
	}
}

// ApplyDelete drops the message with id.
func (s *ConversationStore) ApplyDelete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.deleteLocked(id) {
		s.notifyLocked()
	}
}

// View returns a copy of the current state.
func (s *ConversationStore) View() models.ConversationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Messages returns a copy of the ordered history.
func (s *ConversationStore) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Close releases the subscription. No change is applied after it returns.
// A running resync is cancelled; pending mark-read calls are waited for.
func (s *ConversationStore) Close() {
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

func (s *ConversationStore) applyLocked(ch events.Change) bool {
	if ch.Kind == events.KindDelete {
		return s.deleteLocked(ch.ID)
	}
	var msg models.Message
	if err := ch.Decode(&msg); err != nil {
		s.log.WithError(err).Warn("dropping undecodable message change")
		return false
	}
	switch ch.Kind {
	case events.KindInsert:
		return s.insertLocked(msg)
	case events.KindUpdate:
		return s.updateLocked(msg)
	default:
		s.log.WithField("kind", ch.Kind).Warn("unknown change kind")
		return false
	}
}

func (s *ConversationStore) replayLocked() {
	pending := s.pending
	s.pending = nil
	for _, ch := range pending {
		s.applyLocked(ch)
	}
}

// insertLocked keeps messages sorted by (created_at, id); a late insert of an
// older message lands at its position rather than at the end.
func (s *ConversationStore) insertLocked(msg models.Message) bool {
	if !s.key.Matches(msg) {
		return false
	}
	if _, ok := s.ids[msg.ID]; ok {
		return false
	}
	pos := sort.Search(len(s.messages), func(i int) bool { return models.MessageLess(msg, s.messages[i]) })
	s.messages = append(s.messages, models.Message{})
	copy(s.messages[pos+1:], s.messages[pos:])
	s.messages[pos] = msg
	s.ids[msg.ID] = struct{}{}

	if s.needsRead(msg) {
		s.markReadAsync(msg.ID)
	}
	return true
}

func (s *ConversationStore) updateLocked(msg models.Message) bool {
	if !s.key.Matches(msg) {
		return false
	}
	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			s.messages[i] = msg
			return true
		}
	}
	return false
}

func (s *ConversationStore) deleteLocked(id string) bool {
	if _, ok := s.ids[id]; !ok {
		return false
	}
	delete(s.ids, id)
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	return true
}

func (s *ConversationStore) needsRead(msg models.Message) bool {
	return msg.ReceiverID == s.key.UserA && !msg.Read
}

func (s *ConversationStore) markReadAsync(id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
		defer cancel()
		if err := s.source.MarkRead(ctx, []string{id}); err != nil {
			s.log.WithError(err).WithField("message_id", id).Warn("mark read failed")
		}
	}()
}

func (s *ConversationStore) notifyLocked() {
	if s.onChange != nil {
		s.onChange(s.viewLocked())
	}
}

func (s *ConversationStore) viewLocked() models.ConversationView {
	return models.ConversationView{Key: s.key, Messages: s.copyLocked(), Loading: s.loading}
}

func (s *ConversationStore) copyLocked() []models.Message {
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}
