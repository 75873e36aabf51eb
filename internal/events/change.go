package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the mutation carried by a Change.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// ErrReconnected is returned by a Stream whose transport reconnected on its own.
// Changes committed during the outage are not replayed.
var ErrReconnected = errors.New("change stream reconnected")

// Change is one committed insert, update or delete of a record.
type Change struct {
	Kind        Kind            `json:"kind"`
	Partition   string          `json:"-"`
	Table       string          `json:"table"`
	ID          string          `json:"id"`
	Record      json.RawMessage `json:"record"`
	CommittedAt time.Time       `json:"committed_at"`
}

// Decode unmarshals the record carried by the change into v.
func (c Change) Decode(v any) error {
	if len(c.Record) == 0 {
		return fmt.Errorf("decode %s change %s: empty record", c.Table, c.ID)
	}
	if err := json.Unmarshal(c.Record, v); err != nil {
		return fmt.Errorf("decode %s change %s: %w", c.Table, c.ID, err)
	}
	return nil
}

// Handler consumes changes. Implementations switch on Change.Kind.
type Handler interface {
	HandleChange(Change)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Change)

// HandleChange calls f(ch).
func (f HandlerFunc) HandleChange(ch Change) { f(ch) }

// Resyncer is implemented by handlers that rebuild their state after the bus
// reopened a stream, since changes missed during the gap are lost.
type Resyncer interface {
	Resync()
}

// Stream yields the changes of one partition in commit order.
type Stream interface {
	Next(ctx context.Context) (Change, error)
	Close() error
}

// Transport opens change streams.
type Transport interface {
	Open(ctx context.Context, partition string) (Stream, error)
}
