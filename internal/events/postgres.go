package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const listenerPingInterval = 90 * time.Second

var errListenerClosed = errors.New("listener closed")

// PostgresTransport streams changes published by the notify triggers installed
// in db.runMigrations. The notification channel is the partition key.
type PostgresTransport struct {
	dsn          string
	minReconnect time.Duration
	maxReconnect time.Duration
	log          logrus.FieldLogger
}

// NewPostgresTransport constructs a PostgresTransport.
func NewPostgresTransport(dsn string, minReconnect, maxReconnect time.Duration, log logrus.FieldLogger) *PostgresTransport {
	return &PostgresTransport{dsn: dsn, minReconnect: minReconnect, maxReconnect: maxReconnect, log: log}
}

// Open starts a LISTEN on the partition channel. It gives up when ctx is
// cancelled, even while the database is unreachable.
func (t *PostgresTransport) Open(ctx context.Context, partition string) (Stream, error) {
	log := t.log.WithField("partition", partition)
	listener := pq.NewListener(t.dsn, t.minReconnect, t.maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.WithError(err).WithField("event", ev).Warn("listener connection event")
		}
	})
	// Listen waits for a live connection; closing the listener wakes it.
	listened := make(chan error, 1)
	go func() { listened <- listener.Listen(partition) }()
	select {
	case err := <-listened:
		if err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("listen %q: %w", partition, err)
		}
	case <-ctx.Done():
		_ = listener.Close()
		return nil, ctx.Err()
	}
	return &pgStream{listener: listener, log: log}, nil
}

type pgStream struct {
	listener *pq.Listener
	log      logrus.FieldLogger
}

func (s *pgStream) Next(ctx context.Context) (Change, error) {
	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Change{}, ctx.Err()
		case n, ok := <-s.listener.Notify:
			if !ok {
				return Change{}, errListenerClosed
			}
			// pq sends nil after re-establishing a lost connection.
			if n == nil {
				return Change{}, ErrReconnected
			}
			ch, err := decodeNotification(n.Extra)
			if err != nil {
				s.log.WithError(err).Warn("dropping malformed notification")
				continue
			}
			return ch, nil
		case <-ticker.C:
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.log.WithError(err).Debug("listener ping failed")
				}
			}()
		}
	}
}

func (s *pgStream) Close() error {
	return s.listener.Close()
}

// decodeNotification parses the payload built by the notify triggers.
func decodeNotification(payload string) (Change, error) {
	var ch Change
	if err := json.Unmarshal([]byte(payload), &ch); err != nil {
		return Change{}, err
	}
	switch ch.Kind {
	case KindInsert, KindUpdate, KindDelete:
	default:
		return Change{}, fmt.Errorf("unknown change kind %q", ch.Kind)
	}
	if ch.ID == "" {
		return Change{}, errors.New("change without id")
	}
	return ch, nil
}
