// Package notifybus is a durable pub/sub abstraction over Postgres
// LISTEN/NOTIFY, carrying a build id as payload on the build_queued,
// build_restarted, and build_canceled channels.
package notifybus

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"log/slog"

	"github.com/lib/pq"

	"github.com/schererja/starfish/pkg/logger"
)

const (
	ChannelBuildQueued    = "build_queued"
	ChannelBuildRestarted = "build_restarted"
	ChannelBuildCanceled  = "build_canceled"
)

// Notification is one (channel, payload) delivery.
type Notification struct {
	Channel string
	Payload string
}

// Bus wraps a pq.Listener for subscribing and a plain connection for
// publishing NOTIFY.
type Bus struct {
	conn *sql.DB
	l    *pq.Listener
	log  *logger.Logger
}

// Open connects a listener to databaseURL. pq.Listener's own reconnect
// backoff runs from 10 seconds up to one minute.
func Open(databaseURL string, log *logger.Logger) (*Bus, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("notifybus: open: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("notifybus: ping: %w", err)
	}

	eventCb := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("notifybus: listener event", slog.Int("event", int(ev)), slog.String("error", err.Error()))
		}
	}
	l := pq.NewListener(databaseURL, 10*time.Second, time.Minute, eventCb)

	return &Bus{conn: conn, l: l, log: log}, nil
}

// Subscribe listens on the three build lifecycle channels.
func (b *Bus) Subscribe() error {
	for _, ch := range []string{ChannelBuildQueued, ChannelBuildRestarted, ChannelBuildCanceled} {
		if err := b.l.Listen(ch); err != nil {
			return fmt.Errorf("notifybus: listen %s: %w", ch, err)
		}
	}
	return nil
}

// Recv blocks until the next notification arrives or ctx is canceled. A
// reconnect of the listener is absorbed and Recv keeps waiting; it is not
// surfaced as an error.
func (b *Bus) Recv(ctx context.Context) (Notification, error) {
	for {
		select {
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case n, ok := <-b.l.Notify:
			if !ok {
				return Notification{}, fmt.Errorf("notifybus: listener closed")
			}
			if n == nil {
				// Reconnect signal from pq.Listener; nothing was lost that
				// startup reconciliation won't recover.
				continue
			}
			return Notification{Channel: n.Channel, Payload: n.Extra}, nil
		case <-time.After(90 * time.Second):
			_ = b.l.Ping()
		}
	}
}

// Publish sends NOTIFY channel, payload from within a normal connection.
func (b *Bus) Publish(ctx context.Context, channel, payload string) error {
	_, err := b.conn.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	if err != nil {
		return fmt.Errorf("notifybus: notify %s: %w", channel, err)
	}
	return nil
}

// Close releases the listener and its connection.
func (b *Bus) Close() error {
	if err := b.l.Close(); err != nil {
		return err
	}
	return b.conn.Close()
}
