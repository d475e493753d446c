package replication

import (
	"errors"
	"fmt"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	// Register all transports (tcp, inproc, ipc)
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/cluso-wald/pkg/logging"
	"github.com/dd0wney/cluso-wald/pkg/wal"
)

// Feed publishes every durable record on a pub socket in the binary wire
// format. It is a fire-and-forget observer channel for change-data-capture
// consumers; real standbys use the acknowledged TCP stream, never the feed.
type Feed struct {
	sock   mangos.Socket
	logger logging.Logger
}

// NewFeed opens a publisher on addr (tcp://, ipc:// or inproc://)
func NewFeed(addr string, logger logging.Logger) (*Feed, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	sock, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create feed socket: %w", err)
	}
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to listen feed on %s: %w", addr, err)
	}

	logger.Info("WAL feed listening", logging.Component("feed"), logging.String("addr", addr))
	return &Feed{sock: sock, logger: logger.With(logging.Component("feed"))}, nil
}

// Publish sends one record to all current subscribers. Subscribers that
// fall behind miss records; the feed makes no delivery promises.
func (f *Feed) Publish(rec *wal.Record) {
	if err := f.sock.Send(wal.EncodeWire(rec)); err != nil {
		f.logger.Debug("feed publish failed", logging.Error(err))
	}
}

// Close shuts the feed down
func (f *Feed) Close() error {
	return f.sock.Close()
}

// FeedSubscriber consumes records from a Feed
type FeedSubscriber struct {
	sock mangos.Socket
}

// SubscribeFeed connects a subscriber to a feed address
func SubscribeFeed(addr string) (*FeedSubscriber, error) {
	sock, err := sub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriber socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionSubscribe, []byte{}); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to dial feed %s: %w", addr, err)
	}
	return &FeedSubscriber{sock: sock}, nil
}

// Recv blocks for the next published record. Returns nil record (no error)
// on timeout.
func (s *FeedSubscriber) Recv(timeout time.Duration) (*wal.Record, error) {
	if err := s.sock.SetOption(mangos.OptionRecvDeadline, timeout); err != nil {
		return nil, err
	}
	data, err := s.sock.Recv()
	if err != nil {
		if errors.Is(err, mangos.ErrRecvTimeout) {
			return nil, nil
		}
		return nil, err
	}
	return wal.DecodeWire(data)
}

// Close shuts the subscriber down
func (s *FeedSubscriber) Close() error {
	return s.sock.Close()
}
