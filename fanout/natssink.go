package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/relaygate/component"
	"github.com/c360/relaygate/errors"
	"github.com/c360/relaygate/router"
)

const natsSinkName = "nats-sink"

// NATSSink publishes each routed event to <prefix>.<kind>, letting
// downstream consumers subscribe by kind with NATS wildcards.
type NATSSink struct {
	url    string
	prefix string
	log    *slog.Logger

	conn *nats.Conn

	published  atomic.Int64
	pubErrors  atomic.Int64
	reconnects atomic.Int64
}

// NewNATSSink creates the sink. An empty prefix falls back to
// "relay.events".
func NewNATSSink(url, prefix string, log *slog.Logger) *NATSSink {
	if log == nil {
		log = slog.Default()
	}
	if prefix == "" {
		prefix = "relay.events"
	}
	return &NATSSink{
		url:    url,
		prefix: prefix,
		log:    log.With("component", natsSinkName),
	}
}

// Name implements fanout.Sink and component.LifecycleComponent.
func (s *NATSSink) Name() string { return natsSinkName }

func (s *NATSSink) Initialize() error {
	if s.url == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "NATSSink", "Initialize",
			"nats_url is required")
	}
	return nil
}

// Start connects to the NATS server. The client handles reconnection
// itself; a broken connection buffers publishes until it heals.
func (s *NATSSink) Start(_ context.Context) error {
	if s.conn != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "NATSSink", "Start", "check lifecycle")
	}

	conn, err := nats.Connect(s.url,
		nats.Name("relaygate-fanout"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.reconnects.Add(1)
			s.log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			s.log.Info("nats connection closed")
		}),
	)
	if err != nil {
		return errors.WrapTransient(err, "NATSSink", "Start",
			fmt.Sprintf("connect to %s", s.url))
	}
	s.conn = conn
	s.log.Info("nats sink started", "url", s.url, "prefix", s.prefix)
	return nil
}

// Stop drains the connection so queued publishes flush before close.
func (s *NATSSink) Stop(timeout time.Duration) error {
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil

	done := make(chan struct{})
	go func() {
		if err := conn.Drain(); err != nil {
			s.log.Warn("nats drain failed", "error", err)
			conn.Close()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		conn.Close()
		return errors.WrapTransient(
			fmt.Errorf("nats drain did not finish within %s", timeout),
			"NATSSink", "Stop", "force close connection")
	}
	s.log.Info("nats sink stopped", "events_published", s.published.Load())
	return nil
}

// Deliver publishes every event in the batch.
func (s *NATSSink) Deliver(_ context.Context, b *router.Batch) error {
	conn := s.conn
	if conn == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "NATSSink", "Deliver", "drop batch")
	}

	var firstErr error
	for _, ev := range b.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.log.Warn("event did not serialize", "event_id", ev.ID, "error", err)
			continue
		}
		subject := s.prefix + "." + strconv.Itoa(int(ev.Kind))
		if err := conn.Publish(subject, data); err != nil {
			s.pubErrors.Add(1)
			if firstErr == nil {
				firstErr = errors.WrapTransient(err, "NATSSink", "Deliver",
					fmt.Sprintf("publish to %s", subject))
			}
			continue
		}
		s.published.Add(1)
	}
	return firstErr
}

// Health implements component.HealthChecker.
func (s *NATSSink) Health() component.HealthStatus {
	status := component.HealthStatus{
		LastCheck:       time.Now(),
		EventsProcessed: s.published.Load(),
		ErrorCount:      int(s.pubErrors.Load()),
	}
	conn := s.conn
	switch {
	case conn == nil:
		status.LastError = errors.ErrNotStarted.Error()
	case !conn.IsConnected():
		status.LastError = "nats connection unavailable"
	default:
		status.Healthy = true
	}
	return status
}
