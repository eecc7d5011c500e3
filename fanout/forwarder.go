package fanout

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/relaygate/component"
	"github.com/c360/relaygate/errors"
	"github.com/c360/relaygate/event"
	"github.com/c360/relaygate/router"
)

const (
	forwarderName = "downstream-forwarder"

	tcpDialTimeout  = 5 * time.Second
	tcpWriteTimeout = 10 * time.Second
	restTimeout     = 10 * time.Second
)

// Forwarder pushes each routed event to static downstream endpoints:
// raw TCP (4-byte big-endian length prefix + JSON) and HTTP POST. It is
// the delivery path when the public WebSocket stream is disabled.
type Forwarder struct {
	tcpEndpoints  []string
	restEndpoints []string
	client        *http.Client
	log           *slog.Logger

	forwarded atomic.Int64
	failures  atomic.Int64
	started   atomic.Bool
}

// NewForwarder creates the forwarder. Both endpoint lists empty is
// allowed but pointless; Initialize warns about it.
func NewForwarder(tcpEndpoints, restEndpoints []string, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	return &Forwarder{
		tcpEndpoints:  tcpEndpoints,
		restEndpoints: restEndpoints,
		client:        &http.Client{Timeout: restTimeout},
		log:           log.With("component", forwarderName),
	}
}

// Name implements fanout.Sink and component.LifecycleComponent.
func (f *Forwarder) Name() string { return forwarderName }

func (f *Forwarder) Initialize() error {
	if len(f.tcpEndpoints) == 0 && len(f.restEndpoints) == 0 {
		f.log.Warn("no downstream endpoints configured; forwarded events will be dropped")
	}
	return nil
}

func (f *Forwarder) Start(_ context.Context) error {
	if !f.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Forwarder", "Start", "check lifecycle")
	}
	f.log.Info("downstream forwarder started",
		"tcp_endpoints", len(f.tcpEndpoints), "rest_endpoints", len(f.restEndpoints))
	return nil
}

func (f *Forwarder) Stop(_ time.Duration) error {
	f.client.CloseIdleConnections()
	return nil
}

// Deliver forwards every event to every endpoint, endpoints in
// parallel. Endpoint failures are counted; the batch is never retried
// (dedup retention makes replays the restart path's job, not ours).
func (f *Forwarder) Deliver(ctx context.Context, b *router.Batch) error {
	var firstErr error
	for _, ev := range b.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			f.log.Warn("event did not serialize", "event_id", ev.ID, "error", err)
			continue
		}
		if err := f.forwardOne(ctx, ev, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Forwarder) forwardOne(ctx context.Context, ev *event.Event, data []byte) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(f.tcpEndpoints)+len(f.restEndpoints))

	for _, endpoint := range f.tcpEndpoints {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			if err := f.forwardTCP(ctx, endpoint, data); err != nil {
				f.failures.Add(1)
				f.log.Warn("tcp forward failed", "endpoint", endpoint, "event_id", ev.ID, "error", err)
				errCh <- err
			}
		}(endpoint)
	}
	for _, endpoint := range f.restEndpoints {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			if err := f.forwardREST(ctx, endpoint, data); err != nil {
				f.failures.Add(1)
				f.log.Warn("rest forward failed", "endpoint", endpoint, "event_id", ev.ID, "error", err)
				errCh <- err
			}
		}(endpoint)
	}
	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return errors.WrapTransient(err, "Forwarder", "Deliver", "forward event downstream")
	}
	f.forwarded.Add(1)
	return nil
}

// forwardTCP sends one length-prefixed frame per event over a fresh
// connection.
func (f *Forwarder) forwardTCP(ctx context.Context, endpoint string, data []byte) error {
	dialer := net.Dialer{Timeout: tcpDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
	frame := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	frame = append(frame, data...)
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write to %s: %w", endpoint, err)
	}
	return nil
}

func (f *Forwarder) forwardREST(ctx context.Context, endpoint string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post to %s: status %d", endpoint, resp.StatusCode)
	}
	return nil
}

// Health implements component.HealthChecker.
func (f *Forwarder) Health() component.HealthStatus {
	status := component.HealthStatus{
		LastCheck:       time.Now(),
		EventsProcessed: f.forwarded.Load(),
		ErrorCount:      int(f.failures.Load()),
	}
	if !f.started.Load() {
		status.LastError = errors.ErrNotStarted.Error()
		return status
	}
	status.Healthy = true
	return status
}
