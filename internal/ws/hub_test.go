package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ericreilly999/inventory-release/internal/domain"
)

type recordingSubscriber struct {
	mu      sync.Mutex
	got     [][]byte
	fail    bool
	closed  bool
	arrived chan struct{}
}

func newSubscriber() *recordingSubscriber {
	return &recordingSubscriber{arrived: make(chan struct{}, 16)}
}

func (s *recordingSubscriber) Send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.got = append(s.got, b)
	s.arrived <- struct{}{}
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func waitFor(t *testing.T, s *recordingSubscriber) {
	t.Helper()
	select {
	case <-s.arrived:
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestHubRoutesByEnvironment(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer hub.Close()

	staging := newSubscriber()
	prod := newSubscriber()
	all := newSubscriber()
	hub.Register("staging", staging)
	hub.Register("prod", prod)
	hub.Register(AllEnvironments, all)

	hub.Publish(domain.ReleaseEvent{ReleaseID: "r1", Environment: "staging", Version: "1.2.0", Status: domain.StatusMigrating})
	waitFor(t, staging)
	waitFor(t, all)

	var ev domain.ReleaseEvent
	if err := json.Unmarshal(staging.got[0], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Status != domain.StatusMigrating || ev.ReleaseID != "r1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if prod.count() != 0 {
		t.Fatalf("prod subscriber received staging event")
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer hub.Close()

	broken := newSubscriber()
	broken.fail = true
	healthy := newSubscriber()
	hub.Register("dev", broken)
	hub.Register("dev", healthy)

	hub.Publish(domain.ReleaseEvent{Environment: "dev", Status: domain.StatusTesting})
	waitFor(t, healthy)
	hub.Publish(domain.ReleaseEvent{Environment: "dev", Status: domain.StatusBuilding})
	waitFor(t, healthy)

	broken.mu.Lock()
	defer broken.mu.Unlock()
	if !broken.closed {
		t.Fatalf("failing subscriber should be closed")
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub(nil)
	sub := newSubscriber()
	hub.Register("prod", sub)
	hub.Close()
	hub.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sub.mu.Lock()
		closed := sub.closed
		sub.mu.Unlock()
		if closed {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("client not closed on hub shutdown")
}
