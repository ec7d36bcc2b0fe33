package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lawnflow/fieldsync/internal/db"
)

type recordedEvent struct {
	Kind   string
	OpID   string
	Reason string
}

// recordingNotifier captures replay outcomes for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) record(kind, opID, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{Kind: kind, OpID: opID, Reason: reason})
}

func (n *recordingNotifier) OperationQueued(opID string)   { n.record("queued", opID, "") }
func (n *recordingNotifier) OperationUploaded(opID string) { n.record("uploaded", opID, "") }
func (n *recordingNotifier) OperationRetrying(opID string, attempt int, reason string) {
	n.record("retrying", opID, reason)
}
func (n *recordingNotifier) OperationDeadLetter(opID, reason string) {
	n.record("dead_letter", opID, reason)
}
func (n *recordingNotifier) OperationQuarantined(opID, reason string) {
	n.record("quarantined", opID, reason)
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, e := range n.events {
		out[i] = e.Kind
	}
	return out
}

func (n *recordingNotifier) last(t *testing.T) recordedEvent {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.events)
	return n.events[len(n.events)-1]
}

type coordinatorFixture struct {
	store       *QueueStore
	notifier    *recordingNotifier
	coordinator *Coordinator
}

func newCoordinatorFixture(t *testing.T, serverURL string, maxAttempts int) *coordinatorFixture {
	t.Helper()
	database, err := db.OpenMemory(db.AgentMigrations())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store := NewQueueStore(database)
	router := NewRouter(database, &http.Client{Timeout: 2 * time.Second})
	notifier := &recordingNotifier{}
	coordinator := NewCoordinator(store, router, notifier, CoordinatorConfig{
		ServerURL:      serverURL,
		MaxAttempts:    maxAttempts,
		AttemptTimeout: 2 * time.Second,
		DrainInterval:  time.Hour,
	})
	return &coordinatorFixture{store: store, notifier: notifier, coordinator: coordinator}
}

func enqueueParts(t *testing.T, store *QueueStore, endpoint, resource string, parts []Part) *QueuedOperation {
	t.Helper()
	payload, err := EncodePayload(parts)
	require.NoError(t, err)
	op, err := store.Create(endpoint, resource, payload)
	require.NoError(t, err)
	return op
}

func TestDrainDeliversAndDeletes(t *testing.T) {
	var gotOpID string
	var gotNote string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOpID = r.Header.Get(OperationIDHeader)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotNote = r.FormValue("note")
		w.WriteHeader(http.StatusCreated)
	}))
	defer backend.Close()

	f := newCoordinatorFixture(t, backend.URL, 3)
	op := enqueueParts(t, f.store, "/api/jobs/j1/notes", "job:j1", []Part{TextPart("note", "gate code 4411")})

	require.NoError(t, f.coordinator.Drain(context.Background()))

	require.Equal(t, op.ID, gotOpID, "idempotency id must ride along on replay")
	require.Equal(t, "gate code 4411", gotNote)

	_, err := f.store.Get(op.ID)
	require.ErrorIs(t, err, ErrOperationNotFound)
	require.Equal(t, []string{"uploaded"}, f.notifier.kinds())
}

func TestDrainPreservesEnqueueOrder(t *testing.T) {
	var order []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		order = append(order, r.FormValue("step"))
	}))
	defer backend.Close()

	f := newCoordinatorFixture(t, backend.URL, 3)
	for _, step := range []string{"one", "two", "three"} {
		enqueueParts(t, f.store, "/api/jobs/j1/notes", "job:j1", []Part{TextPart("step", step)})
	}

	require.NoError(t, f.coordinator.Drain(context.Background()))
	require.Equal(t, []string{"one", "two", "three"}, order)
}

func TestTransientFailureRetriesThenDeadLetters(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	f := newCoordinatorFixture(t, backend.URL, 3)
	op := enqueueParts(t, f.store, "/api/jobs/j1/transition", "job:j1", []Part{TextPart("target", "en_route")})

	require.NoError(t, f.coordinator.Drain(context.Background()))
	got, err := f.store.Get(op.ID)
	require.NoError(t, err)
	require.Equal(t, OperationPending, got.Status)
	require.Equal(t, 1, got.AttemptCount)

	require.NoError(t, f.coordinator.Drain(context.Background()))
	require.NoError(t, f.coordinator.Drain(context.Background()))

	got, err = f.store.Get(op.ID)
	require.NoError(t, err)
	require.Equal(t, OperationDeadLetter, got.Status)
	require.Equal(t, 3, got.AttemptCount)
	require.Equal(t, []string{"retrying", "retrying", "dead_letter"}, f.notifier.kinds())
}

func TestThrottlingIsTransient(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer backend.Close()

	f := newCoordinatorFixture(t, backend.URL, 5)
	op := enqueueParts(t, f.store, "/api/jobs/j1/notes", "job:j1", []Part{TextPart("note", "n")})

	require.NoError(t, f.coordinator.Drain(context.Background()))

	got, err := f.store.Get(op.ID)
	require.NoError(t, err)
	require.Equal(t, OperationPending, got.Status)
	require.Equal(t, 1, got.AttemptCount)
}

func TestPermanentRejectionDeadLettersImmediately(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "job already completed"})
	}))
	defer backend.Close()

	f := newCoordinatorFixture(t, backend.URL, 5)
	op := enqueueParts(t, f.store, "/api/jobs/j1/transition", "job:j1", []Part{TextPart("target", "completed")})

	require.NoError(t, f.coordinator.Drain(context.Background()))

	got, err := f.store.Get(op.ID)
	require.NoError(t, err)
	require.Equal(t, OperationDeadLetter, got.Status)
	require.Equal(t, 1, got.AttemptCount, "permanent rejections must not burn retries first")
	require.Contains(t, got.LastError, "409")
	require.Contains(t, got.LastError, "job already completed")

	last := f.notifier.last(t)
	require.Equal(t, "dead_letter", last.Kind)
	require.Equal(t, op.ID, last.OpID)
}

func TestCorruptPayloadIsQuarantined(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("quarantined operations must never reach the network")
	}))
	defer backend.Close()

	f := newCoordinatorFixture(t, backend.URL, 3)
	op, err := f.store.Create("/api/jobs/j1/photos", "job:j1", `[{"name":"photo","kind":"blob","data":"!!!not-base64"}]`)
	require.NoError(t, err)

	require.NoError(t, f.coordinator.Drain(context.Background()))

	got, err := f.store.Get(op.ID)
	require.NoError(t, err)
	require.Equal(t, OperationQuarantined, got.Status)
	require.Equal(t, []string{"quarantined"}, f.notifier.kinds())
}

func TestOneFailureDoesNotBlockDrain(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		if r.FormValue("note") == "poison" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := newCoordinatorFixture(t, backend.URL, 3)
	bad := enqueueParts(t, f.store, "/api/jobs/j1/notes", "job:j1", []Part{TextPart("note", "poison")})
	good := enqueueParts(t, f.store, "/api/jobs/j2/notes", "job:j2", []Part{TextPart("note", "fine")})

	require.NoError(t, f.coordinator.Drain(context.Background()))

	gotBad, err := f.store.Get(bad.ID)
	require.NoError(t, err)
	require.Equal(t, OperationDeadLetter, gotBad.Status)

	_, err = f.store.Get(good.ID)
	require.ErrorIs(t, err, ErrOperationNotFound, "operations behind a dead letter must still deliver")
}

func TestRetryDeadLetterDeliversOnNextDrain(t *testing.T) {
	healthy := false
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := newCoordinatorFixture(t, backend.URL, 1)
	op := enqueueParts(t, f.store, "/api/jobs/j1/notes", "job:j1", []Part{TextPart("note", "n")})

	require.NoError(t, f.coordinator.Drain(context.Background()))
	got, err := f.store.Get(op.ID)
	require.NoError(t, err)
	require.Equal(t, OperationDeadLetter, got.Status)

	healthy = true
	require.NoError(t, f.store.RetryDeadLetter(op.ID))
	require.NoError(t, f.coordinator.Drain(context.Background()))

	_, err = f.store.Get(op.ID)
	require.ErrorIs(t, err, ErrOperationNotFound)
}

func TestOfflineThenRestoreDrainsQueue(t *testing.T) {
	var mu sync.Mutex
	online := false
	var received []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		up := online
		mu.Unlock()
		if !up {
			// Drop the connection without a response to look like a dead
			// network from the client's side.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		require.NoError(t, r.ParseMultipartForm(1<<20))
		mu.Lock()
		received = append(received, r.FormValue("note"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := newCoordinatorFixture(t, backend.URL, 10)
	first := enqueueParts(t, f.store, "/api/jobs/j1/notes", "job:j1", []Part{TextPart("note", "while offline 1")})
	second := enqueueParts(t, f.store, "/api/jobs/j1/notes", "job:j1", []Part{TextPart("note", "while offline 2")})

	// Connectivity is down: everything stays pending with a recorded attempt.
	require.NoError(t, f.coordinator.Drain(context.Background()))
	for _, op := range []*QueuedOperation{first, second} {
		got, err := f.store.Get(op.ID)
		require.NoError(t, err)
		require.Equal(t, OperationPending, got.Status)
		require.Equal(t, 1, got.AttemptCount)
	}

	mu.Lock()
	online = true
	mu.Unlock()

	require.NoError(t, f.coordinator.Drain(context.Background()))
	require.Equal(t, []string{"while offline 1", "while offline 2"}, received)

	stats, err := f.store.Stats()
	require.NoError(t, err)
	require.Equal(t, 0, stats.Pending)
}
