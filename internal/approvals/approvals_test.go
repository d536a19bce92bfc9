package approvals

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearth-agent/hearth/internal/bus"
	"github.com/hearth-agent/hearth/internal/persistence"
)

func newTestQueue(t *testing.T, mode string, timeout time.Duration) (*Queue, *persistence.Store, *bus.Bus) {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "hearth.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	q := New(Config{Store: store, Bus: eventBus, Mode: mode, Timeout: timeout})
	return q, store, eventBus
}

func TestAwaitApproved(t *testing.T) {
	q, _, eventBus := newTestQueue(t, ModeAskAlways, time.Minute)
	sub := eventBus.Subscribe(bus.TopicApprovalRequested)
	defer eventBus.Unsubscribe(sub)

	done := make(chan Decision, 1)
	go func() {
		d, err := q.Await(context.Background(), Request{
			SessionID: "sess-1",
			ToolName:  "shell_exec",
			Params:    map[string]any{"cmd": "rm -rf ./build"},
			Tier:      TierDestructive,
		})
		if err != nil {
			t.Errorf("Await: %v", err)
		}
		done <- d
	}()

	var requestID string
	select {
	case ev := <-sub.Ch():
		requestID = ev.Payload.(bus.ApprovalEvent).RequestID
	case <-time.After(2 * time.Second):
		t.Fatal("no approval.requested event")
	}

	if _, err := q.Resolve(context.Background(), requestID, true, "looks fine"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case d := <-done:
		if !d.Approved() {
			t.Fatalf("decision = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return after resolution")
	}
}

func TestAwaitDenied(t *testing.T) {
	q, _, eventBus := newTestQueue(t, ModeAskAlways, time.Minute)
	sub := eventBus.Subscribe(bus.TopicApprovalRequested)
	defer eventBus.Unsubscribe(sub)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Await(context.Background(), Request{SessionID: "sess-1", ToolName: "file_write"})
		errCh <- err
	}()

	ev := <-sub.Ch()
	id := ev.Payload.(bus.ApprovalEvent).RequestID
	if _, err := q.Resolve(context.Background(), id, false, "nope"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotApproved) {
			t.Fatalf("err = %v, want ErrNotApproved", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return")
	}
}

func TestAwaitTimeoutAutoDenies(t *testing.T) {
	q, store, _ := newTestQueue(t, ModeAskAlways, 50*time.Millisecond)

	_, err := q.Await(context.Background(), Request{SessionID: "sess-1", ToolName: "payment"})
	if !errors.Is(err, ErrNotApproved) {
		t.Fatalf("err = %v, want ErrNotApproved", err)
	}

	pending, err := store.PendingApprovals(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("timed-out request still pending: %+v", pending)
	}
}

func TestTimeoutReasonIsTimeout(t *testing.T) {
	q, _, eventBus := newTestQueue(t, ModeAskAlways, 50*time.Millisecond)
	sub := eventBus.Subscribe(bus.TopicApprovalResolved)
	defer eventBus.Unsubscribe(sub)

	go func() {
		_, _ = q.Await(context.Background(), Request{SessionID: "sess-1", ToolName: "payment"})
	}()

	select {
	case ev := <-sub.Ch():
		got := ev.Payload.(bus.ApprovalEvent)
		if got.Status != persistence.ApprovalDenied || got.Reason != "timeout" {
			t.Fatalf("event = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no resolution event after timeout")
	}
}

func TestResolveConflictLoser(t *testing.T) {
	q, _, eventBus := newTestQueue(t, ModeAskAlways, time.Minute)
	sub := eventBus.Subscribe(bus.TopicApprovalRequested)
	defer eventBus.Unsubscribe(sub)

	go func() {
		_, _ = q.Await(context.Background(), Request{SessionID: "sess-1", ToolName: "tool"})
	}()
	ev := <-sub.Ch()
	id := ev.Payload.(bus.ApprovalEvent).RequestID

	if _, err := q.Resolve(context.Background(), id, true, ""); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	_, err := q.Resolve(context.Background(), id, false, "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second resolve err = %v, want ErrConflict", err)
	}
}

func TestFullAutoSkipsQueueButAudits(t *testing.T) {
	q, store, _ := newTestQueue(t, ModeFullAuto, time.Minute)

	d, err := q.Await(context.Background(), Request{SessionID: "sess-1", ToolName: "shell_exec", Tier: TierCritical})
	if err != nil || !d.Approved() {
		t.Fatalf("d=%+v err=%v", d, err)
	}
	pending, _ := store.PendingApprovals(context.Background())
	if len(pending) != 0 {
		t.Fatalf("full_auto created a request: %+v", pending)
	}
	var audits int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM audit_log`).Scan(&audits); err != nil {
		t.Fatalf("count audits: %v", err)
	}
	if audits != 1 {
		t.Fatalf("audit rows = %d, want 1", audits)
	}
}

func TestSmartAutoTiering(t *testing.T) {
	q, store, _ := newTestQueue(t, ModeSmartAuto, 50*time.Millisecond)

	// Routine actions pass without a request.
	d, err := q.Await(context.Background(), Request{SessionID: "s", ToolName: "web_search", Tier: TierRoutine})
	if err != nil || !d.Approved() {
		t.Fatalf("routine: d=%+v err=%v", d, err)
	}

	// Destructive actions require confirmation (and here time out).
	_, err = q.Await(context.Background(), Request{SessionID: "s", ToolName: "file_delete", Tier: TierDestructive})
	if !errors.Is(err, ErrNotApproved) {
		t.Fatalf("destructive err = %v", err)
	}
	_ = store
}

func TestRecoverDeniesStaleAndRearmsFresh(t *testing.T) {
	q, store, _ := newTestQueue(t, ModeAskAlways, 100*time.Millisecond)
	ctx := context.Background()

	// Simulate rows left behind by a crashed process.
	if err := store.CreateApproval(ctx, "stale", "sess-1", "tool", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE approval_queue SET created_at = '2020-01-01 00:00:00' WHERE id = 'stale'`); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	if err := store.CreateApproval(ctx, "fresh", "sess-1", "tool", "", nil); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	denied, err := q.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if denied != 1 {
		t.Fatalf("denied = %d", denied)
	}

	rec, _ := store.GetApproval(ctx, "stale")
	if rec.Status != persistence.ApprovalDenied || rec.Reason != "timeout" {
		t.Fatalf("stale = %+v", rec)
	}

	// The re-armed timer denies the fresh row once its lifetime lapses.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, _ = store.GetApproval(ctx, "fresh")
		if rec.Status == persistence.ApprovalDenied {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("fresh request not auto-denied after recovery: %+v", rec)
}

func TestAwaitContextCancel(t *testing.T) {
	q, _, eventBus := newTestQueue(t, ModeAskAlways, time.Minute)
	sub := eventBus.Subscribe(bus.TopicApprovalRequested)
	defer eventBus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Await(ctx, Request{SessionID: "sess-1", ToolName: "tool"})
		errCh <- err
	}()
	<-sub.Ch()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not observe cancellation")
	}
}
