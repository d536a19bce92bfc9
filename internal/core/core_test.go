package core

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hearth-agent/hearth/internal/approvals"
	"github.com/hearth-agent/hearth/internal/bus"
	"github.com/hearth-agent/hearth/internal/persistence"
)

func newTestCore(t *testing.T, mode string, timeout time.Duration) (*Loopback, *bus.Bus) {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "hearth.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	queue := approvals.New(approvals.Config{
		Store:   store,
		Bus:     b,
		Mode:    mode,
		Timeout: timeout,
	})
	return NewLoopback(Config{Bus: b, Approvals: queue}), b
}

func collectChunks(t *testing.T, sub *bus.Subscription, wantDone bool) []bus.ChunkEvent {
	t.Helper()
	var chunks []bus.ChunkEvent
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			chunk, ok := ev.Payload.(bus.ChunkEvent)
			if !ok {
				continue
			}
			chunks = append(chunks, chunk)
			if chunk.Done && wantDone {
				return chunks
			}
		case <-deadline:
			t.Fatalf("timed out after %d chunks", len(chunks))
		}
	}
}

func TestSubmitStreamsProgressiveReply(t *testing.T) {
	c, b := newTestCore(t, approvals.ModeAskAlways, time.Minute)
	sub := b.Subscribe(bus.TopicSessionChunk + "s1")
	defer b.Unsubscribe(sub)

	if err := c.Submit(context.Background(), "s1", "req-1", "hello there friend"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	chunks := collectChunks(t, sub, true)
	c.Wait()

	// Each chunk replaces the previous: content is the full text so far.
	final := "You said: hello there friend"
	for i, chunk := range chunks {
		if chunk.ReplyTo != "req-1" {
			t.Errorf("chunk %d reply_to = %q", i, chunk.ReplyTo)
		}
		if !strings.HasPrefix(final, chunk.Content) {
			t.Errorf("chunk %d content %q is not a prefix of the final text", i, chunk.Content)
		}
	}

	doneCount := 0
	for _, chunk := range chunks {
		if chunk.Done {
			doneCount++
		}
	}
	if doneCount != 1 {
		t.Fatalf("done chunks = %d, want exactly 1", doneCount)
	}
	last := chunks[len(chunks)-1]
	if !last.Done || last.Content != final {
		t.Errorf("terminal chunk = %+v, want done with %q", last, final)
	}
}

func TestSubmitRejectsEmptyGoal(t *testing.T) {
	c, _ := newTestCore(t, approvals.ModeAskAlways, time.Minute)
	if err := c.Submit(context.Background(), "s1", "req-1", "   "); err == nil {
		t.Fatal("expected error for empty goal")
	}
}

func TestToolGoalAutoApprovedInFullAuto(t *testing.T) {
	c, b := newTestCore(t, approvals.ModeFullAuto, time.Minute)
	sub := b.Subscribe(bus.TopicSessionChunk + "s1")
	defer b.Unsubscribe(sub)

	if err := c.Submit(context.Background(), "s1", "req-1", "!tool backup nightly"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	chunks := collectChunks(t, sub, true)
	c.Wait()

	last := chunks[len(chunks)-1]
	if last.Content != "tool backup completed" {
		t.Errorf("final reply = %q", last.Content)
	}
}

func TestToolGoalDeniedOnTimeout(t *testing.T) {
	c, b := newTestCore(t, approvals.ModeAskAlways, 50*time.Millisecond)
	sub := b.Subscribe(bus.TopicSessionChunk + "s1")
	defer b.Unsubscribe(sub)

	if err := c.Submit(context.Background(), "s1", "req-1", "!tool shell rm -rf /"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	chunks := collectChunks(t, sub, true)
	c.Wait()

	last := chunks[len(chunks)-1]
	if !strings.Contains(last.Content, "was not run") || !strings.Contains(last.Content, "timeout") {
		t.Errorf("final reply = %q, want timeout denial", last.Content)
	}
}
