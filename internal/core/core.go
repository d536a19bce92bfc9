// Package core hosts the agent-core seam behind the gateway. The
// gateway hands goals in and everything comes back over the bus, so a
// real planner can replace the loopback without touching transport
// code.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hearth-agent/hearth/internal/approvals"
	"github.com/hearth-agent/hearth/internal/bus"
	"github.com/hearth-agent/hearth/internal/protocol"
)

// toolPrefix marks a goal as a direct tool invocation, e.g.
// "!tool shell rm -rf ./scratch".
const toolPrefix = "!tool "

// Loopback is a scripted agent core. It streams a progressive echo
// reply for plain goals and routes tool-prefixed goals through the
// approval queue. Task lifetime is detached from the submitting
// connection.
type Loopback struct {
	bus       *bus.Bus
	approvals *approvals.Queue
	logger    *slog.Logger
	// ChunkDelay paces the streamed chunks. Zero streams as fast as
	// the bus accepts, which tests rely on.
	chunkDelay time.Duration

	wg sync.WaitGroup
}

// Config holds the loopback core's dependencies.
type Config struct {
	Bus        *bus.Bus
	Approvals  *approvals.Queue
	Logger     *slog.Logger
	ChunkDelay time.Duration
}

func NewLoopback(cfg Config) *Loopback {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{
		bus:        cfg.Bus,
		approvals:  cfg.Approvals,
		logger:     logger,
		chunkDelay: cfg.ChunkDelay,
	}
}

// Submit accepts the goal and returns immediately. The turn runs in its
// own goroutine with a background context so a disconnecting client
// never cancels it.
func (c *Loopback) Submit(_ context.Context, sessionID, requestID, goal string) error {
	if strings.TrimSpace(goal) == "" {
		return fmt.Errorf("empty goal")
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(context.Background(), sessionID, requestID, goal)
	}()
	return nil
}

// Wait blocks until all in-flight turns finish. Used on shutdown.
func (c *Loopback) Wait() {
	c.wg.Wait()
}

func (c *Loopback) run(ctx context.Context, sessionID, requestID, goal string) {
	c.progress(sessionID, map[string]any{
		"event":     protocol.EventStepProgress,
		"step":      1,
		"tool_name": "",
		"thought":   "reading the request",
	})

	var reply string
	if rest, ok := strings.CutPrefix(goal, toolPrefix); ok {
		reply = c.runTool(ctx, sessionID, rest)
	} else {
		reply = "You said: " + goal
	}

	c.stream(sessionID, requestID, reply)
	c.progress(sessionID, map[string]any{
		"event": protocol.EventTaskComplete,
	})
}

// runTool parses "name args..." and gates execution on the approval
// queue. The scripted executor never runs anything real; it reports
// what would have happened.
func (c *Loopback) runTool(ctx context.Context, sessionID, spec string) string {
	name, args, _ := strings.Cut(strings.TrimSpace(spec), " ")
	if name == "" {
		return "no tool named"
	}

	c.progress(sessionID, map[string]any{
		"event":     protocol.EventStepProgress,
		"step":      2,
		"tool_name": name,
		"thought":   "requesting permission",
	})

	decision, err := c.approvals.Await(ctx, approvals.Request{
		SessionID:   sessionID,
		ToolName:    name,
		Description: fmt.Sprintf("run %s", name),
		Params:      map[string]any{"args": args},
		Tier:        approvals.TierDestructive,
	})
	if err != nil {
		c.logger.Info("core: tool call not approved",
			"session_id", sessionID, "tool_name", name, "error", err)
		reason := decision.Reason
		if reason == "" {
			reason = "denied"
		}
		return fmt.Sprintf("tool %s was not run (%s)", name, reason)
	}
	return fmt.Sprintf("tool %s completed", name)
}

// stream publishes the reply as progressive chunks. Every chunk carries
// the full text so far; the final chunk repeats the complete text with
// Done set, and exactly one Done chunk is published per request.
func (c *Loopback) stream(sessionID, requestID, reply string) {
	words := strings.Fields(reply)
	for i := range words {
		if i == len(words)-1 {
			break
		}
		c.chunk(sessionID, requestID, strings.Join(words[:i+1], " "), false)
		if c.chunkDelay > 0 {
			time.Sleep(c.chunkDelay)
		}
	}
	c.chunk(sessionID, requestID, reply, true)
}

func (c *Loopback) chunk(sessionID, requestID, content string, done bool) {
	c.bus.Publish(bus.TopicSessionChunk+sessionID, bus.ChunkEvent{
		SessionID: sessionID,
		ReplyTo:   requestID,
		Content:   content,
		Done:      done,
	})
}

func (c *Loopback) progress(sessionID string, payload map[string]any) {
	event, _ := payload["event"].(string)
	delete(payload, "event")
	c.bus.Publish(bus.TopicSessionEvent+sessionID, bus.ProgressEvent{
		SessionID: sessionID,
		Event:     event,
		Payload:   payload,
	})
}
