package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hearth-agent/hearth/internal/approvals"
	"github.com/hearth-agent/hearth/internal/bus"
	"github.com/hearth-agent/hearth/internal/core"
	"github.com/hearth-agent/hearth/internal/persistence"
	"github.com/hearth-agent/hearth/internal/protocol"
)

const testToken = "test-token-1234"

type testGateway struct {
	server *Server
	http   *httptest.Server
	store  *persistence.Store
	bus    *bus.Bus
	queue  *approvals.Queue
}

func newTestGateway(t *testing.T, mut func(*Config)) *testGateway {
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
		Mode:    approvals.ModeAskAlways,
		Timeout: time.Minute,
	})
	loopback := core.NewLoopback(core.Config{Bus: b, Approvals: queue})

	cfg := Config{
		Store:             store,
		Approvals:         queue,
		Bus:               b,
		Core:              loopback,
		AuthToken:         testToken,
		MaxSessions:       8,
		HistoryLimit:      50,
		IdleSweepInterval: time.Hour,
		IdleThreshold:     time.Hour,
		HomeDir:           t.TempDir(),
	}
	if mut != nil {
		mut(&cfg)
	}
	srv := NewServer(cfg)
	srv.Start(context.Background())
	t.Cleanup(srv.Stop)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &testGateway{server: srv, http: hs, store: store, bus: b, queue: queue}
}

// waitClients blocks until the live registry reaches n connections.
// Dial returns as soon as the upgrade completes, which can be before
// the server has admitted the client.
func (g *testGateway) waitClients(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.server.ClientCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", g.server.ClientCount(), n)
}

func (g *testGateway) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws?" + query
}

func (g *testGateway) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, g.wsURL(query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var env protocol.Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

// awaitType reads envelopes until one of the wanted type arrives,
// skipping interleaved events.
func awaitType(t *testing.T, conn *websocket.Conn, want protocol.MessageType) protocol.Envelope {
	t.Helper()
	for i := 0; i < 50; i++ {
		env := readEnvelope(t, conn)
		if env.Type == want {
			return env
		}
	}
	t.Fatalf("no %s envelope within 50 frames", want)
	return protocol.Envelope{}
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, env); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

// collectResponses reads RESPONSE frames for the given request id until
// the terminal chunk, returning every payload seen.
func collectResponses(t *testing.T, conn *websocket.Conn, replyTo string) []protocol.Response {
	t.Helper()
	var out []protocol.Response
	for i := 0; i < 200; i++ {
		env := readEnvelope(t, conn)
		if env.Type != protocol.TypeResponse {
			continue
		}
		var resp protocol.Response
		if err := protocol.DecodeData(env, &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.ReplyTo != replyTo {
			continue
		}
		out = append(out, resp)
		if resp.Done {
			return out
		}
	}
	t.Fatalf("no terminal chunk for %s after %d responses", replyTo, len(out))
	return nil
}

func TestRejectsBadToken(t *testing.T) {
	g := newTestGateway(t, nil)

	conn := g.dial(t, "token=wrong")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected close after bad token")
	}
	if code := websocket.CloseStatus(err); int(code) != protocol.CloseAuthFailure {
		t.Errorf("close code = %d, want %d", code, protocol.CloseAuthFailure)
	}
}

func TestAcceptsBearerHeader(t *testing.T) {
	g := newTestGateway(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, g.wsURL("channel=web&user_id=alice"), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// A STATUS heartbeat on an accepted connection is simply absorbed.
	sendEnvelope(t, conn, protocol.NewStatus("alive"))
	g.waitClients(t, 1)
}

func TestCapacityRefusal(t *testing.T) {
	g := newTestGateway(t, func(cfg *Config) { cfg.MaxSessions = 2 })

	g.dial(t, "token="+testToken+"&user_id=u1")
	g.dial(t, "token="+testToken+"&user_id=u2")
	g.waitClients(t, 2)

	third := g.dial(t, "token="+testToken+"&user_id=u3")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := third.Read(ctx)
	if err == nil {
		t.Fatal("expected refusal at capacity")
	}
	if code := websocket.CloseStatus(err); int(code) != protocol.CloseCapacity {
		t.Errorf("close code = %d, want %d", code, protocol.CloseCapacity)
	}
	if got := g.server.ClientCount(); got > 2 {
		t.Errorf("live registry holds %d clients, max is 2", got)
	}

	// Refusal happens before session resolution, so the rejected
	// connection leaves no durable row behind.
	sessions, err := g.store.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	for _, sess := range sessions {
		if sess.UserID == "u3" {
			t.Errorf("refused connection left a durable session row: %+v", sess)
		}
	}
}

func TestMalformedFrameDroppedConnectionSurvives(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, "token="+testToken+"&user_id=alice")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json at all")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"NO_SUCH_TYPE"}`)); err != nil {
		t.Fatalf("write unknown type: %v", err)
	}

	// The connection still works: a CHAT round-trips normally.
	chat := protocol.NewChat("", "", "web", "alice", "still here")
	sendEnvelope(t, conn, chat)
	responses := collectResponses(t, conn, chat.ID)
	if got := responses[len(responses)-1].Content; got != "You said: still here" {
		t.Errorf("final content = %q", got)
	}
}

func TestChatStreamsReplacementChunksWithOneTerminal(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, "token="+testToken+"&user_id=alice")

	chat := protocol.NewChat("", "", "web", "alice", "tell me a story")
	sendEnvelope(t, conn, chat)
	responses := collectResponses(t, conn, chat.ID)

	final := responses[len(responses)-1]
	if !final.Done {
		t.Fatal("last collected response is not terminal")
	}
	doneCount := 0
	for i, resp := range responses {
		if resp.Done {
			doneCount++
		}
		// Replacement semantics: every chunk is the full text so far,
		// so each is a prefix of the final text, not a fragment.
		if !strings.HasPrefix(final.Content, resp.Content) {
			t.Errorf("chunk %d %q is not a prefix of %q", i, resp.Content, final.Content)
		}
	}
	if doneCount != 1 {
		t.Errorf("terminal chunks = %d, want exactly 1", doneCount)
	}
	if final.Content != "You said: tell me a story" {
		t.Errorf("final content = %q", final.Content)
	}
}

func TestHistoryCommandRoundTrip(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, "token="+testToken+"&user_id=alice")

	first := protocol.NewChat("", "", "web", "alice", "first message")
	sendEnvelope(t, conn, first)
	collectResponses(t, conn, first.ID)

	second := protocol.NewChat("", "", "web", "alice", "second message")
	sendEnvelope(t, conn, second)
	collectResponses(t, conn, second.ID)

	cmd := protocol.NewCommand("", "", "history", nil)
	sendEnvelope(t, conn, cmd)
	env := awaitType(t, conn, protocol.TypeResponse)
	var resp protocol.Response
	if err := protocol.DecodeData(env, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ReplyTo != cmd.ID || !resp.Done {
		t.Errorf("command response = %+v", resp)
	}
	for _, want := range []string{"first message", "second message", "You said: first message"} {
		if !strings.Contains(resp.Content, want) {
			t.Errorf("history missing %q", want)
		}
	}
	// Oldest first.
	if strings.Index(resp.Content, "first message") > strings.Index(resp.Content, "second message") {
		t.Error("history out of order")
	}
}

func TestUnknownCommandRoutingError(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, "token="+testToken+"&user_id=alice")

	cmd := protocol.NewCommand("", "", "no.such.verb", nil)
	sendEnvelope(t, conn, cmd)
	env := awaitType(t, conn, protocol.TypeError)
	var werr protocol.WireError
	if err := protocol.DecodeData(env, &werr); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if werr.Code != protocol.CodeRoutingError {
		t.Errorf("code = %q, want %q", werr.Code, protocol.CodeRoutingError)
	}
	if env.ID != cmd.ID {
		t.Errorf("error reply id = %q, want %q", env.ID, cmd.ID)
	}
}

func TestUnroutableInboundType(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, "token="+testToken+"&user_id=alice")

	// RESPONSE is a server-to-client type; inbound it is unroutable.
	sendEnvelope(t, conn, protocol.NewResponse("s", "r", "nope", true))
	env := awaitType(t, conn, protocol.TypeError)
	var werr protocol.WireError
	if err := protocol.DecodeData(env, &werr); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if werr.Code != protocol.CodeRoutingError {
		t.Errorf("code = %q, want %q", werr.Code, protocol.CodeRoutingError)
	}
}

// TestUnifiedApprovalAcrossChannels drives the full approval loop with
// two front-ends sharing one unified session: the request fans out to
// both, either may answer, and the loser of a second resolution gets a
// conflict error that only it sees.
func TestUnifiedApprovalAcrossChannels(t *testing.T) {
	g := newTestGateway(t, func(cfg *Config) { cfg.Unified = true })

	telegram := g.dial(t, "token="+testToken+"&channel=telegram&user_id=sam")
	web := g.dial(t, "token="+testToken+"&channel=web&user_id=sam")

	chat := protocol.NewChat("", "", "telegram", "sam", "!tool deploy production")
	sendEnvelope(t, telegram, chat)

	// Both channels see the approval request for the one shared session.
	reqTelegram := awaitType(t, telegram, protocol.TypeApprovalRequest)
	reqWeb := awaitType(t, web, protocol.TypeApprovalRequest)

	var arTelegram, arWeb protocol.ApprovalRequest
	if err := protocol.DecodeData(reqTelegram, &arTelegram); err != nil {
		t.Fatalf("decode approval request: %v", err)
	}
	if err := protocol.DecodeData(reqWeb, &arWeb); err != nil {
		t.Fatalf("decode approval request: %v", err)
	}
	if arTelegram.RequestID != arWeb.RequestID {
		t.Fatalf("request ids differ: %q vs %q", arTelegram.RequestID, arWeb.RequestID)
	}
	if arWeb.ToolName != "deploy" {
		t.Errorf("tool name = %q", arWeb.ToolName)
	}

	// The web client approves. The resolution broadcast and the resumed
	// tool call's reply both reach every client of the session; the two
	// can arrive in either order, so gather them together.
	sendEnvelope(t, web, protocol.NewApprovalResponse("", "", arWeb.RequestID, true, "looks fine"))

	for name, conn := range map[string]*websocket.Conn{"telegram": telegram, "web": web} {
		resolved, responses := gatherResolution(t, conn, chat.ID)
		if resolved["status"] != persistence.ApprovalApproved {
			t.Errorf("%s: status = %v", name, resolved["status"])
		}
		if got := responses[len(responses)-1].Content; got != "tool deploy completed" {
			t.Errorf("%s: final reply = %q", name, got)
		}
	}

	// A second resolution attempt loses the compare-and-set. Only the
	// sender sees the conflict.
	sendEnvelope(t, telegram, protocol.NewApprovalResponse("", "", arTelegram.RequestID, false, "too late"))
	env := awaitType(t, telegram, protocol.TypeError)
	var werr protocol.WireError
	if err := protocol.DecodeData(env, &werr); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if werr.Code != protocol.CodeApprovalConflict {
		t.Errorf("code = %q, want %q", werr.Code, protocol.CodeApprovalConflict)
	}

	rec, err := g.queue.Get(context.Background(), arWeb.RequestID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if rec.Status != persistence.ApprovalApproved {
		t.Errorf("stored status = %q after losing resolution", rec.Status)
	}
}

// gatherResolution reads frames until it has seen both the
// approval_resolved event and the terminal RESPONSE chunk for replyTo,
// in whichever order they arrive.
func gatherResolution(t *testing.T, conn *websocket.Conn, replyTo string) (map[string]any, []protocol.Response) {
	t.Helper()
	var resolved map[string]any
	var responses []protocol.Response
	sawDone := false
	for i := 0; i < 200 && (resolved == nil || !sawDone); i++ {
		env := readEnvelope(t, conn)
		switch env.Type {
		case protocol.TypeEvent:
			var ev protocol.Event
			if err := protocol.DecodeData(env, &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if ev.Event == protocol.EventApprovalResolved {
				resolved = ev.Payload
			}
		case protocol.TypeResponse:
			var resp protocol.Response
			if err := protocol.DecodeData(env, &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.ReplyTo != replyTo {
				continue
			}
			responses = append(responses, resp)
			if resp.Done {
				sawDone = true
			}
		}
	}
	if resolved == nil || !sawDone {
		t.Fatalf("incomplete resolution traffic: resolved=%v done=%v", resolved != nil, sawDone)
	}
	return resolved, responses
}

func TestFanOutSurvivesDeadClient(t *testing.T) {
	g := newTestGateway(t, nil)

	a := g.dial(t, "token="+testToken+"&user_id=alice")
	b := g.dial(t, "token="+testToken+"&user_id=alice")

	// Kill one connection without a close handshake, then chat from the
	// other. The living client still gets the full stream.
	b.CloseNow()
	time.Sleep(50 * time.Millisecond)

	chat := protocol.NewChat("", "", "web", "alice", "anyone there")
	sendEnvelope(t, a, chat)
	responses := collectResponses(t, a, chat.ID)
	if got := responses[len(responses)-1].Content; got != "You said: anyone there" {
		t.Errorf("final content = %q", got)
	}
}

func TestReconnectReloadsDurableHistory(t *testing.T) {
	g := newTestGateway(t, nil)

	conn := g.dial(t, "token="+testToken+"&user_id=alice")
	chat := protocol.NewChat("", "", "web", "alice", "remember this")
	sendEnvelope(t, conn, chat)
	collectResponses(t, conn, chat.ID)
	conn.Close(websocket.StatusNormalClosure, "bye")
	time.Sleep(50 * time.Millisecond)

	// Same (channel, user) resolves to the same durable session and the
	// history is still there.
	again := g.dial(t, "token="+testToken+"&user_id=alice")
	cmd := protocol.NewCommand("", "", "history", nil)
	sendEnvelope(t, again, cmd)
	env := awaitType(t, again, protocol.TypeResponse)
	var resp protocol.Response
	if err := protocol.DecodeData(env, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.Contains(resp.Content, "remember this") {
		t.Error("history lost across reconnect")
	}
	if !strings.Contains(resp.Content, "You said: remember this") {
		t.Error("assistant turn missing after reconnect")
	}
}

// TestAssistantTurnPersistsWithUnresponsiveClient wedges one of a
// session's two connections (it never reads) while a long reply
// streams. The healthy connection still sees the terminal chunk and the
// assistant turn is persisted from it.
func TestAssistantTurnPersistsWithUnresponsiveClient(t *testing.T) {
	g := newTestGateway(t, nil)

	// Same (channel, user): both connections share one session. The
	// first is never read from.
	g.dial(t, "token="+testToken+"&user_id=carol")
	active := g.dial(t, "token="+testToken+"&user_id=carol")
	g.waitClients(t, 2)

	goal := strings.Repeat("steady stream of words ", 120)
	chat := protocol.NewChat("", "", "web", "carol", goal)
	sendEnvelope(t, active, chat)
	responses := collectResponses(t, active, chat.ID)
	final := responses[len(responses)-1]
	if !final.Done {
		t.Fatal("no terminal chunk on the healthy connection")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sessions, err := g.store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	var sessionID string
	for _, sess := range sessions {
		if sess.UserID == "carol" {
			sessionID = sess.SessionID
		}
	}
	if sessionID == "" {
		t.Fatal("no session for carol")
	}
	turns, err := g.store.History(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := turns[len(turns)-1]
	if last.Role != "assistant" {
		t.Fatalf("last turn role = %q, want assistant", last.Role)
	}
	if last.Content != final.Content {
		t.Errorf("persisted assistant turn does not match the terminal chunk")
	}
}

func TestIdleSweepEvictsOnlyDisconnectedSessions(t *testing.T) {
	g := newTestGateway(t, nil)

	conn := g.dial(t, "token="+testToken+"&user_id=alice")
	chat := protocol.NewChat("", "", "web", "alice", "hello")
	sendEnvelope(t, conn, chat)
	collectResponses(t, conn, chat.ID)

	// Connected sessions survive the sweep no matter how stale.
	if n := g.server.sweepIdle(time.Now().Add(48 * time.Hour)); n != 0 {
		t.Errorf("sweep evicted %d sessions with clients attached", n)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	time.Sleep(50 * time.Millisecond)
	if n := g.server.sweepIdle(time.Now().Add(48 * time.Hour)); n != 1 {
		t.Errorf("sweep evicted %d sessions, want 1", n)
	}

	// Eviction is registry-only: the durable row and its turns remain.
	sessions, err := g.store.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("durable sessions = %d, want 1", len(sessions))
	}
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t, nil)
	resp, err := http.Get(g.http.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
