// Package tui is the terminal front-end: a chat view over one gateway
// connection, with streamed replies rendered in place and approval
// prompts answered inline.
package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hearth-agent/hearth/internal/client"
	"github.com/hearth-agent/hearth/internal/protocol"
)

type chatRole string

const (
	chatRoleUser      chatRole = "user"
	chatRoleAssistant chatRole = "assistant"
	chatRoleSystem    chatRole = "system"
)

type chatEntry struct {
	role chatRole
	text string
}

// envelopeMsg delivers a gateway envelope into the update loop.
type envelopeMsg struct {
	env protocol.Envelope
}

// sender is the slice of client.Manager the model needs, split out so
// tests can drive Update without a live connection.
type sender interface {
	Send(env protocol.Envelope)
}

var (
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	agentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

type chatModel struct {
	mgr    sender
	userID string

	entries []chatEntry
	input   string

	// streamIdx maps an in-flight reply to its transcript entry so
	// each chunk replaces the text instead of appending.
	streamIdx map[string]int

	connState   string
	activity    string
	lastRequest string
	quitting    bool
}

func newChatModel(mgr sender, userID string) chatModel {
	return chatModel{
		mgr:       mgr,
		userID:    userID,
		streamIdx: make(map[string]int),
		connState: "connecting",
	}
}

func (m chatModel) Init() tea.Cmd {
	return nil
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			return m.submit()
		case "backspace":
			if len(m.input) > 0 {
				m.input = m.input[:len(m.input)-1]
			}
			return m, nil
		default:
			if msg.Type == tea.KeyRunes || msg.Type == tea.KeySpace {
				m.input += string(msg.Runes)
				if msg.Type == tea.KeySpace {
					m.input += " "
				}
			}
			return m, nil
		}
	case envelopeMsg:
		return m.handleEnvelope(msg.env), nil
	}
	return m, nil
}

func (m chatModel) submit() (tea.Model, tea.Cmd) {
	line := strings.TrimSpace(m.input)
	m.input = ""
	if line == "" {
		return m, nil
	}
	if strings.HasPrefix(line, "/") {
		return m.handleSlash(line)
	}

	env := protocol.NewChat("", "", "tui", m.userID, line)
	m.lastRequest = env.ID
	m.entries = append(m.entries, chatEntry{role: chatRoleUser, text: line})
	m.mgr.Send(env)
	m.activity = "thinking..."
	return m, nil
}

// handleSlash processes slash commands locally or as COMMAND envelopes.
func (m chatModel) handleSlash(line string) (tea.Model, tea.Cmd) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToLower(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}

	switch cmd {
	case "/quit", "/exit":
		m.quitting = true
		return m, tea.Quit

	case "/help":
		m.entries = append(m.entries, chatEntry{role: chatRoleSystem, text: helpText})
		return m, nil

	case "/approve", "/deny":
		if arg == "" {
			m.entries = append(m.entries, chatEntry{role: chatRoleSystem,
				text: fmt.Sprintf("usage: %s <request-id>", cmd)})
			return m, nil
		}
		m.mgr.Send(protocol.NewApprovalResponse("", "", arg, cmd == "/approve", "via tui"))
		return m, nil

	case "/status":
		m.mgr.Send(protocol.NewCommand("", "", "status", nil))
		return m, nil

	case "/history":
		m.mgr.Send(protocol.NewCommand("", "", "history", nil))
		return m, nil

	case "/approvals":
		m.mgr.Send(protocol.NewCommand("", "", "approvals.pending", nil))
		return m, nil

	case "/clear":
		m.mgr.Send(protocol.NewCommand("", "", "sessions.clear", nil))
		m.entries = nil
		m.streamIdx = make(map[string]int)
		return m, nil

	default:
		m.entries = append(m.entries, chatEntry{role: chatRoleSystem,
			text: fmt.Sprintf("unknown command %s (try /help)", cmd)})
		return m, nil
	}
}

func (m chatModel) handleEnvelope(env protocol.Envelope) chatModel {
	switch env.Type {
	case protocol.TypeResponse:
		var resp protocol.Response
		if err := protocol.DecodeData(env, &resp); err != nil {
			return m
		}
		// Replacement semantics: the chunk carries the full text so
		// far, so overwrite the entry rather than appending.
		idx, streaming := m.streamIdx[resp.ReplyTo]
		if !streaming {
			m.entries = append(m.entries, chatEntry{role: chatRoleAssistant})
			idx = len(m.entries) - 1
			m.streamIdx[resp.ReplyTo] = idx
		}
		m.entries[idx].text = resp.Content
		if resp.Done {
			delete(m.streamIdx, resp.ReplyTo)
			m.activity = ""
		}
		return m

	case protocol.TypeApprovalRequest:
		var req protocol.ApprovalRequest
		if err := protocol.DecodeData(env, &req); err != nil {
			return m
		}
		m.entries = append(m.entries, chatEntry{role: chatRoleSystem,
			text: fmt.Sprintf("approval required for %s: %s\n  /approve %s or /deny %s",
				req.ToolName, req.Description, req.RequestID, req.RequestID)})
		return m

	case protocol.TypeEvent:
		var ev protocol.Event
		if err := protocol.DecodeData(env, &ev); err != nil {
			return m
		}
		switch ev.Event {
		case protocol.EventStepProgress:
			thought, _ := ev.Payload["thought"].(string)
			m.activity = thought
		case protocol.EventTaskComplete:
			m.activity = ""
		case protocol.EventApprovalResolved:
			status, _ := ev.Payload["status"].(string)
			tool, _ := ev.Payload["tool_name"].(string)
			m.entries = append(m.entries, chatEntry{role: chatRoleSystem,
				text: fmt.Sprintf("approval for %s: %s", tool, status)})
		}
		return m

	case protocol.TypeError:
		var werr protocol.WireError
		if err := protocol.DecodeData(env, &werr); err != nil {
			return m
		}
		m.activity = ""
		m.entries = append(m.entries, chatEntry{role: chatRoleSystem,
			text: fmt.Sprintf("error (%s): %s", werr.Code, werr.Message)})
		return m

	case protocol.TypeStatus:
		var st protocol.Status
		if err := protocol.DecodeData(env, &st); err != nil {
			return m
		}
		if st.State != "" {
			m.connState = st.State
		}
		return m
	}
	return m
}

const helpText = `commands:
  /help              show this help
  /status            gateway status
  /history           show stored turns
  /approvals         list pending approvals
  /approve <id>      approve a pending tool call
  /deny <id>         deny a pending tool call
  /clear             archive this session's history
  /quit              exit`

func (m chatModel) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	for _, entry := range m.entries {
		switch entry.role {
		case chatRoleUser:
			b.WriteString(userStyle.Render("you: ") + entry.text + "\n")
		case chatRoleAssistant:
			b.WriteString(agentStyle.Render("hearth: ") + entry.text + "\n")
		default:
			b.WriteString(systemStyle.Render(entry.text) + "\n")
		}
	}
	if m.activity != "" {
		b.WriteString(statusStyle.Render("["+m.activity+"]") + "\n")
	}
	b.WriteString(fmt.Sprintf("\n(%s) > %s", m.connState, m.input))
	return b.String()
}

// Config holds the chat front-end's connection settings.
type Config struct {
	ServerURL string
	Token     string
	UserID    string
}

// Run starts the chat UI and blocks until the user quits or ctx is
// cancelled.
func Run(ctx context.Context, cfg Config) error {
	defer restoreTerminal()

	userID := cfg.UserID
	if userID == "" {
		userID = "local"
	}
	mgr := client.New(client.Config{
		ServerURL: cfg.ServerURL,
		Token:     cfg.Token,
		Channel:   "tui",
		UserID:    userID,
	})

	m := newChatModel(mgr, userID)
	p := tea.NewProgram(m)

	forward := func(env protocol.Envelope) { p.Send(envelopeMsg{env: env}) }
	for _, t := range []protocol.MessageType{
		protocol.TypeResponse,
		protocol.TypeApprovalRequest,
		protocol.TypeEvent,
		protocol.TypeError,
		protocol.TypeStatus,
	} {
		mgr.Handle(t, forward)
	}
	mgr.Start(ctx)
	defer mgr.Close()

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
