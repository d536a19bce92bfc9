package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hearth-agent/hearth/internal/client"
	"github.com/hearth-agent/hearth/internal/protocol"
)

// editInterval rate-limits progressive message edits to avoid Telegram
// 429 errors while a reply streams.
const editInterval = time.Second

// TelegramConfig holds the Telegram front-end's settings.
type TelegramConfig struct {
	Token      string
	AllowedIDs []int64

	ServerURL    string
	GatewayToken string
	UserID       string

	Logger *slog.Logger
}

// TelegramChannel bridges Telegram chats and the gateway. Inbound
// messages become CHAT envelopes; streamed RESPONSE chunks edit one
// Telegram message in place; approval requests become inline keyboards.
type TelegramChannel struct {
	cfg        TelegramConfig
	allowedIDs map[int64]struct{}
	logger     *slog.Logger

	bot botAPI
	mgr *client.Manager

	// chatMu maps request ids to the chat that originated them so
	// replies land in the right conversation.
	chatMu       sync.Mutex
	requestChats map[string]int64

	streamMu sync.Mutex
	streams  map[string]*streamState // reply_to -> streaming state
}

// botAPI is the slice of tgbotapi.BotAPI the channel uses, split out so
// tests can substitute a recorder.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// streamState tracks progressive editing for one streamed reply.
type streamState struct {
	chatID    int64
	messageID int
	lastEdit  time.Time
}

// shouldEdit reports whether enough time has passed for another edit.
func (s *streamState) shouldEdit(now time.Time) bool {
	return now.Sub(s.lastEdit) >= editInterval
}

// NewTelegramChannel creates the front-end. Start dials both Telegram
// and the gateway.
func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserID == "" {
		cfg.UserID = "local"
	}
	allowed := make(map[int64]struct{})
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		cfg:          cfg,
		allowedIDs:   allowed,
		logger:       logger,
		requestChats: make(map[string]int64),
		streams:      make(map[string]*streamState),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot started", "user", bot.Self.UserName)

	t.mgr = client.New(client.Config{
		ServerURL: t.cfg.ServerURL,
		Token:     t.cfg.GatewayToken,
		Channel:   t.Name(),
		UserID:    t.cfg.UserID,
		Logger:    t.logger,
	})
	t.registerHandlers(t.mgr)
	t.mgr.Start(ctx)
	defer t.mgr.Close()

	// Reconnection loop with exponential backoff for the Telegram side.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection; the library blocks rather than closing the channel).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				if !t.allowed(update.Message.From.ID) {
					t.logger.Warn("telegram access denied",
						"user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
				t.handleMessage(update.Message)
				continue
			}

			if update.CallbackQuery != nil {
				if !t.allowed(update.CallbackQuery.From.ID) {
					t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
					continue
				}
				t.handleCallbackQuery(update.CallbackQuery)
				continue
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) allowed(userID int64) bool {
	_, ok := t.allowedIDs[userID]
	return ok
}

// handleMessage forwards a chat message to the gateway and remembers
// which Telegram chat the eventual reply belongs to.
func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	env := protocol.NewChat("", "", t.Name(), t.cfg.UserID, content)
	t.chatMu.Lock()
	t.requestChats[env.ID] = msg.Chat.ID
	t.chatMu.Unlock()

	t.mgr.Send(env)
}

// handleCallbackQuery handles inline button clicks from approval
// keyboards. Callback data format: "approval:requestID:action".
func (t *TelegramChannel) handleCallbackQuery(query *tgbotapi.CallbackQuery) {
	requestID, action, err := parseApprovalCallback(query.Data)
	if err != nil {
		return
	}

	notification := tgbotapi.NewCallbackWithAlert(query.ID, fmt.Sprintf("Submitting %s...", action))
	if _, err := t.bot.Request(notification); err != nil {
		t.logger.Warn("failed to send callback notification", "error", err)
	}

	approve := action == "approve"
	reason := fmt.Sprintf("via Telegram (%s)", query.From.UserName)
	t.mgr.Send(protocol.NewApprovalResponse("", "", requestID, approve, reason))
}

// registerHandlers wires the gateway-side envelope handlers.
func (t *TelegramChannel) registerHandlers(mgr *client.Manager) {
	mgr.Handle(protocol.TypeResponse, t.onResponse)
	mgr.Handle(protocol.TypeApprovalRequest, t.onApprovalRequest)
	mgr.Handle(protocol.TypeEvent, t.onEvent)
	mgr.Handle(protocol.TypeError, t.onError)
	mgr.Handle(protocol.TypeStatus, t.onStatus)
}

// onResponse streams the reply into one progressively edited Telegram
// message. Each chunk carries the full text so far, so an edit always
// replaces the whole message body.
func (t *TelegramChannel) onResponse(env protocol.Envelope) {
	var resp protocol.Response
	if err := protocol.DecodeData(env, &resp); err != nil {
		return
	}
	chatID, ok := t.chatFor(resp.ReplyTo, resp.Done)
	if !ok {
		return
	}

	t.streamMu.Lock()
	state, exists := t.streams[resp.ReplyTo]
	if !exists {
		// First chunk: send a placeholder message to edit in place.
		t.streamMu.Unlock()
		sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, resp.Content))
		if err != nil {
			t.logger.Warn("failed to send stream placeholder", "reply_to", resp.ReplyTo, "error", err)
			return
		}
		t.streamMu.Lock()
		t.streams[resp.ReplyTo] = &streamState{
			chatID:    chatID,
			messageID: sent.MessageID,
			lastEdit:  time.Now(),
		}
		if resp.Done {
			delete(t.streams, resp.ReplyTo)
		}
		t.streamMu.Unlock()
		return
	}

	if resp.Done {
		delete(t.streams, resp.ReplyTo)
		msgID := state.messageID
		t.streamMu.Unlock()
		t.editMessageText(chatID, msgID, resp.Content)
		return
	}
	if !state.shouldEdit(time.Now()) {
		t.streamMu.Unlock()
		return
	}
	state.lastEdit = time.Now()
	msgID := state.messageID
	t.streamMu.Unlock()
	t.editMessageText(chatID, msgID, resp.Content)
}

// chatFor resolves which Telegram chat a reply belongs to. The mapping
// is dropped once the terminal chunk arrives.
func (t *TelegramChannel) chatFor(replyTo string, done bool) (int64, bool) {
	t.chatMu.Lock()
	defer t.chatMu.Unlock()
	chatID, ok := t.requestChats[replyTo]
	if ok && done {
		delete(t.requestChats, replyTo)
	}
	return chatID, ok
}

// onApprovalRequest renders an inline keyboard. Requests may originate
// on another channel of the same session, so without a known chat the
// keyboard goes to every allowed chat.
func (t *TelegramChannel) onApprovalRequest(env protocol.Envelope) {
	var req protocol.ApprovalRequest
	if err := protocol.DecodeData(env, &req); err != nil {
		return
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", fmt.Sprintf("approval:%s:approve", req.RequestID)),
			tgbotapi.NewInlineKeyboardButtonData("Deny", fmt.Sprintf("approval:%s:deny", req.RequestID)),
		),
	)
	text := fmt.Sprintf("*Approval required*\n\nTool: `%s`\n%s",
		escapeMarkdownV2(req.ToolName),
		escapeMarkdownV2(req.Description))

	for chatID := range t.allowedIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = "MarkdownV2"
		msg.ReplyMarkup = &keyboard
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("failed to send approval keyboard", "chat_id", chatID, "error", err)
		}
	}
}

func (t *TelegramChannel) onEvent(env protocol.Envelope) {
	var ev protocol.Event
	if err := protocol.DecodeData(env, &ev); err != nil {
		return
	}
	switch ev.Event {
	case protocol.EventApprovalResolved:
		status, _ := ev.Payload["status"].(string)
		tool, _ := ev.Payload["tool_name"].(string)
		t.notifyAll(fmt.Sprintf("Approval for %s: %s", tool, status))
	case protocol.EventSystemShutdown:
		t.notifyAll("Agent is shutting down.")
	}
}

func (t *TelegramChannel) onError(env protocol.Envelope) {
	var werr protocol.WireError
	if err := protocol.DecodeData(env, &werr); err != nil {
		return
	}
	t.chatMu.Lock()
	chatID, ok := t.requestChats[env.ID]
	if ok {
		delete(t.requestChats, env.ID)
	}
	t.chatMu.Unlock()
	if !ok {
		return
	}
	t.reply(chatID, fmt.Sprintf("Error (%s): %s", werr.Code, werr.Message))
}

// onStatus receives the manager's synthesized connection states.
func (t *TelegramChannel) onStatus(env protocol.Envelope) {
	var st protocol.Status
	if err := protocol.DecodeData(env, &st); err != nil {
		return
	}
	if st.State == "disconnected" {
		t.notifyAll("Lost connection to the agent and gave up reconnecting.")
	}
}

func (t *TelegramChannel) notifyAll(text string) {
	for chatID := range t.allowedIDs {
		t.reply(chatID, text)
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

// editMessageText updates an existing message in place as the streamed
// reply grows.
func (t *TelegramChannel) editMessageText(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Warn("failed to edit telegram message (progressive)", "error", err)
	}
}

// parseApprovalCallback parses inline keyboard callback data.
// Format: approval:requestID:action
func parseApprovalCallback(data string) (requestID, action string, err error) {
	data = strings.TrimSpace(data)
	rest, ok := strings.CutPrefix(data, "approval:")
	if !ok {
		return "", "", fmt.Errorf("not an approval callback")
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid approval callback format")
	}
	if parts[1] != "approve" && parts[1] != "deny" {
		return "", "", fmt.Errorf("unknown approval action %q", parts[1])
	}
	return parts[0], parts[1], nil
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
// Must escape: _ * [ ] ( ) ~ > # + - = | { } . !
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~>#+-=|{}.!"

	result := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(specialChars, c) >= 0 {
			result = append(result, '\\')
		}
		result = append(result, c)
	}
	return string(result)
}

// ParseAllowedIDs converts the comma-separated form used in config and
// env vars into chat ids.
func ParseAllowedIDs(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram id %q: %w", part, err)
		}
		out = append(out, id)
	}
	return out, nil
}
