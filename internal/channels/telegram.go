package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/basket/leash/internal/bus"
	"github.com/basket/leash/internal/persistence"
	"github.com/basket/leash/internal/resolver"
	"github.com/basket/leash/internal/totp"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel delivers approval prompts over Telegram and turns operator
// replies (inline buttons, nonce text, 6-digit codes) into resolver calls.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	resolver   *resolver.Resolver
	store      *persistence.Store
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	eventBus   *bus.Bus

	// promptMu protects promptMsgs so a resolved approval's prompt can be
	// edited in place instead of leaving live buttons behind.
	promptMu   sync.Mutex
	promptMsgs map[string]promptRef // nonce -> sent prompt
}

type promptRef struct {
	chatID    int64
	messageID int
}

// NewTelegramChannel creates the channel. eventBus is required for prompt
// delivery; the channel subscribes to approval events on Start.
func NewTelegramChannel(token string, allowedIDs []int64, res *resolver.Resolver, store *persistence.Store, logger *slog.Logger, eventBus *bus.Bus) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		resolver:   res,
		store:      store,
		logger:     logger,
		eventBus:   eventBus,
		promptMsgs: make(map[string]promptRef),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.watchApprovalEvents(ctx)

	// Reconnection loop with exponential backoff.
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

		// Always clean up the old polling goroutine before reconnecting.
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

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If nothing arrives for 2.5
	// minutes the connection is likely dead (the library blocks rather than
	// closing the channel).
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

			// Reset the stall timer on every received update, including
			// empty long-poll returns.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
				t.handleMessage(ctx, update.Message)
				continue
			}

			if update.CallbackQuery != nil {
				if _, ok := t.allowedIDs[update.CallbackQuery.From.ID]; !ok {
					t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
					continue
				}
				t.handleCallbackQuery(ctx, update.CallbackQuery)
				continue
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	chatID := msg.Chat.ID

	switch {
	case strings.HasPrefix(content, "/deny"):
		nonce, ok := normalizeNonce(strings.TrimSpace(strings.TrimPrefix(content, "/deny")))
		if !ok {
			t.reply(chatID, "Usage: /deny XXXX-XXXX-XXXX-XXXX")
			return
		}
		t.publishResponse(nonce, chatID, "deny", "")
		t.denyApproval(ctx, chatID, nonce)

	case strings.HasPrefix(content, "/logout"):
		t.handleLogout(ctx, chatID)

	case isTOTPCode(content):
		// A bare 6-digit code confirms whatever is pending for this chat.
		entry, err := t.store.PendingApprovalForChat(ctx, chatID)
		if err != nil {
			t.reply(chatID, "No approval is pending for this chat.")
			return
		}
		t.publishResponse(entry.Nonce, chatID, "approve", content)
		t.approveApproval(ctx, chatID, entry.Nonce, content)

	default:
		if nonce, ok := normalizeNonce(content); ok {
			t.publishResponse(nonce, chatID, "approve", "")
			t.approveApproval(ctx, chatID, nonce, "")
		}
	}
}

// handleCallbackQuery handles Approve/Deny button presses on approval
// prompts. Callback data format: "apr:<nonce>:<action>".
func (t *TelegramChannel) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	nonce, action, err := parseApprovalCallback(query.Data)
	if err != nil {
		return
	}

	ack := tgbotapi.NewCallback(query.ID, "Processing "+action+"...")
	if _, err := t.bot.Request(ack); err != nil {
		t.logger.Warn("failed to acknowledge callback", "error", err)
	}

	chatID := query.Message.Chat.ID
	t.publishResponse(nonce, chatID, action, "")

	switch action {
	case "approve":
		t.approveApproval(ctx, chatID, nonce, "")
	case "deny":
		t.denyApproval(ctx, chatID, nonce)
	}
}

func (t *TelegramChannel) approveApproval(ctx context.Context, chatID int64, nonce, code string) {
	out, err := t.resolver.Approve(ctx, chatID, nonce, code)
	if err != nil {
		t.reply(chatID, confirmFailureText(err))
		return
	}
	t.retirePrompt(nonce, "Approved")
	if out.Token != "" {
		// The token itself goes to the sidecar, never into chat.
		t.reply(chatID, fmt.Sprintf("Approved %s. A single-use action token was issued.", nonce))
		return
	}
	t.reply(chatID, fmt.Sprintf("Approved %s.", nonce))
}

func (t *TelegramChannel) denyApproval(ctx context.Context, chatID int64, nonce string) {
	if _, err := t.resolver.Deny(ctx, chatID, nonce); err != nil {
		t.reply(chatID, confirmFailureText(err))
		return
	}
	t.retirePrompt(nonce, "Denied")
	t.reply(chatID, fmt.Sprintf("Denied %s. Nothing was executed.", nonce))
}

func (t *TelegramChannel) handleLogout(ctx context.Context, chatID int64) {
	if err := t.resolver.Logout(ctx, chatID); err != nil {
		if errors.Is(err, persistence.ErrNoIdentityLink) {
			t.reply(chatID, "This chat is not linked to a user.")
			return
		}
		t.reply(chatID, "Logout failed: "+err.Error())
		return
	}
	t.reply(chatID, "Session cleared. The next approval will require your code.")
}

// confirmFailureText maps resolver failures to operator-facing denials. Every
// path here is a denial; none of them executes anything.
func confirmFailureText(err error) string {
	var rateLimited *totp.RateLimitedError
	switch {
	case errors.Is(err, resolver.ErrCodeRequired):
		return "This approval requires your 6-digit code. Reply with the current code from your authenticator."
	case errors.Is(err, totp.ErrInvalidCode):
		return "That code is not valid. Nothing was approved."
	case errors.As(err, &rateLimited):
		return fmt.Sprintf("Too many attempts. Try again in %s.", rateLimited.RetryAfter.Round(time.Second))
	case errors.Is(err, totp.ErrDaemonUnavailable):
		return "The identity gate is unavailable, so the request was denied."
	case errors.Is(err, persistence.ErrApprovalExpired):
		return "That approval has expired. Ask for a new one."
	case errors.Is(err, persistence.ErrApprovalNotFound):
		return "No such pending approval."
	case errors.Is(err, persistence.ErrApprovalChatMismatch):
		return "That approval belongs to a different chat."
	default:
		return "Approval failed: " + err.Error()
	}
}

// watchApprovalEvents subscribes to approval lifecycle events and delivers
// prompts for newly created pending approvals.
func (t *TelegramChannel) watchApprovalEvents(ctx context.Context) {
	sub := t.eventBus.Subscribe("approval.")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			switch ev.Topic {
			case bus.TopicApprovalRequested:
				req, ok := ev.Payload.(bus.ApprovalRequested)
				if !ok {
					continue
				}
				t.sendPrompt(&req)
			case bus.TopicApprovalExpired:
				res, ok := ev.Payload.(bus.ApprovalResolved)
				if !ok {
					continue
				}
				t.retirePrompt(res.Nonce, "Expired")
			}
		}
	}
}

// sendPrompt posts the approval prompt with inline Approve/Deny buttons.
func (t *TelegramChannel) sendPrompt(req *bus.ApprovalRequested) {
	if _, allowed := t.allowedIDs[req.ChatID]; !allowed {
		t.logger.Warn("approval requested for chat outside allowlist", "chat_id", req.ChatID, "nonce", req.Nonce)
		return
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", "apr:"+req.Nonce+":approve"),
			tgbotapi.NewInlineKeyboardButtonData("Deny", "apr:"+req.Nonce+":deny"),
		),
	)

	expiresIn := time.Until(time.UnixMilli(req.ExpiresAt)).Round(time.Second)
	text := fmt.Sprintf("*Approval required*\n\n%s\n\nNonce: `%s`\nExpires in %s\n\nTap a button, reply with the nonce, or reply with your 6\\-digit code\\.",
		escapeMarkdownV2(req.Body),
		escapeCodeSpan(req.Nonce),
		escapeMarkdownV2(expiresIn.String()))

	msg := tgbotapi.NewMessage(req.ChatID, text)
	msg.ParseMode = "MarkdownV2"
	msg.ReplyMarkup = &keyboard
	sent, err := t.bot.Send(msg)
	if err != nil {
		t.logger.Error("failed to send approval prompt", "nonce", req.Nonce, "error", err)
		return
	}

	t.promptMu.Lock()
	t.promptMsgs[req.Nonce] = promptRef{chatID: req.ChatID, messageID: sent.MessageID}
	t.promptMu.Unlock()
}

// retirePrompt rewrites a resolved prompt so its buttons cannot be pressed
// again.
func (t *TelegramChannel) retirePrompt(nonce, outcome string) {
	t.promptMu.Lock()
	ref, ok := t.promptMsgs[nonce]
	if ok {
		delete(t.promptMsgs, nonce)
	}
	t.promptMu.Unlock()
	if !ok {
		return
	}

	edit := tgbotapi.NewEditMessageText(ref.chatID, ref.messageID,
		fmt.Sprintf("%s: %s", outcome, nonce))
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Warn("failed to retire approval prompt", "nonce", nonce, "error", err)
	}
}

func (t *TelegramChannel) publishResponse(nonce string, chatID int64, action, code string) {
	if t.eventBus == nil {
		return
	}
	t.eventBus.Publish(bus.TopicApprovalResponse, bus.ApprovalResponse{
		Nonce:  nonce,
		ChatID: chatID,
		Action: action,
		Code:   code,
		Via:    t.Name(),
	})
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

// parseApprovalCallback parses inline-button callback data of the form
// "apr:<nonce>:<action>".
func parseApprovalCallback(data string) (nonce, action string, err error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "apr:") {
		return "", "", fmt.Errorf("not an approval callback")
	}
	parts := strings.SplitN(data[4:], ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid approval callback format")
	}
	if parts[1] != "approve" && parts[1] != "deny" {
		return "", "", fmt.Errorf("unknown approval action %q", parts[1])
	}
	return parts[0], parts[1], nil
}

var (
	totpCodeRe = regexp.MustCompile(`^[0-9]{6}$`)
	nonceRe    = regexp.MustCompile(`^[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}$`)
)

// isTOTPCode reports whether the text is a bare 6-digit authenticator code.
func isTOTPCode(s string) bool {
	return totpCodeRe.MatchString(s)
}

// normalizeNonce uppercases the text and checks the dash-separated hex-group
// nonce shape.
func normalizeNonce(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !nonceRe.MatchString(s) {
		return "", false
	}
	return s, true
}

// escapeCodeSpan escapes content placed inside a MarkdownV2 code span, where
// only backtick and backslash are special. Full escaping there would render
// the backslashes literally.
func escapeCodeSpan(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "`", "\\`")
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
// Must escape: _ * [ ] ( ) ~ ` > # + - = | { } . !
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~`>#+-=|{}.!"

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
