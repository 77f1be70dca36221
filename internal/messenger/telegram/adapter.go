// Package telegram delivers approval prompts to a guardian chat as Telegram
// messages with inline Approve/Deny buttons.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/toolgate/internal/messenger"
)

// apiTimeout bounds Telegram API calls made outside a request context, such
// as the message edit issued by the auto-deny timer.
const apiTimeout = 10 * time.Second

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// ChatID is the guardian chat that receives approval prompts (required).
	ChatID int64

	// AllowedUsers are the Telegram user ids whose button presses count.
	// Presses from anyone else are ignored silently (required, non-empty).
	AllowedUsers []int64

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks if the configuration is valid and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.ChatID == 0 {
		return errors.New("chat_id is required")
	}
	if len(c.AllowedUsers) == 0 {
		return errors.New("allowed_users must not be empty")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements the messenger.Adapter interface for Telegram.
type Adapter struct {
	config Config
	client BotClient
	gate   *messenger.ResolveOnce
	logger *slog.Logger

	mu       sync.Mutex
	callback messenger.Callback

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates a new Telegram adapter with the given configuration.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config: config,
		gate:   messenger.NewResolveOnce(),
		logger: config.Logger.With("messenger", "telegram"),
	}, nil
}

// Start creates the bot, registers the button handlers and begins long
// polling for guardian responses.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.client == nil {
		b, err := bot.New(a.config.Token)
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		a.client = newRealBotClient(b)
	}

	a.client.RegisterHandler(bot.HandlerTypeCallbackQueryData, "approve:", bot.MatchTypePrefix, a.handleCallback)
	a.client.RegisterHandler(bot.HandlerTypeCallbackQueryData, "deny:", bot.MatchTypePrefix, a.handleCallback)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.client.Start(ctx)
	}()

	a.logger.Info("telegram messenger started", "chat_id", a.config.ChatID)
	return nil
}

// Stop cancels pending auto-deny timers and shuts down long polling.
func (a *Adapter) Stop(ctx context.Context) error {
	a.gate.StopAll()
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("telegram messenger stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram messenger stop timed out: %w", ctx.Err())
	}
}

// SendApproval sends the prompt with one inline button per choice and
// returns the Telegram message id as a string.
func (a *Adapter) SendApproval(ctx context.Context, req messenger.ApprovalRequest, choices []messenger.ApprovalChoice) (string, error) {
	if a.client == nil {
		return "", errors.New("telegram bot not started")
	}

	row := make([]models.InlineKeyboardButton, 0, len(choices))
	for _, choice := range choices {
		row = append(row, models.InlineKeyboardButton{
			Text:         choice.Label,
			CallbackData: messenger.ChoiceData(choice.Action, req.RequestID),
		})
	}

	msg, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      a.config.ChatID,
		Text:        messenger.PromptText(req),
		ReplyMarkup: &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{row}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to send approval prompt: %w", err)
	}
	return strconv.Itoa(msg.ID), nil
}

// UpdateApproval edits the prompt message. Best-effort: failures are logged,
// never returned.
func (a *Adapter) UpdateApproval(ctx context.Context, messageID, status, detail string) {
	if a.client == nil {
		return
	}
	id, err := strconv.Atoi(messageID)
	if err != nil {
		a.logger.Warn("invalid telegram message id", "message_id", messageID)
		return
	}
	_, err = a.client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    a.config.ChatID,
		MessageID: id,
		Text:      status + "\n\n" + detail,
	})
	if err != nil {
		a.logger.Warn("failed to edit telegram message", "message_id", messageID, "error", err)
	}
}

// OnApprovalCallback registers the callback invoked when a guardian presses
// Approve or Deny, or when a prompt expires.
func (a *Adapter) OnApprovalCallback(fn messenger.Callback) {
	a.mu.Lock()
	a.callback = fn
	a.mu.Unlock()
}

// ScheduleTimeout arms the auto-deny timer for an outstanding prompt.
func (a *Adapter) ScheduleTimeout(requestID string, timeout time.Duration, messageID string) {
	a.gate.Schedule(requestID, timeout, func() {
		ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
		defer cancel()
		a.UpdateApproval(ctx, messageID, messenger.ExpiredStatus, messenger.ExpiredDetail)
		a.notify(messenger.ApprovalResult{
			RequestID: requestID,
			Action:    messenger.ActionDeny,
			UserID:    messenger.TimeoutUser,
			Timestamp: messenger.EpochNow(),
		})
	})
}

// HealthCheck calls getMe to verify authentication and connectivity.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	if a.client == nil {
		return false
	}
	_, err := a.client.GetMe(ctx)
	return err == nil
}

// handleCallback processes an inline-button press from a guardian.
func (a *Adapter) handleCallback(ctx context.Context, _ *bot.Bot, update *models.Update) {
	query := update.CallbackQuery
	if query == nil {
		return
	}

	if !a.allowed(query.From.ID) {
		a.logger.Debug("ignoring button press from unauthorized user", "user_id", query.From.ID)
		return
	}

	action, requestID, ok := messenger.ParseChoiceData(query.Data)
	if !ok {
		a.answer(ctx, query.ID, "This button has expired")
		return
	}

	if !a.gate.Claim(requestID) {
		a.answer(ctx, query.ID, "Already resolved")
		return
	}

	a.answer(ctx, query.ID, "")

	userID := strconv.FormatInt(query.From.ID, 10)
	a.editResolved(ctx, query, messenger.ResolutionHeader(action, userID))

	a.notify(messenger.ApprovalResult{
		RequestID: requestID,
		Action:    action,
		UserID:    userID,
		Timestamp: messenger.EpochNow(),
	})
}

// editResolved replaces the prompt header with the resolution, keeping the
// detail lines.
func (a *Adapter) editResolved(ctx context.Context, query *models.CallbackQuery, header string) {
	msg := query.Message.Message
	if msg == nil {
		return
	}
	_, err := a.client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    a.config.ChatID,
		MessageID: msg.ID,
		Text:      messenger.ResolvedText(msg.Text, header),
	})
	if err != nil {
		a.logger.Warn("failed to edit telegram message", "message_id", msg.ID, "error", err)
	}
}

// answer acks a callback query so the client stops showing a spinner.
func (a *Adapter) answer(ctx context.Context, queryID, text string) {
	_, err := a.client.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: queryID,
		Text:            text,
	})
	if err != nil {
		a.logger.Warn("failed to answer callback query", "error", err)
	}
}

func (a *Adapter) allowed(userID int64) bool {
	for _, id := range a.config.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func (a *Adapter) notify(result messenger.ApprovalResult) {
	a.mu.Lock()
	cb := a.callback
	a.mu.Unlock()
	if cb != nil {
		cb(result)
	}
}
