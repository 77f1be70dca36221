// Package discord delivers approval prompts to a guardian channel as Discord
// messages with Approve/Deny button components.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/toolgate/internal/messenger"
)

// apiTimeout bounds Discord API calls made outside a request context, such
// as the message edit issued by the auto-deny timer.
const apiTimeout = 10 * time.Second

// discordSession interface allows for mocking the Discord session in tests.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
}

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token from the Discord Developer Portal (required).
	Token string

	// ChannelID is the guardian channel that receives approval prompts
	// (required).
	ChannelID string

	// AllowedUsers are the Discord user ids whose button presses count.
	// Presses from anyone else are ignored silently (required, non-empty).
	AllowedUsers []string

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks if the configuration is valid and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.ChannelID == "" {
		return errors.New("channel_id is required")
	}
	if len(c.AllowedUsers) == 0 {
		return errors.New("allowed_users must not be empty")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements the messenger.Adapter interface for Discord.
type Adapter struct {
	config  Config
	session discordSession
	gate    *messenger.ResolveOnce
	logger  *slog.Logger

	mu       sync.Mutex
	callback messenger.Callback
}

// NewAdapter creates a new Discord adapter with the given configuration.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config: config,
		gate:   messenger.NewResolveOnce(),
		logger: config.Logger.With("messenger", "discord"),
	}, nil
}

// Start opens the Discord gateway connection and registers the component
// interaction handler.
func (a *Adapter) Start(ctx context.Context) error {
	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			return fmt.Errorf("failed to create discord session: %w", err)
		}
		a.session = dg
	}

	a.session.AddHandler(a.handleInteraction)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("failed to connect to discord: %w", err)
	}

	a.logger.Info("discord messenger started", "channel_id", a.config.ChannelID)
	return nil
}

// Stop cancels pending auto-deny timers and closes the gateway connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.gate.StopAll()
	if a.session == nil {
		return nil
	}
	if err := a.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	a.logger.Info("discord messenger stopped")
	return nil
}

// SendApproval sends the prompt with one button per choice and returns the
// Discord message id.
func (a *Adapter) SendApproval(ctx context.Context, req messenger.ApprovalRequest, choices []messenger.ApprovalChoice) (string, error) {
	if a.session == nil {
		return "", errors.New("discord session not started")
	}

	buttons := make([]discordgo.MessageComponent, 0, len(choices))
	for _, choice := range choices {
		style := discordgo.DangerButton
		if choice.Action == messenger.ActionAllow {
			style = discordgo.SuccessButton
		}
		buttons = append(buttons, discordgo.Button{
			Label:    choice.Label,
			Style:    style,
			CustomID: messenger.ChoiceData(choice.Action, req.RequestID),
		})
	}

	msg, err := a.session.ChannelMessageSendComplex(a.config.ChannelID, &discordgo.MessageSend{
		Content:    messenger.PromptText(req),
		Components: []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to send approval prompt: %w", err)
	}
	return msg.ID, nil
}

// UpdateApproval edits the prompt message and strips its buttons.
// Best-effort: failures are logged, never returned.
func (a *Adapter) UpdateApproval(ctx context.Context, messageID, status, detail string) {
	if a.session == nil {
		return
	}
	text := status + "\n\n" + detail
	_, err := a.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:         messageID,
		Channel:    a.config.ChannelID,
		Content:    &text,
		Components: &[]discordgo.MessageComponent{},
	}, discordgo.WithContext(ctx))
	if err != nil {
		a.logger.Warn("failed to edit discord message", "message_id", messageID, "error", err)
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

// HealthCheck fetches the bot's own user to verify authentication and
// connectivity.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	if a.session == nil {
		return false
	}
	_, err := a.session.User("@me", discordgo.WithContext(ctx))
	return err == nil
}

// handleInteraction processes a button press from a guardian.
func (a *Adapter) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}

	user := interactionUser(i)
	if user == nil || !a.allowed(user.ID) {
		a.logger.Debug("ignoring button press from unauthorized user")
		return
	}

	action, requestID, ok := messenger.ParseChoiceData(i.MessageComponentData().CustomID)
	if !ok {
		return
	}

	if !a.gate.Claim(requestID) {
		a.respondEphemeral(i.Interaction, "Already resolved")
		return
	}

	header := messenger.ResolutionHeader(action, user.Username)
	a.respondResolved(i, header)

	a.notify(messenger.ApprovalResult{
		RequestID: requestID,
		Action:    action,
		UserID:    user.ID,
		Timestamp: messenger.EpochNow(),
	})
}

// respondResolved answers the interaction by rewriting the prompt message
// with the resolution header and removing its buttons.
func (a *Adapter) respondResolved(i *discordgo.InteractionCreate, header string) {
	text := header
	if i.Message != nil {
		text = messenger.ResolvedText(i.Message.Content, header)
	}
	err := a.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    text,
			Components: []discordgo.MessageComponent{},
		},
	})
	if err != nil {
		a.logger.Warn("failed to update discord prompt", "error", err)
	}
}

// respondEphemeral answers the interaction with a message only the pressing
// user sees.
func (a *Adapter) respondEphemeral(interaction *discordgo.Interaction, text string) {
	err := a.session.InteractionRespond(interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		a.logger.Warn("failed to answer discord interaction", "error", err)
	}
}

// interactionUser returns the pressing user for both guild and direct
// message interactions.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

func (a *Adapter) allowed(userID string) bool {
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
