package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const (
	replyConfigurationError = "⚠️ I'm having trouble connecting to my configuration. Please try again in a moment."
	replyGenerationError    = "⚠️ I encountered an error while processing your message. Please try again later."
	replyUnexpectedError    = "⚠️ An unexpected error occurred. Please try again."

	fallbackInstructions = "You are a helpful Discord bot assistant."
	truncationSuffix     = "..."
	recentExchangeFormat = "User: %s\nBot: %s"
)

// ResponseGenerator produces replies and conversation summaries.
type ResponseGenerator interface {
	GenerateResponse(
		ctx context.Context,
		instructions string,
		summary *string,
		message string,
	) (string, error)
	GenerateSummary(
		ctx context.Context,
		existingSummary string,
		recentContext string,
	) (string, error)
}

// ConversationStore is the persisted state used while handling a message.
type ConversationStore interface {
	GetSystemInstructions(ctx context.Context) (string, error)
	GetConversationState(ctx context.Context) (*ConversationState, error)
	IncrementMessageCount(ctx context.Context) error
	UpdateConversationSummary(ctx context.Context, summary string) error
}

// MessageReplier sends a reply to a message
type MessageReplier interface {
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

type stageOutcome int

const (
	// stageContinue moves on to the next stage
	stageContinue stageOutcome = iota
	// stageReply sends stageResult.reply to the user, then stops
	stageReply
	// stageSilent stops without replying
	stageSilent
)

func (o stageOutcome) String() string {
	switch o {
	case stageContinue:
		return "continue"
	case stageReply:
		return "reply"
	case stageSilent:
		return "silent"
	default:
		return fmt.Sprintf("stageOutcome(%d)", int(o))
	}
}

type stageResult struct {
	outcome stageOutcome
	reply   string
}

var proceed = stageResult{outcome: stageContinue}

func abortWithReply(reply string) stageResult {
	return stageResult{outcome: stageReply, reply: reply}
}

func abortSilently() stageResult {
	return stageResult{outcome: stageSilent}
}

// messageRun carries the state of a single message through each stage
type messageRun struct {
	msg          *discordgo.Message
	logger       *slog.Logger
	instructions string
	state        *ConversationState
	response     string
}

type stage struct {
	name string
	run  func(ctx context.Context, r *messageRun) stageResult
}

// MessageHandler decides whether to reply to a message, generates and
// sends the reply, then updates the conversation state.
type MessageHandler struct {
	cache     *ChannelCache
	store     ConversationStore
	generator ResponseGenerator
	replier   MessageReplier
	config    *ConversationConfig
	logger    *slog.Logger
	botUser   atomic.Pointer[discordgo.User]
}

func NewMessageHandler(
	cache *ChannelCache,
	store ConversationStore,
	generator ResponseGenerator,
	replier MessageReplier,
	config *ConversationConfig,
	logger *slog.Logger,
) *MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageHandler{
		cache:     cache,
		store:     store,
		generator: generator,
		replier:   replier,
		config:    config,
		logger:    logger.With(loggerNameKey, "handler"),
	}
}

// SetBotUser sets the bot's own user, as reported on gateway Ready.
func (h *MessageHandler) SetBotUser(u *discordgo.User) {
	h.botUser.Store(u)
}

func (h *MessageHandler) botUserID() string {
	if u := h.botUser.Load(); u != nil {
		return u.ID
	}
	return ""
}

func (h *MessageHandler) stages() []stage {
	return []stage{
		{"admission", h.admit},
		{"configuration", h.loadConfiguration},
		{"generation", h.generate},
		{"shaping", h.shape},
		{"delivery", h.deliver},
	}
}

// Handle runs a message through each stage. Panics are recovered and
// answered with a generic apology.
func (h *MessageHandler) Handle(ctx context.Context, m *discordgo.Message) {
	if m == nil {
		return
	}
	logger := h.logger.With(messageLogAttrs(m)...)
	ctx = WithLogger(withMessage(ctx, m), logger)
	r := &messageRun{msg: m, logger: logger}

	defer func() {
		if rc := recover(); rc != nil {
			h.recoverPanic(ctx, r, rc)
		}
	}()

	for _, s := range h.stages() {
		result := s.run(ctx, r)
		switch result.outcome {
		case stageContinue:
			continue
		case stageReply:
			logger.DebugContext(ctx, "stage aborted with reply", "stage", s.name)
			if _, err := h.reply(r, result.reply); err != nil {
				logger.ErrorContext(ctx, "Failed to send error reply", tint.Err(err))
			}
			return
		case stageSilent:
			logger.DebugContext(ctx, "stage aborted", "stage", s.name)
			return
		}
	}

	h.bookkeep(ctx, r)
}

func (h *MessageHandler) reply(r *messageRun, content string) (*discordgo.Message, error) {
	return h.replier.ChannelMessageSendReply(
		r.msg.ChannelID,
		content,
		r.msg.Reference(),
	)
}

// admit refreshes the channel cache, then accepts the message if the bot
// is mentioned, or the message is in an allowed channel. Messages from
// bots (including this one) are never accepted.
func (h *MessageHandler) admit(ctx context.Context, r *messageRun) stageResult {
	h.cache.Refresh(ctx)

	author := r.msg.Author
	if author == nil || author.Bot {
		return abortSilently()
	}
	botID := h.botUserID()
	if botID != "" && author.ID == botID {
		return abortSilently()
	}

	mentioned := botID != "" && messageMentionsUser(r.msg, botID)
	if !mentioned && !h.cache.IsAdmitted(r.msg.ChannelID) {
		return abortSilently()
	}

	r.logger.InfoContext(
		ctx,
		"Processing message",
		"author", author.Username,
		"mentioned", mentioned,
		"content_length", utf8.RuneCountInString(r.msg.Content),
	)
	return proceed
}

// loadConfiguration fetches the system instructions and conversation
// state concurrently.
func (h *MessageHandler) loadConfiguration(ctx context.Context, r *messageRun) stageResult {
	var (
		instructions string
		state        *ConversationState
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() (err error) {
			instructions, err = h.store.GetSystemInstructions(gctx)
			return err
		},
	)
	g.Go(
		func() (err error) {
			state, err = h.store.GetConversationState(gctx)
			return err
		},
	)
	if err := g.Wait(); err != nil {
		r.logger.ErrorContext(ctx, "Failed to fetch configuration", tint.Err(err))
		return abortWithReply(replyConfigurationError)
	}

	if strings.TrimSpace(instructions) == "" {
		r.logger.WarnContext(ctx, "System instructions are empty, using fallback")
		instructions = fallbackInstructions
	}
	r.instructions = instructions
	r.state = state

	attrs := []any{
		"instructions_length", len(instructions),
		"has_summary", state != nil && state.Summary != "",
		"message_count", 0,
	}
	if state != nil {
		attrs[len(attrs)-1] = state.MessageCount
	}
	r.logger.InfoContext(ctx, "Configuration loaded", attrs...)
	return proceed
}

func (h *MessageHandler) generate(ctx context.Context, r *messageRun) stageResult {
	var summary *string
	if r.state != nil && r.state.Summary != "" {
		summary = &r.state.Summary
	}

	r.logger.InfoContext(ctx, "Generating AI response")
	response, err := h.generator.GenerateResponse(ctx, r.instructions, summary, r.msg.Content)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.logger.ErrorContext(ctx, "AI generation timed out", tint.Err(err))
		} else {
			r.logger.ErrorContext(ctx, "AI generation failed", tint.Err(err))
		}
		return abortWithReply(replyGenerationError)
	}

	r.response = response
	r.logger.InfoContext(
		ctx,
		"AI response generated",
		"response_length", utf8.RuneCountInString(response),
	)
	return proceed
}

func (h *MessageHandler) shape(ctx context.Context, r *messageRun) stageResult {
	r.response = shapeResponse(ctx, r.logger, r.response, h.config.MessageLimit)
	return proceed
}

// shapeResponse truncates text to fit within limit characters, replacing
// the tail with an ellipsis.
func shapeResponse(ctx context.Context, logger *slog.Logger, text string, limit int) string {
	length := utf8.RuneCountInString(text)
	if length <= limit {
		return text
	}
	logger.WarnContext(
		ctx,
		"Response exceeds Discord limit, truncating",
		"original_length", length,
		"limit", limit,
	)
	return truncate(text, limit-len(truncationSuffix)) + truncationSuffix
}

// deliver sends the reply. If it can't be sent, handling stops here, so
// a reply the user never saw isn't counted.
func (h *MessageHandler) deliver(ctx context.Context, r *messageRun) stageResult {
	if _, err := h.reply(r, r.response); err != nil {
		r.logger.ErrorContext(ctx, "Failed to send Discord message", tint.Err(err))
		return abortSilently()
	}
	r.logger.InfoContext(ctx, "Response sent successfully")
	return proceed
}

// bookkeep increments the message count, and replaces the conversation
// summary once enough messages have been sent. The reply has already
// been delivered, so failures (including panics) are only logged.
func (h *MessageHandler) bookkeep(ctx context.Context, r *messageRun) {
	defer func() {
		if rc := recover(); rc != nil {
			r.logger.ErrorContext(
				ctx,
				"Recovered from panic in bookkeeping (non-fatal)",
				"panic", rc,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := h.store.IncrementMessageCount(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Failed to increment message count (non-fatal)", tint.Err(err))
		return
	}

	state, err := h.store.GetConversationState(ctx)
	if err != nil || state == nil {
		return
	}
	if state.MessageCount < h.config.SummarizeEvery {
		return
	}

	r.logger.InfoContext(ctx, "Triggering summarization", "message_count", state.MessageCount)
	if err = h.summarize(ctx, r, state); err != nil {
		r.logger.ErrorContext(ctx, "Summarization failed (non-fatal)", tint.Err(err))
		return
	}
	r.logger.InfoContext(ctx, "Summarization complete")
}

func (h *MessageHandler) summarize(ctx context.Context, r *messageRun, state *ConversationState) error {
	recent := fmt.Sprintf(recentExchangeFormat, r.msg.Content, r.response)
	summary, err := h.generator.GenerateSummary(ctx, state.Summary, recent)
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "Summary generated", "summary_length", utf8.RuneCountInString(summary))
	return h.store.UpdateConversationSummary(ctx, summary)
}

func (h *MessageHandler) recoverPanic(ctx context.Context, r *messageRun, rc any) {
	attrs := []any{"stack", string(debug.Stack())}
	switch rv := rc.(type) {
	case error:
		attrs = append(attrs, tint.Err(rv))
	default:
		attrs = append(attrs, "panic", rv)
	}
	r.logger.ErrorContext(ctx, "Unexpected error handling message", attrs...)

	if _, err := h.reply(r, replyUnexpectedError); err != nil {
		r.logger.ErrorContext(ctx, "Failed to send error message to user", tint.Err(err))
	}
}

// messageMentionsUser returns true if the given user is among the
// message's mentions.
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	for _, mention := range m.Mentions {
		if mention != nil && mention.ID == userID {
			return true
		}
	}
	return false
}
