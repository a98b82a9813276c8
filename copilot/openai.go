package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	chatPurposeResponse = "response"
	chatPurposeSummary  = "summary"

	summarizerSystemPrompt = `You are a conversation summarizer. Your job is to create concise, informative summaries of Discord conversations.

Rules:
- Keep summaries under 200 words
- Focus on key topics, decisions, and context
- Preserve important details
- Use clear, neutral language
- If the existing summary is empty, just summarize the recent context`

	summaryPromptCombine = "Existing summary: %s\n\nRecent conversation:\n%s\n\nCreate a condensed summary that combines both."
	summaryPromptFresh   = "Recent conversation:\n%s\n\nCreate a concise summary."

	chatLogBodyLimit = 16000
)

var (
	ErrEmptyResponse        = errors.New("AI returned empty response")
	ErrEmptySummaryResponse = errors.New("AI returned empty summary")
)

// ChatCompletionClient is the part of the OpenAI client used by the bot.
// *openai.Client satisfies it.
type ChatCompletionClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// ChatLogWriter persists a record of each chat completion request
type ChatLogWriter interface {
	SaveChatCompletionLog(ctx context.Context, rec *ChatCompletionLog) error
}

// ChatCompletionLog records a single chat completion request, and its
// response or error.
type ChatCompletionLog struct {
	ModelUintID
	ModelUnixTime
	Purpose          string  `gorm:"index;not null" json:"purpose"`
	Model            string  `json:"model"`
	ChannelID        string  `gorm:"index" json:"channel_id,omitempty"`
	MessageID        string  `json:"message_id,omitempty"`
	RequestStarted   int64   `json:"request_started"`
	RequestEnded     int64   `json:"request_ended"`
	RequestBody      string  `gorm:"type:text" json:"request_body"`
	ResponseBody     string  `gorm:"type:text" json:"response_body"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Error            *string `json:"error,omitempty"`
}

// OpenAI generates replies and summaries using a chat completion
// endpoint.
type OpenAI struct {
	client         ChatCompletionClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	chatLog        ChatLogWriter
	mu             sync.RWMutex // protects requestLimiter
}

func newOpenAI(
	config *OpenAIConfig,
	handler slog.Handler,
	httpClient *http.Client,
) *OpenAI {
	o := &OpenAI{
		config: config,
		logger: slog.New(handler).With(loggerNameKey, "openai"),
	}

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)
	o.SetRequestLimit(config.RequestsPerSecond)

	return o
}

// SetRequestLimit replaces the request limiter. A limit of 0 or less
// disables it.
func (o *OpenAI) SetRequestLimit(requestsPerSecond float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if requestsPerSecond <= 0 {
		o.requestLimiter = nil
		return
	}
	o.requestLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
}

func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	o.mu.RLock()
	requestLimiter := o.requestLimiter
	o.mu.RUnlock()
	if requestLimiter == nil {
		return nil
	}
	return requestLimiter.Wait(ctx)
}

// GenerateResponse replies to message, given the system instructions and
// the optional conversation summary. The request is cancelled if it
// doesn't complete within the configured timeout.
func (o *OpenAI) GenerateResponse(
	ctx context.Context,
	instructions string,
	summary *string,
	message string,
) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	content, err := o.complete(
		ctx,
		chatPurposeResponse,
		AssembleContext(instructions, summary, message),
	)
	if err != nil {
		return "", err
	}
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}

// GenerateSummary condenses the existing summary and a recent exchange
// into a new summary. If existingSummary is blank, only the recent
// exchange is summarized.
func (o *OpenAI) GenerateSummary(
	ctx context.Context,
	existingSummary string,
	recentContext string,
) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	content, err := o.complete(
		ctx,
		chatPurposeSummary,
		summaryMessages(existingSummary, recentContext),
	)
	if err != nil {
		return "", err
	}
	if content == "" {
		return "", ErrEmptySummaryResponse
	}
	return content, nil
}

func summaryMessages(existingSummary, recentContext string) []openai.ChatCompletionMessage {
	var prompt string
	if strings.TrimSpace(existingSummary) != "" {
		prompt = fmt.Sprintf(summaryPromptCombine, existingSummary, recentContext)
	} else {
		prompt = fmt.Sprintf(summaryPromptFresh, recentContext)
	}
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: summarizerSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}
}

// complete sends a non-streaming chat completion request, and returns
// the trimmed content of the first choice. An empty string is returned
// (without error) when the model produced no content.
func (o *OpenAI) complete(
	ctx context.Context,
	purpose string,
	messages []openai.ChatCompletionMessage,
) (string, error) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = o.logger
	}
	logger = logger.With("purpose", purpose, "model", o.config.Model)

	req := openai.ChatCompletionRequest{
		Model:    o.config.Model,
		Messages: messages,
	}
	if o.config.MaxTokens > 0 {
		req.MaxTokens = o.config.MaxTokens
	}
	if o.config.Temperature > 0 {
		req.Temperature = o.config.Temperature
	}

	rec := &ChatCompletionLog{
		Purpose: purpose,
		Model:   o.config.Model,
	}
	if m := messageFromContext(ctx); m != nil {
		rec.ChannelID = m.ChannelID
		rec.MessageID = m.ID
	}
	if data, err := json.Marshal(req); err == nil {
		rec.RequestBody = truncate(string(data), chatLogBodyLimit)
	}
	defer o.saveChatLog(ctx, logger, rec)

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		rec.setError(err)
		return "", fmt.Errorf("request limiter: %w", err)
	}

	rec.RequestStarted = time.Now().UnixMilli()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	rec.RequestEnded = time.Now().UnixMilli()
	if err != nil {
		rec.setError(err)
		logger.ErrorContext(ctx, "chat completion failed", tint.Err(err))
		return "", err
	}

	if data, e := json.Marshal(resp); e == nil {
		rec.ResponseBody = truncate(string(data), chatLogBodyLimit)
	}
	rec.PromptTokens = resp.Usage.PromptTokens
	rec.CompletionTokens = resp.Usage.CompletionTokens

	logger.DebugContext(
		ctx,
		"chat completion finished",
		"elapsed", time.Duration(rec.RequestEnded-rec.RequestStarted)*time.Millisecond,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"choices", len(resp.Choices),
	)

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// saveChatLog writes rec, if a ChatLogWriter is set. The write isn't
// bound to the request's deadline, so timed out requests are recorded too.
func (o *OpenAI) saveChatLog(ctx context.Context, logger *slog.Logger, rec *ChatCompletionLog) {
	if o.chatLog == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbOperationTimeout)
	defer cancel()
	if err := o.chatLog.SaveChatCompletionLog(saveCtx, rec); err != nil {
		logger.WarnContext(ctx, "error saving chat completion log", tint.Err(err))
	}
}

func (c *ChatCompletionLog) setError(err error) {
	s := err.Error()
	c.Error = &s
}

type messageContextKey struct{}

// withMessage attaches the Discord message being handled to ctx, so
// chat completion logs can reference it.
func withMessage(ctx context.Context, m *discordgo.Message) context.Context {
	return context.WithValue(ctx, messageContextKey{}, m)
}

func messageFromContext(ctx context.Context) *discordgo.Message {
	m, _ := ctx.Value(messageContextKey{}).(*discordgo.Message)
	return m
}
