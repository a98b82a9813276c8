package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	DefaultSystemInstructions  = "You are a helpful Discord assistant."
	DefaultConversationSummary = "No conversation history yet."

	columnSingleton    = "singleton"
	columnSummary      = "summary"
	columnMessageCount = "message_count"
	columnEnabled      = "enabled"
	columnChannelID    = "channel_id"
)

var channelIDPattern = regexp.MustCompile(`^\d{18,19}$`)

var (
	ErrChannelIDRequired = errors.New("channel ID is required")
	ErrInvalidChannelID  = errors.New("invalid channel ID: must be 18-19 digits")
	ErrChannelExists     = errors.New("channel ID already exists")
	ErrChannelNotFound   = errors.New("channel not found")
	ErrStateNotFound     = errors.New("conversation state not found")
	ErrEmptySummary      = errors.New("summary cannot be empty")
)

// SystemInstructions is the singleton row holding the bot's system prompt
type SystemInstructions struct {
	ModelUintID
	Singleton bool    `gorm:"uniqueIndex;not null" json:"-"`
	Content   string  `gorm:"type:text;not null" json:"content"`
	UpdatedBy *string `json:"updated_by"`
	ModelUnixTime
}

func (SystemInstructions) TableName() string {
	return "system_instructions"
}

// AllowedChannel is a channel the bot replies in without being mentioned
type AllowedChannel struct {
	ModelUintID
	ChannelID   string  `gorm:"uniqueIndex;not null" json:"channel_id"`
	ChannelName *string `json:"channel_name"`
	Enabled     bool    `gorm:"not null;index" json:"enabled"`
	AddedBy     *string `json:"added_by"`
	AddedAt     int64   `gorm:"autoCreateTime:milli;index" json:"added_at"`
	UpdatedAt   int64   `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

func (AllowedChannel) TableName() string {
	return "allowed_channels"
}

// ConversationState is the singleton row holding the rolling summary,
// and the number of replies sent since it was last replaced.
type ConversationState struct {
	ModelUintID
	Singleton    bool   `gorm:"uniqueIndex;not null" json:"-"`
	Summary      string `gorm:"type:text;not null" json:"summary"`
	MessageCount int    `gorm:"not null;default:0;check:message_count >= 0" json:"message_count"`
	ModelUnixTime
}

func (ConversationState) TableName() string {
	return "conversation_state"
}

// AdminAccount holds the dashboard login. Password is an argon2id hash.
type AdminAccount struct {
	ModelUintID
	Singleton bool   `gorm:"uniqueIndex;not null" json:"-"`
	Username  string `gorm:"not null" json:"username"`
	Password  string `gorm:"not null" json:"-"`
	ModelUnixTime
}

// ValidateChannelID trims the given channel ID and checks it is a
// Discord snowflake.
func ValidateChannelID(channelID string) (string, error) {
	channelID = strings.TrimSpace(channelID)
	switch {
	case channelID == "":
		return "", ErrChannelIDRequired
	case !channelIDPattern.MatchString(channelID):
		return "", ErrInvalidChannelID
	default:
		return channelID, nil
	}
}

// Store reads and writes the bot's persisted state. Reads of system
// instructions and allowed channels fall back to defaults on failure,
// since the bot can keep working without them. Writes always return
// their errors.
type Store struct {
	db     *database
	logger *slog.Logger
}

func NewStore(db *gorm.DB, logger *slog.Logger, concurrentWrites bool) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     newDatabase(db, logger, concurrentWrites),
		logger: logger.With(loggerNameKey, "store"),
	}
}

func (s *Store) DB() *gorm.DB {
	return s.db.DB()
}

func (s *Store) read(ctx context.Context) *gorm.DB {
	return s.db.DB().WithContext(ctx)
}

// Seed creates the singleton rows if they don't already exist.
func (s *Store) Seed(ctx context.Context) error {
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			instructions := SystemInstructions{
				Singleton: true,
				Content:   DefaultSystemInstructions,
			}
			if err := tx.Where(columnSingleton+" = ?", true).
				FirstOrCreate(&instructions).Error; err != nil {
				return fmt.Errorf("error seeding system instructions: %w", err)
			}

			state := ConversationState{
				Singleton: true,
				Summary:   DefaultConversationSummary,
			}
			if err := tx.Where(columnSingleton+" = ?", true).
				FirstOrCreate(&state).Error; err != nil {
				return fmt.Errorf("error seeding conversation state: %w", err)
			}
			return nil
		},
	)
}

// GetSystemInstructions returns the configured system prompt, or
// DefaultSystemInstructions if it's missing, empty or can't be read.
func (s *Store) GetSystemInstructions(ctx context.Context) (string, error) {
	var instructions SystemInstructions
	err := s.read(ctx).Where(columnSingleton+" = ?", true).Take(&instructions).Error
	if err != nil {
		s.logger.ErrorContext(
			ctx,
			"Failed to fetch system instructions",
			tint.Err(err),
			"fallback", DefaultSystemInstructions,
		)
		return DefaultSystemInstructions, nil
	}
	if strings.TrimSpace(instructions.Content) == "" {
		s.logger.WarnContext(ctx, "System instructions are empty, using default")
		return DefaultSystemInstructions, nil
	}
	return instructions.Content, nil
}

// SystemInstructionsRecord returns the full singleton row, for display.
func (s *Store) SystemInstructionsRecord(ctx context.Context) (*SystemInstructions, error) {
	var instructions SystemInstructions
	err := s.read(ctx).Where(columnSingleton+" = ?", true).Take(&instructions).Error
	if err != nil {
		return nil, err
	}
	return &instructions, nil
}

// UpdateSystemInstructions replaces the system prompt, creating the
// singleton row if needed.
func (s *Store) UpdateSystemInstructions(
	ctx context.Context,
	content string,
	updatedBy string,
) error {
	var editor *string
	if updatedBy != "" {
		editor = &updatedBy
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var instructions SystemInstructions
			err := tx.Where(columnSingleton+" = ?", true).Take(&instructions).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				return tx.Create(
					&SystemInstructions{
						Singleton: true,
						Content:   content,
						UpdatedBy: editor,
					},
				).Error
			case err != nil:
				return err
			}
			return tx.Model(&instructions).Updates(
				map[string]any{
					"content":    content,
					"updated_by": editor,
				},
			).Error
		},
	)
}

// GetAllowedChannels returns the IDs of all enabled channels. If they
// can't be read, an empty list is returned.
func (s *Store) GetAllowedChannels(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.read(ctx).Model(&AllowedChannel{}).
		Where(columnEnabled+" = ?", true).
		Pluck(columnChannelID, &ids).Error
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to fetch allowed channels", tint.Err(err))
		return []string{}, nil
	}
	return ids, nil
}

// ListChannels returns all channels, most recently added first.
func (s *Store) ListChannels(ctx context.Context) ([]AllowedChannel, error) {
	var channels []AllowedChannel
	err := s.read(ctx).Order("added_at DESC").Order("id DESC").Find(&channels).Error
	return channels, err
}

// AddChannel validates and inserts a new, enabled channel. An empty
// name is stored as null.
func (s *Store) AddChannel(
	ctx context.Context,
	channelID string,
	name string,
	addedBy string,
) (*AllowedChannel, error) {
	channelID, err := ValidateChannelID(channelID)
	if err != nil {
		return nil, err
	}

	channel := &AllowedChannel{
		ChannelID: channelID,
		Enabled:   true,
	}
	if name = strings.TrimSpace(name); name != "" {
		channel.ChannelName = &name
	}
	if addedBy != "" {
		channel.AddedBy = &addedBy
	}

	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var existing int64
			if e := tx.Model(&AllowedChannel{}).
				Where(columnChannelID+" = ?", channelID).
				Count(&existing).Error; e != nil {
				return e
			}
			if existing > 0 {
				return ErrChannelExists
			}
			return tx.Create(channel).Error
		},
	)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		err = ErrChannelExists
	}
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(
		ctx,
		"Channel added",
		"channel_id", channel.ChannelID,
		"added_by", addedBy,
	)
	return channel, nil
}

// SetChannelEnabled toggles the channel with the given row ID.
func (s *Store) SetChannelEnabled(ctx context.Context, id uint, enabled bool) error {
	rows, err := s.db.UpdatesWhere(
		ctx,
		&AllowedChannel{},
		map[string]any{columnEnabled: enabled},
		"id = ?",
		id,
	)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// DeleteChannel removes the channel with the given row ID.
func (s *Store) DeleteChannel(ctx context.Context, id uint) error {
	rows, err := s.db.Delete(ctx, &AllowedChannel{}, id)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// GetConversationState returns the conversation state row. On failure,
// the state is nil and the error is returned, so callers can tell a
// missing state apart from an empty one.
func (s *Store) GetConversationState(ctx context.Context) (*ConversationState, error) {
	var state ConversationState
	err := s.read(ctx).Where(columnSingleton+" = ?", true).Take(&state).Error
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to fetch conversation state", tint.Err(err))
		return nil, err
	}
	return &state, nil
}

// IncrementMessageCount adds one to the message counter.
//
// This is a read followed by a write, not an atomic increment, so two
// concurrent calls can both write the same value.
func (s *Store) IncrementMessageCount(ctx context.Context) error {
	state, err := s.GetConversationState(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStateNotFound, err)
	}
	if state == nil {
		return ErrStateNotFound
	}

	newCount := state.MessageCount + 1
	if _, err = s.db.UpdatesWhere(
		ctx,
		&ConversationState{},
		map[string]any{columnMessageCount: newCount},
		columnSingleton+" = ?",
		true,
	); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Message count incremented", "new_count", newCount)
	return nil
}

// UpdateConversationSummary replaces the rolling summary and resets the
// message counter to zero.
func (s *Store) UpdateConversationSummary(ctx context.Context, summary string) error {
	if strings.TrimSpace(summary) == "" {
		return ErrEmptySummary
	}
	if err := s.writeState(ctx, summary); err != nil {
		return err
	}
	s.logger.InfoContext(
		ctx,
		"Conversation summary updated and message count reset",
		"summary_length", len(summary),
	)
	return nil
}

// ResetConversation clears the conversation memory back to its initial
// placeholder. Calling it repeatedly has the same effect as calling it once.
func (s *Store) ResetConversation(ctx context.Context) error {
	if err := s.writeState(ctx, DefaultConversationSummary); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Conversation memory reset")
	return nil
}

func (s *Store) writeState(ctx context.Context, summary string) error {
	rows, err := s.db.UpdatesWhere(
		ctx,
		&ConversationState{},
		map[string]any{
			columnSummary:      summary,
			columnMessageCount: 0,
		},
		columnSingleton+" = ?",
		true,
	)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStateNotFound
	}
	return nil
}

// AdminAccount returns the dashboard account, or nil if none has been
// set up yet.
func (s *Store) AdminAccount(ctx context.Context) (*AdminAccount, error) {
	var account AdminAccount
	err := s.read(ctx).Where(columnSingleton+" = ?", true).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// SetAdminCredentials creates or replaces the dashboard account.
func (s *Store) SetAdminCredentials(
	ctx context.Context,
	username string,
	password string,
) error {
	hashed, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			account := AdminAccount{Singleton: true}
			if e := tx.Where(columnSingleton+" = ?", true).
				Attrs(AdminAccount{Username: username, Password: hashed}).
				FirstOrCreate(&account).Error; e != nil {
				return e
			}
			return tx.Model(&account).Updates(
				map[string]any{
					"username": username,
					"password": hashed,
				},
			).Error
		},
	)
}

func (s *Store) SaveChatCompletionLog(ctx context.Context, rec *ChatCompletionLog) error {
	_, err := s.db.Create(ctx, rec)
	return err
}

// ChatCompletionLogs returns a page of chat completion logs, along with
// the total number of logs.
func (s *Store) ChatCompletionLogs(
	ctx context.Context,
	limit int,
	offset int,
	ascending bool,
) ([]ChatCompletionLog, int64, error) {
	var total int64
	if err := s.read(ctx).Model(&ChatCompletionLog{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at DESC, id DESC"
	if ascending {
		order = "created_at ASC, id ASC"
	}
	var logs []ChatCompletionLog
	err := s.read(ctx).Order(order).Limit(limit).Offset(offset).Find(&logs).Error
	return logs, total, err
}
