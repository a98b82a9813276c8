package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// recordBuffer collects JSON log records
type recordBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *recordBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *recordBuffer) Records(t testing.TB) []map[string]any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(r.buf.String()), "\n") {
		if line == "" {
			continue
		}
		rec := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records = append(records, rec)
	}
	return records
}

func newRecordHandler() (*recordBuffer, slog.Handler) {
	rb := &recordBuffer{}
	return rb, slog.NewJSONHandler(rb, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func TestGORMLogger_Trace(t *testing.T) {
	t.Parallel()
	rb, handler := newRecordHandler()
	g := newGORMLogger(handler, 100*time.Millisecond)
	ctx := context.Background()

	fc := func(rows int64) func() (string, int64) {
		return func() (string, int64) {
			return "SELECT 1", rows
		}
	}

	g.Trace(ctx, time.Now(), fc(1), nil)
	g.Trace(ctx, time.Now().Add(-time.Second), fc(-1), nil)
	g.Trace(ctx, time.Now(), fc(0), errors.New("no such table"))
	g.Trace(ctx, time.Now(), fc(0), gorm.ErrRecordNotFound)

	records := rb.Records(t)
	require.Len(t, records, 4)

	assert.Equal(t, "sql completed", records[0]["msg"])
	assert.Equal(t, "DEBUG", records[0]["level"])
	assert.Equal(t, "gorm", records[0][loggerNameKey])
	assert.Equal(t, "SELECT 1", records[0]["sql"])
	assert.EqualValues(t, 1, records[0]["rows"])

	assert.Equal(t, "slow sql", records[1]["msg"])
	assert.Equal(t, "WARN", records[1]["level"])
	assert.Equal(t, "-", records[1]["rows"])

	assert.Equal(t, "sql error", records[2]["msg"])
	assert.Equal(t, "WARN", records[2]["level"])

	assert.Equal(t, "sql completed", records[3]["msg"])
}

func TestGORMLogger_LogMode(t *testing.T) {
	t.Parallel()
	_, handler := newRecordHandler()
	g := newGORMLogger(handler, 0)
	assert.Same(t, g, g.LogMode(0))
}

func TestDiscordgoLoggerFunc(t *testing.T) {
	t.Parallel()
	rb, handler := newRecordHandler()
	logFunc := discordgoLoggerFunc(context.Background(), handler)

	logFunc(discordgo.LogError, 1, "error reading from gateway: %s\n", "EOF")
	logFunc(discordgo.LogDebug, 1, "heartbeat")
	logFunc(99, 1, "unknown level")

	records := rb.Records(t)
	require.Len(t, records, 3)
	assert.Equal(t, "ERROR", records[0]["level"])
	assert.Equal(t, "error reading from gateway: EOF", records[0]["msg"])
	assert.Equal(t, "discordgo", records[0][loggerNameKey])
	assert.Equal(t, "DEBUG", records[1]["level"])
	assert.Equal(t, "INFO", records[2]["level"])
}
