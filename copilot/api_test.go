package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "correct-horse-battery"
)

type apiFixture struct {
	api      *API
	store    *Store
	notifier *localNotifier
	cookies  []*http.Cookie
}

func newTestAPIConfig() *APIConfig {
	cfg := DefaultConfig().API
	cfg.Secret = "test-secret"
	cfg.LogLevel = newLevelVar(slog.LevelDebug)
	return cfg
}

func newAPIFixture(t testing.TB) *apiFixture {
	t.Helper()
	store := newTestStore(t)
	notifier, err := newDBNotifier(dbTypeSQLite, "", store.DB(), slog.New(discardHandler))
	require.NoError(t, err)

	conversation := DefaultConfig().Conversation
	api, err := newAPI(store, notifier, newTestAPIConfig(), conversation, discardHandler)
	require.NoError(t, err)

	return &apiFixture{
		api:      api,
		store:    store,
		notifier: notifier.(*localNotifier),
	}
}

// request sends a request to the API, with any cookies from a previous
// login. body is JSON-encoded unless it's nil.
func (f *apiFixture) request(
	t testing.TB,
	method string,
	path string,
	body any,
) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, cookie := range f.cookies {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	f.api.engine.ServeHTTP(rec, req)
	return rec
}

// login creates the admin account and logs in, keeping the session cookie
func (f *apiFixture) login(t testing.TB) {
	t.Helper()
	require.NoError(
		t,
		f.store.SetAdminCredentials(context.Background(), testAdminUsername, testAdminPassword),
	)
	rec := f.request(
		t,
		http.MethodPost,
		"/api/login",
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	f.cookies = rec.Result().Cookies()
	require.NotEmpty(t, f.cookies)
}

func decodeJSON[T any](t testing.TB, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *apiFixture) notified() bool {
	select {
	case <-f.notifier.updates:
		return true
	default:
		return false
	}
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bot is alive!", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(xRequestIDHeader))
}

func TestAPI_RequestID(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	req.Header.Set(xRequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	f.api.engine.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(xRequestIDHeader))
}

func TestAPI_RequiresLogin(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/instructions"},
		{http.MethodPut, "/api/instructions"},
		{http.MethodGet, "/api/channels"},
		{http.MethodPost, "/api/channels"},
		{http.MethodPatch, "/api/channels/1"},
		{http.MethodDelete, "/api/channels/1"},
		{http.MethodGet, "/api/memory"},
		{http.MethodPost, "/api/memory/reset"},
		{http.MethodGet, "/api/chat_logs"},
		{http.MethodGet, "/api/logged_in"},
		{http.MethodPost, "/api/logout"},
	}
	for _, ep := range endpoints {
		t.Run(
			ep.method+" "+ep.path, func(t *testing.T) {
				rec := f.request(t, ep.method, ep.path, nil)
				assert.Equal(t, http.StatusUnauthorized, rec.Code)
				assert.Equal(t, msgUnauthorized, decodeJSON[httpError](t, rec).Error)
			},
		)
	}
}

func TestAPI_Setup(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodGet, "/api/setup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeJSON[setupResponse](t, rec).Required)

	rec = f.request(
		t, http.MethodPost, "/api/setup", adminSetupPayload{
			Username:        testAdminUsername,
			Password:        "short",
			ConfirmPassword: "short",
		},
	)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(
		t, http.MethodPost, "/api/setup", adminSetupPayload{
			Username:        testAdminUsername,
			Password:        testAdminPassword,
			ConfirmPassword: "something-else",
		},
	)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(
		t, http.MethodPost, "/api/setup", adminSetupPayload{
			Username:        testAdminUsername,
			Password:        testAdminPassword,
			ConfirmPassword: testAdminPassword,
		},
	)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.request(t, http.MethodGet, "/api/setup", nil)
	assert.False(t, decodeJSON[setupResponse](t, rec).Required)

	// Only allowed once
	rec = f.request(
		t, http.MethodPost, "/api/setup", adminSetupPayload{
			Username:        "intruder",
			Password:        "intruder-password",
			ConfirmPassword: "intruder-password",
		},
	)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	account, err := f.store.AdminAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testAdminUsername, account.Username)
}

func TestAPI_Login(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	// No account yet
	rec := f.request(
		t, http.MethodPost, "/api/login",
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	require.NoError(
		t,
		f.store.SetAdminCredentials(context.Background(), testAdminUsername, testAdminPassword),
	)

	rec = f.request(
		t, http.MethodPost, "/api/login",
		userLogin{Username: testAdminUsername, Password: "wrong-password"},
	)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Result().Cookies())

	rec = f.request(
		t, http.MethodPost, "/api/login",
		userLogin{Username: "someone-else", Password: testAdminPassword},
	)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.request(t, http.MethodPost, "/api/login", map[string]string{"username": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(
		t, http.MethodPost, "/api/login",
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testAdminUsername, decodeJSON[loggedInResponse](t, rec).Username)
	f.cookies = rec.Result().Cookies()

	rec = f.request(t, http.MethodGet, "/api/logged_in", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testAdminUsername, decodeJSON[loggedInResponse](t, rec).Username)

	rec = f.request(t, http.MethodPost, "/api/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	f.cookies = rec.Result().Cookies()

	rec = f.request(t, http.MethodGet, "/api/logged_in", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_LoginRateLimit(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	var limited bool
	for i := 0; i < loginRequestBurst+2; i++ {
		rec := f.request(
			t, http.MethodPost, "/api/login",
			userLogin{Username: "a", Password: "b"},
		)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	assert.True(t, limited)
}

func TestAPI_Instructions(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.login(t)

	rec := f.request(t, http.MethodGet, "/api/instructions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DefaultSystemInstructions, decodeJSON[SystemInstructions](t, rec).Content)

	rec = f.request(
		t, http.MethodPut, "/api/instructions",
		map[string]string{"content": "You are a pirate."},
	)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decodeJSON[instructionsResponse](t, rec)
	assert.Equal(t, "✓ System instructions saved successfully!", saved.Message)
	require.NotNil(t, saved.SystemInstructions)
	assert.Equal(t, "You are a pirate.", saved.Content)
	require.NotNil(t, saved.UpdatedBy)
	assert.Equal(t, testAdminUsername, *saved.UpdatedBy)

	instructions, err := f.store.GetSystemInstructions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "You are a pirate.", instructions)

	// content is required, but may be empty
	rec = f.request(t, http.MethodPut, "/api/instructions", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, http.MethodPatch, "/api/instructions", map[string]string{"content": ""})
	assert.Equal(t, http.StatusOK, rec.Code)
	instructions, err = f.store.GetSystemInstructions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultSystemInstructions, instructions)
}

func TestAPI_Channels(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.login(t)

	rec := f.request(t, http.MethodGet, "/api/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = f.request(
		t, http.MethodPost, "/api/channels",
		addChannelPayload{ChannelID: "123456789012345678", ChannelName: "general"},
	)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	added := decodeJSON[channelResponse](t, rec)
	assert.Equal(t, "✓ Channel added successfully!", added.Message)
	require.NotNil(t, added.AllowedChannel)
	assert.Equal(t, "123456789012345678", added.ChannelID)
	assert.True(t, added.Enabled)
	require.NotNil(t, added.AddedBy)
	assert.Equal(t, testAdminUsername, *added.AddedBy)
	assert.True(t, f.notified())

	testCases := []struct {
		name      string
		channelID string
		status    int
		message   string
	}{
		{"duplicate", "123456789012345678", http.StatusConflict, "This channel ID already exists."},
		{"empty", "  ", http.StatusBadRequest, "Channel ID is required."},
		{
			"invalid",
			"not-a-channel",
			http.StatusBadRequest,
			"Invalid channel ID. Must be 18-19 digits (Discord snowflake format).",
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				rec := f.request(
					t, http.MethodPost, "/api/channels",
					addChannelPayload{ChannelID: tc.channelID},
				)
				assert.Equal(t, tc.status, rec.Code)
				assert.Equal(t, tc.message, decodeJSON[httpError](t, rec).Error)
			},
		)
	}
	assert.False(t, f.notified())

	rec = f.request(t, http.MethodGet, "/api/channels", nil)
	channels := decodeJSON[[]AllowedChannel](t, rec)
	require.Len(t, channels, 1)
	id := channels[0].ID
	channelPath := fmt.Sprintf("/api/channels/%d", id)

	rec = f.request(t, http.MethodPatch, channelPath, map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "✓ Channel disabled successfully!", decodeJSON[httpReply](t, rec).Message)
	assert.True(t, f.notified())

	allowed, err := f.store.GetAllowedChannels(context.Background())
	require.NoError(t, err)
	assert.Empty(t, allowed)

	rec = f.request(t, http.MethodPatch, channelPath, map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "✓ Channel enabled successfully!", decodeJSON[httpReply](t, rec).Message)

	rec = f.request(t, http.MethodPatch, channelPath, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, http.MethodPatch, "/api/channels/abc", map[string]bool{"enabled": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, http.MethodPatch, "/api/channels/9999", map[string]bool{"enabled": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Channel not found.", decodeJSON[httpError](t, rec).Error)

	rec = f.request(t, http.MethodDelete, channelPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "✓ Channel removed successfully!", decodeJSON[httpReply](t, rec).Message)

	rec = f.request(t, http.MethodDelete, channelPath, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/channels", nil)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestAPI_Memory(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.login(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpdateConversationSummary(ctx, "We discussed boats."))
	require.NoError(t, f.store.IncrementMessageCount(ctx))
	require.NoError(t, f.store.IncrementMessageCount(ctx))

	rec := f.request(t, http.MethodGet, "/api/memory", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	memory := decodeJSON[memoryResponse](t, rec)
	assert.Equal(t, "We discussed boats.", memory.Summary)
	assert.Equal(t, 2, memory.MessageCount)
	assert.Equal(t, DefaultSummarizeEvery, memory.SummarizeEvery)
	assert.Equal(t, 10, memory.RefreshInterval)
	assert.NotZero(t, memory.UpdatedAt)

	rec = f.request(t, http.MethodPost, "/api/memory/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(
		t,
		"✓ Conversation memory reset successfully!",
		decodeJSON[httpReply](t, rec).Message,
	)

	rec = f.request(t, http.MethodGet, "/api/memory", nil)
	memory = decodeJSON[memoryResponse](t, rec)
	assert.Equal(t, DefaultConversationSummary, memory.Summary)
	assert.Equal(t, 0, memory.MessageCount)
}

func TestAPI_ChatLogs(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.login(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(
			t,
			f.store.SaveChatCompletionLog(
				ctx,
				&ChatCompletionLog{Purpose: chatPurposeResponse, MessageID: fmt.Sprintf("m%d", i)},
			),
		)
	}

	rec := f.request(t, http.MethodGet, "/api/chat_logs?limit=2&order=asc", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decodeJSON[chatLogsResponse](t, rec)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Logs, 2)
	assert.Equal(t, "m0", page.Logs[0].MessageID)

	rec = f.request(t, http.MethodGet, "/api/chat_logs", nil)
	page = decodeJSON[chatLogsResponse](t, rec)
	require.Len(t, page.Logs, 3)
	assert.Equal(t, "m2", page.Logs[0].MessageID)

	for _, query := range []string{"limit=101", "order=sideways", "offset=-1"} {
		rec = f.request(t, http.MethodGet, "/api/chat_logs?"+query, nil)
		assert.Equalf(t, http.StatusBadRequest, rec.Code, "query: %s", query)
	}
}

func TestAPI_Dashboard(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))

	rec = f.request(t, http.MethodGet, "/login", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	f.login(t)

	rec = f.request(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), testAdminUsername))

	rec = f.request(t, http.MethodGet, "/login", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestAPI_NotFound(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	rec := f.request(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Serve(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	cfg := newTestAPIConfig()
	cfg.Listen = "127.0.0.1:0"
	api, err := newAPI(store, nil, cfg, DefaultConfig().Conversation, discardHandler)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", cfg.Listen)
	require.NoError(t, err)
	api.listener = ln
	addr := ln.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- api.Serve(ctx)
	}()

	var resp *http.Response
	require.Eventually(
		t, func() bool {
			resp, err = http.Get("http://" + addr + "/healthz")
			return err == nil
		}, 5*time.Second, 10*time.Millisecond,
	)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "Bot is alive!", string(body))

	require.NoError(t, api.Shutdown(ctx))
	select {
	case err = <-serveErr:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for Serve to return")
	}
}
