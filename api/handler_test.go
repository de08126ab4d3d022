package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtmprelay/config"
	"rtmprelay/destination"
	"rtmprelay/ffmpeg"
	"rtmprelay/logging"
	"rtmprelay/media"
	"rtmprelay/playback"
)

type mockPlayer struct {
	mu        sync.Mutex
	submitted []playback.Item
	submitErr error
	stop      playback.StopResult
	skip      playback.SkipResult
	snapshot  playback.ChatStatus
}

func (m *mockPlayer) Submit(_ context.Context, item playback.Item) (playback.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return playback.SubmitResult{Status: playback.StatusPreconditionFailed, Item: item}, m.submitErr
	}
	m.submitted = append(m.submitted, item)
	if len(m.submitted) == 1 {
		return playback.SubmitResult{Status: playback.StatusNowPlaying, Item: item}, nil
	}
	return playback.SubmitResult{Status: playback.StatusEnqueued, Item: item, Position: len(m.submitted) - 1}, nil
}

func (m *mockPlayer) StopAll(context.Context, int64) (playback.StopResult, error) {
	return m.stop, nil
}

func (m *mockPlayer) Skip(context.Context, int64) (playback.SkipResult, error) {
	return m.skip, nil
}

func (m *mockPlayer) Snapshot(int64) playback.ChatStatus {
	return m.snapshot
}

func (m *mockPlayer) items() []playback.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]playback.Item(nil), m.submitted...)
}

type fakeResolver struct {
	res media.Resolved
	err error
	got []media.Request
}

func (f *fakeResolver) Resolve(_ context.Context, req media.Request) (media.Resolved, error) {
	f.got = append(f.got, req)
	return f.res, f.err
}

type testEnv struct {
	router  *gin.Engine
	cfg     *config.Config
	fetcher *media.Fetcher
	reg     *destination.Registry
	player  *mockPlayer
	search  *fakeResolver
	audit   *bytes.Buffer
	events  *EventLog
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		AuthEnable:     false,
		AuthKey:        "secret",
		ResolveTimeout: 5 * time.Second,
	}
	builder, err := ffmpeg.NewCommandBuilder("ffmpeg", "")
	require.NoError(t, err)
	fetcher, err := media.NewFetcher(t.TempDir(), 1<<20)
	require.NoError(t, err)

	env := &testEnv{
		cfg:     cfg,
		fetcher: fetcher,
		reg:     destination.NewRegistry("rtmp://live.example.com/app"),
		player:  &mockPlayer{},
		search:  &fakeResolver{res: media.Resolved{
			Source:          media.Source{Location: "https://cdn.example.com/stream"},
			Title:           "Found it",
			DurationSeconds: 3725,
		}},
		audit:   &bytes.Buffer{},
		events:  NewEventLog(5),
	}
	h := NewHandler(cfg, Deps{
		Destinations: env.reg,
		Player:       env.player,
		Builder:      builder,
		Fetcher:      fetcher,
		Direct:       media.Direct{},
		Search:       env.search,
		Auditor:      logging.NewAuditorTo(env.audit),
		Events:       env.events,
		Logger:       logging.Nop(),
	})
	env.router = SetupRouter(cfg, h)
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestHandleSetKey(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do("PUT", "/api/v1/chats/-100/key", `{"key": "abc"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	url, ok := env.reg.Get(-100)
	assert.True(t, ok)
	assert.Equal(t, "rtmp://live.example.com/app/abc", url)
	assert.Contains(t, env.audit.String(), logging.ActionKeySet)
	assert.NotContains(t, env.audit.String(), "abc", "keys stay out of the audit trail")

	w = env.do("PUT", "/api/v1/chats/-100/key", `{"key": "  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do("PUT", "/api/v1/chats/not-a-number/key", `{"key": "abc"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do("DELETE", "/api/v1/chats/-100/key", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.reg.Has(-100))
}

func TestHandleDirect_WithoutKey(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do("POST", "/api/v1/chats/7/uplay", `{"url": "https://cdn.example.com/a.mp4"}`)

	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, "precondition_failed", decode(t, w)["status"])
	assert.Empty(t, env.player.items())
	assert.Contains(t, env.audit.String(), logging.ActionRejected)
}

func TestHandleFetch_WithoutKeyNeverDownloads(t *testing.T) {
	env := setupTestRouter(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "media")
	}))
	defer srv.Close()

	w := env.do("POST", "/api/v1/chats/7/fetch", fmt.Sprintf(`{"url": %q}`, srv.URL+"/a.mp4"))

	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Zero(t, hits.Load())
}

func TestHandleDirect_PlaysThenQueues(t *testing.T) {
	env := setupTestRouter(t)
	env.reg.Set(7, "streamkey")

	w := env.do("POST", "/api/v1/chats/7/uplay", `{"url": "https://cdn.example.com/a.mp4", "requester": "alice"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, "now_playing", resp["status"])
	item := resp["item"].(map[string]any)
	assert.Equal(t, "Direct URL", item["title"])
	assert.Equal(t, "Unknown", item["duration"])

	w = env.do("POST", "/api/v1/chats/7/uplay", `{"url": "rtmp://origin.example.com/live/x", "mode": "audio"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp = decode(t, w)
	assert.Equal(t, "enqueued", resp["status"])
	assert.Equal(t, float64(1), resp["position"])

	items := env.player.items()
	require.Len(t, items, 2)
	first := items[0]
	assert.Equal(t, "alice", first.Requester)
	assert.False(t, first.Source.Owned)
	assert.Equal(t, "rtmp://live.example.com/app/streamkey", first.Command[len(first.Command)-1])
	assert.Contains(t, first.Command, "https://cdn.example.com/a.mp4")
	assert.Contains(t, items[1].Command, "-vn")
	assert.Contains(t, env.audit.String(), logging.ActionQueued)
}

func TestHandleDirect_BadInput(t *testing.T) {
	env := setupTestRouter(t)
	env.reg.Set(7, "streamkey")

	w := env.do("POST", "/api/v1/chats/7/uplay", `{"url": "file:///etc/passwd"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do("POST", "/api/v1/chats/7/uplay", `{"url": "https://cdn.example.com/a.mp4", "mode": "karaoke"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do("POST", "/api/v1/chats/7/uplay", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.player.items())
}

func TestHandleSearch(t *testing.T) {
	env := setupTestRouter(t)
	env.reg.Set(7, "streamkey")

	w := env.do("POST", "/api/v1/chats/7/ytplay", `{"query": "lofi beats", "mode": "video"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	item := decode(t, w)["item"].(map[string]any)
	assert.Equal(t, "Found it", item["title"])
	assert.Equal(t, "1:02:05", item["duration"])

	require.Len(t, env.search.got, 1)
	assert.Equal(t, media.Request{Query: "lofi beats", Video: true}, env.search.got[0])
}

func TestHandleSearch_NotFound(t *testing.T) {
	env := setupTestRouter(t)
	env.reg.Set(7, "streamkey")
	env.search.err = fmt.Errorf("%w: no results", media.ErrNotFound)

	w := env.do("POST", "/api/v1/chats/7/ytplay", `{"query": "zzzz"}`)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, env.player.items())
}

func uploadRequest(t *testing.T, fields map[string]string, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", "clip.mp4")
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, _ := http.NewRequest("POST", "/api/v1/chats/7/play", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHandleUpload(t *testing.T) {
	env := setupTestRouter(t)
	env.reg.Set(7, "streamkey")

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(t, map[string]string{
		"title": "Holiday clip", "duration": "65", "mode": "audio",
	}, "fake media bytes"))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	item := decode(t, w)["item"].(map[string]any)
	assert.Equal(t, "Holiday clip", item["title"])
	assert.Equal(t, "1:05", item["duration"])

	items := env.player.items()
	require.Len(t, items, 1)
	assert.True(t, items[0].Source.Owned)
	assert.FileExists(t, items[0].Source.Location)
	assert.Equal(t, ffmpeg.ModeAudio, items[0].Mode)
}

func TestHandleUpload_RejectedSubmissionDeletesFile(t *testing.T) {
	env := setupTestRouter(t)
	env.reg.Set(7, "streamkey")
	env.player.submitErr = playback.ErrNoDestination

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(t, nil, "fake media bytes"))

	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	entries, err := os.ReadDir(env.fetcher.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "the temporary upload is removed")
}

func TestHandleUpload_MissingFile(t *testing.T) {
	env := setupTestRouter(t)
	env.reg.Set(7, "streamkey")

	w := env.do("POST", "/api/v1/chats/7/play", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStopAndSkip(t *testing.T) {
	env := setupTestRouter(t)
	playing := playback.Item{ID: "a", Title: "Song", DurationSeconds: 59}
	next := playback.Item{ID: "b", Title: "Next"}
	env.player.stop = playback.StopResult{Status: playback.StatusStopped, Stopped: &playing, Cleared: 2}
	env.player.skip = playback.SkipResult{Status: playback.StatusSkipped, Skipped: &playing, Next: &next}

	w := env.do("POST", "/api/v1/chats/7/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "stopped", resp["status"])
	assert.Equal(t, float64(2), resp["cleared"])
	assert.Equal(t, "0:59", resp["stopped"].(map[string]any)["duration"])

	w = env.do("POST", "/api/v1/chats/7/skip", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode(t, w)
	assert.Equal(t, "skipped", resp["status"])
	assert.Equal(t, "Next", resp["next"].(map[string]any)["title"])

	assert.Contains(t, env.audit.String(), logging.ActionStopped)
	assert.Contains(t, env.audit.String(), logging.ActionSkipped)
}

func TestHandleQueue(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do("GET", "/api/v1/chats/7/queue", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "queue_empty", decode(t, w)["status"])

	playing := playback.Item{ID: "a", Title: "Song", DurationSeconds: 200}
	env.player.snapshot = playback.ChatStatus{
		ChatID:     7,
		Active:     true,
		Process:    &ffmpeg.ProcessInfo{PID: 99, State: ffmpeg.StateRunning},
		NowPlaying: &playing,
		Queue:      []playback.Item{{ID: "b", Title: "Second"}, {ID: "c", Title: "Third", DurationSeconds: 4000}},
	}
	w = env.do("GET", "/api/v1/chats/7/queue", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "3:20", resp["nowPlaying"].(map[string]any)["duration"])
	queue := resp["queue"].([]any)
	require.Len(t, queue, 2)
	assert.Equal(t, "1:06:40", queue[1].(map[string]any)["duration"])
}

func TestHandleEvents(t *testing.T) {
	env := setupTestRouter(t)
	it := playback.Item{Title: "Song", DurationSeconds: 61}
	for i := 0; i < 7; i++ {
		env.events.HandleEvent(playback.Event{Kind: playback.EventStarted, ChatID: 7, Item: &it, At: time.Now()})
	}
	env.events.HandleEvent(playback.Event{
		Kind: playback.EventFailed, ChatID: 7, Item: &it,
		Exit: &ffmpeg.Exit{Code: 1}, Err: fmt.Errorf("exit status 1"), At: time.Now(),
	})

	w := env.do("GET", "/api/v1/chats/7/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	events := decode(t, w)["events"].([]any)
	require.Len(t, events, 5, "history is capped")
	last := events[4].(map[string]any)
	assert.Equal(t, "failed", last["kind"])
	assert.Equal(t, float64(1), last["exitCode"])
	assert.Equal(t, "1:01", last["duration"])
}

func TestAuthMiddleware(t *testing.T) {
	env := setupTestRouter(t)
	env.cfg.AuthEnable = true

	w := env.do("GET", "/api/v1/chats/7/queue", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	for header, code := range map[string]int{
		"Bearer wrong":  http.StatusUnauthorized,
		"Basic secret":  http.StatusUnauthorized,
		"Bearer secret": http.StatusOK,
	} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/chats/7/queue", nil)
		req.Header.Set("Authorization", header)
		env.router.ServeHTTP(w, req)
		assert.Equal(t, code, w.Code, header)
	}

	w = env.do("GET", "/ping", "")
	assert.Equal(t, http.StatusOK, w.Code, "ping is public")
	assert.Equal(t, "pong", decode(t, w)["message"])
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do("GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	w = env.do("GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
