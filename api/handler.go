package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"rtmprelay/config"
	"rtmprelay/destination"
	"rtmprelay/ffmpeg"
	"rtmprelay/logging"
	"rtmprelay/media"
	"rtmprelay/playback"
)

// Player is the playback surface the handlers drive.
type Player interface {
	Submit(ctx context.Context, item playback.Item) (playback.SubmitResult, error)
	StopAll(ctx context.Context, chatID int64) (playback.StopResult, error)
	Skip(ctx context.Context, chatID int64) (playback.SkipResult, error)
	Snapshot(chatID int64) playback.ChatStatus
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Destinations *destination.Registry
	Player       Player
	Builder      *ffmpeg.CommandBuilder
	Fetcher      *media.Fetcher
	Direct       media.Resolver
	Search       media.Resolver
	Auditor      *logging.Auditor
	Events       *EventLog
	Logger       zerolog.Logger
}

type Handler struct {
	cfg     *config.Config
	deps    Deps
	started time.Time
}

func NewHandler(cfg *config.Config, deps Deps) *Handler {
	if deps.Events == nil {
		deps.Events = NewEventLog(0)
	}
	if deps.Auditor == nil {
		deps.Auditor = logging.NewAuditorTo(io.Discard)
	}
	return &Handler{cfg: cfg, deps: deps, started: time.Now()}
}

type KeyRequest struct {
	Key       string `json:"key" binding:"required"`
	Requester string `json:"requester"`
}

type URLRequest struct {
	URL       string `json:"url" binding:"required"`
	Mode      string `json:"mode"`
	Requester string `json:"requester"`
}

type SearchRequest struct {
	Query     string `json:"query" binding:"required"`
	Mode      string `json:"mode"`
	Requester string `json:"requester"`
}

type ItemView struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Duration  string      `json:"duration"`
	Thumbnail string      `json:"thumbnail,omitempty"`
	Mode      ffmpeg.Mode `json:"mode"`
	Requester string      `json:"requester,omitempty"`
}

func newItemView(it *playback.Item) *ItemView {
	if it == nil {
		return nil
	}
	return &ItemView{
		ID:        it.ID,
		Title:     it.Title,
		Duration:  durationLabel(it.DurationSeconds),
		Thumbnail: it.Thumbnail,
		Mode:      it.Mode,
		Requester: it.Requester,
	}
}

func durationLabel(seconds int) string {
	if seconds <= 0 {
		return "Unknown"
	}
	return media.FormatDuration(seconds)
}

// resolveFunc produces the media for a submission once its preconditions hold.
type resolveFunc func(ctx context.Context) (media.Resolved, error)

func chatIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("chatId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid chat id"})
		return 0, false
	}
	return id, true
}

func actor(c *gin.Context, requester string) string {
	if r := strings.TrimSpace(requester); r != "" {
		return r
	}
	return "api:" + c.ClientIP()
}

// handleSetKey registers or replaces the chat's stream key.
func (h *Handler) handleSetKey(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req KeyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Key) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A non-empty key is required"})
		return
	}

	h.deps.Destinations.Set(chatID, req.Key)
	h.deps.Auditor.Log(logging.AuditEvent{
		Action: logging.ActionKeySet,
		Actor:  actor(c, req.Requester),
		ChatID: chatID,
	})
	c.JSON(http.StatusOK, gin.H{"message": "RTMP key set"})
}

// handleDeleteKey forgets the chat's stream key.
func (h *Handler) handleDeleteKey(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	h.deps.Destinations.Delete(chatID)
	h.deps.Auditor.Log(logging.AuditEvent{
		Action:  logging.ActionKeySet,
		Actor:   actor(c, c.Query("requester")),
		ChatID:  chatID,
		Details: map[string]string{"removed": "true"},
	})
	c.JSON(http.StatusOK, gin.H{"message": "RTMP key removed"})
}

// handleUpload queues an uploaded media file.
func (h *Handler) handleUpload(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	mode, requester := c.PostForm("mode"), c.PostForm("requester")

	h.enqueue(c, chatID, mode, requester, "upload", func(context.Context) (media.Resolved, error) {
		fh, err := c.FormFile("file")
		if err != nil {
			return media.Resolved{}, fmt.Errorf("%w: multipart field \"file\" is required", media.ErrUnsupported)
		}
		f, err := fh.Open()
		if err != nil {
			return media.Resolved{}, fmt.Errorf("%w: %v", media.ErrUnsupported, err)
		}
		defer f.Close()

		res, err := h.deps.Fetcher.Save(f, fh.Filename)
		if err != nil {
			return media.Resolved{}, err
		}
		if title := strings.TrimSpace(c.PostForm("title")); title != "" {
			res.Title = title
		}
		if d, err := strconv.Atoi(c.PostForm("duration")); err == nil && d > 0 {
			res.DurationSeconds = d
		}
		return res, nil
	})
}

// handleDirect queues a remote URL handed to the transcoder as is.
func (h *Handler) handleDirect(c *gin.Context) {
	h.handleURL(c, "direct", h.deps.Direct)
}

// handleFetch downloads a remote URL, then queues the local copy.
func (h *Handler) handleFetch(c *gin.Context) {
	h.handleURL(c, "fetch", h.deps.Fetcher)
}

func (h *Handler) handleURL(c *gin.Context, source string, resolver media.Resolver) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req URLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.enqueue(c, chatID, req.Mode, req.Requester, source, func(ctx context.Context) (media.Resolved, error) {
		mode, _ := ffmpeg.ParseMode(req.Mode)
		return resolver.Resolve(ctx, media.Request{Query: req.URL, Video: mode == ffmpeg.ModeVideo})
	})
}

// handleSearch resolves a search term or page URL through the extractor.
func (h *Handler) handleSearch(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.enqueue(c, chatID, req.Mode, req.Requester, "search", func(ctx context.Context) (media.Resolved, error) {
		mode, _ := ffmpeg.ParseMode(req.Mode)
		return h.deps.Search.Resolve(ctx, media.Request{Query: req.Query, Video: mode == ffmpeg.ModeVideo})
	})
}

// enqueue checks the destination before any download happens, then
// resolves, builds the command and submits the item.
func (h *Handler) enqueue(c *gin.Context, chatID int64, rawMode, requester, source string, resolve resolveFunc) {
	who := actor(c, requester)
	mode, err := ffmpeg.ParseMode(rawMode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	destURL, ok := h.deps.Destinations.Get(chatID)
	if !ok {
		h.reject(c, chatID, who, source, playback.ErrNoDestination)
		return
	}

	ctx := c.Request.Context()
	if h.cfg.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.ResolveTimeout)
		defer cancel()
	}
	res, err := resolve(ctx)
	if err != nil {
		h.reject(c, chatID, who, source, err)
		return
	}

	argv := h.deps.Builder.Build(res.Source.Location, destURL, mode)
	item := playback.NewItem(chatID, res, argv, mode, who)

	result, err := h.deps.Player.Submit(c.Request.Context(), item)
	var launchErr *ffmpeg.LaunchError
	switch {
	case errors.As(err, &launchErr):
		// The supervisor already deleted the file.
	case err != nil:
		h.discard(item)
		h.reject(c, chatID, who, source, err)
		return
	}

	h.deps.Auditor.Log(logging.AuditEvent{
		Action:   logging.ActionQueued,
		Actor:    who,
		ChatID:   chatID,
		Title:    item.Title,
		Duration: durationLabel(item.DurationSeconds),
		Details: map[string]string{
			"source": source,
			"mode":   string(mode),
			"status": string(result.Status),
		},
	})

	body := gin.H{"status": result.Status, "item": newItemView(&item)}
	switch result.Status {
	case playback.StatusNowPlaying:
		c.JSON(http.StatusOK, body)
	case playback.StatusLaunchFailed:
		body["error"] = err.Error()
		c.JSON(http.StatusBadGateway, body)
	default:
		body["position"] = result.Position
		c.JSON(http.StatusAccepted, body)
	}
}

// reject answers a submission that never made it into the queue.
func (h *Handler) reject(c *gin.Context, chatID int64, who, source string, err error) {
	code, status := http.StatusBadGateway, ""
	switch {
	case errors.Is(err, playback.ErrNoDestination):
		code, status = http.StatusPreconditionFailed, string(playback.StatusPreconditionFailed)
	case errors.Is(err, playback.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		code = http.StatusGatewayTimeout
	case errors.Is(err, media.ErrUnsupported):
		code = http.StatusBadRequest
	case errors.Is(err, media.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, media.ErrTooLarge):
		code = http.StatusRequestEntityTooLarge
	}

	h.deps.Auditor.Log(logging.AuditEvent{
		Action:  logging.ActionRejected,
		Actor:   who,
		ChatID:  chatID,
		Details: map[string]string{"source": source, "reason": err.Error()},
	})
	_ = c.Error(err)

	body := gin.H{"error": err.Error()}
	if status != "" {
		body["status"] = status
		body["error"] = "No RTMP key set for this chat"
	}
	c.JSON(code, body)
}

func (h *Handler) discard(item playback.Item) {
	if !item.Source.Owned {
		return
	}
	if err := os.Remove(item.Source.Location); err != nil && !errors.Is(err, os.ErrNotExist) {
		h.deps.Logger.Warn().Err(err).Str("path", item.Source.Location).Msg("failed to delete input file")
	}
}

// handleStop clears the queue and stops the current stream.
func (h *Handler) handleStop(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	res, err := h.deps.Player.StopAll(c.Request.Context(), chatID)
	if err != nil {
		h.commandFailed(c, err)
		return
	}

	ev := logging.AuditEvent{
		Action:  logging.ActionStopped,
		Actor:   actor(c, c.Query("requester")),
		ChatID:  chatID,
		Details: map[string]string{"cleared": strconv.Itoa(res.Cleared)},
	}
	if res.Stopped != nil {
		ev.Title = res.Stopped.Title
	}
	h.deps.Auditor.Log(ev)

	c.JSON(http.StatusOK, gin.H{
		"status":  res.Status,
		"stopped": newItemView(res.Stopped),
		"cleared": res.Cleared,
	})
}

// handleSkip ends the current stream so the next item starts.
func (h *Handler) handleSkip(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	res, err := h.deps.Player.Skip(c.Request.Context(), chatID)
	var launchErr *ffmpeg.LaunchError
	if err != nil && !errors.As(err, &launchErr) {
		h.commandFailed(c, err)
		return
	}

	ev := logging.AuditEvent{
		Action:  logging.ActionSkipped,
		Actor:   actor(c, c.Query("requester")),
		ChatID:  chatID,
		Details: map[string]string{"status": string(res.Status)},
	}
	if res.Skipped != nil {
		ev.Title = res.Skipped.Title
	}
	h.deps.Auditor.Log(ev)

	body := gin.H{
		"status":  res.Status,
		"skipped": newItemView(res.Skipped),
		"next":    newItemView(res.Next),
	}
	if err != nil {
		body["error"] = err.Error()
		c.JSON(http.StatusBadGateway, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) commandFailed(c *gin.Context, err error) {
	_ = c.Error(err)
	code := http.StatusInternalServerError
	if errors.Is(err, playback.ErrClosed) {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// handleQueue lists what is playing and what is waiting.
func (h *Handler) handleQueue(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	st := h.deps.Player.Snapshot(chatID)

	queued := make([]*ItemView, 0, len(st.Queue))
	for i := range st.Queue {
		queued = append(queued, newItemView(&st.Queue[i]))
	}
	status := "ok"
	if st.NowPlaying == nil && len(queued) == 0 {
		status = string(playback.StatusQueueEmpty)
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"active":     st.Active,
		"process":    st.Process,
		"nowPlaying": newItemView(st.NowPlaying),
		"queue":      queued,
	})
}

// handleEvents returns the chat's recent playback events.
func (h *Handler) handleEvents(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": h.deps.Events.Recent(chatID)})
}

func (h *Handler) handlePing(c *gin.Context) {
	body := gin.H{
		"message": "pong",
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	}
	if start, ok := c.Get(requestStartKey); ok {
		body["latency"] = time.Since(start.(time.Time)).String()
	}
	c.JSON(http.StatusOK, body)
}

// handleHealth reports host resources the launch guard looks at.
func (h *Handler) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.deps.Fetcher != nil {
		usage, err := ffmpeg.CurrentUsage(h.deps.Fetcher.Dir)
		if err != nil {
			body["usageError"] = err.Error()
		} else {
			body["usage"] = usage
		}
	}
	c.JSON(http.StatusOK, body)
}
