// Package telegram implements gryag.Frontend on the Telegram Bot API
// with long-poll getUpdates, HTML-rendered sends and outbound pacing.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"
	"github.com/ThatHunky/gryag-sub007/media"
	"golang.org/x/time/rate"
)

var apiBaseURL = "https://api.telegram.org"

const (
	// maxMessageLength is Telegram's hard cap per sendMessage call.
	maxMessageLength = 4096
	// maxCaptionLength is Telegram's cap on media captions.
	maxCaptionLength = 1024
	// maxFileBytes is the Bot API download limit.
	maxFileBytes = 20 * 1024 * 1024
	// pollTimeout is the long-poll hold time in seconds.
	pollTimeout = 30
)

// Bot implements gryag.Frontend for Telegram.
type Bot struct {
	token      string
	httpClient *http.Client
	log        *slog.Logger

	// Outbound pacing: Telegram allows ~30 msg/s overall and roughly
	// one message per second per chat.
	global  *rate.Limiter
	mu      sync.Mutex
	perChat map[int64]*rate.Limiter

	// Identity, resolved by Poll via getMe before the loop starts.
	botID      int64
	botMention string
}

var _ gryag.Frontend = (*Bot)(nil)

// BotOption configures a Bot.
type BotOption func(*Bot)

// WithLogger sets a structured logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) BotOption {
	return func(b *Bot) { b.log = l }
}

// WithHTTPClient replaces the HTTP client. The default allows 65 s per
// request so 30 s long polls complete.
func WithHTTPClient(c *http.Client) BotOption {
	return func(b *Bot) { b.httpClient = c }
}

// NewBot creates a Telegram bot client with the given token.
func NewBot(token string, opts ...BotOption) *Bot {
	b := &Bot{
		token:      token,
		httpClient: &http.Client{Timeout: 65 * time.Second},
		log:        nopLogger,
		global:     rate.NewLimiter(30, 30),
		perChat:    make(map[int64]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Poll resolves the bot identity and starts long-polling for updates.
// The returned channel closes when ctx is cancelled.
func (b *Bot) Poll(ctx context.Context) (<-chan gryag.IncomingMessage, error) {
	var me User
	if err := b.callAPI(ctx, "getMe", map[string]any{}, &me); err != nil {
		return nil, fmt.Errorf("telegram: getMe: %w", err)
	}
	b.botID = me.ID
	b.botMention = "@" + strings.ToLower(me.Username)
	b.log.Info("telegram identity resolved", "bot_id", me.ID, "username", me.Username)

	ch := make(chan gryag.IncomingMessage)
	go b.pollLoop(ctx, ch)
	return ch, nil
}

func (b *Bot) pollLoop(ctx context.Context, ch chan<- gryag.IncomingMessage) {
	defer close(ch)
	var offset int64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := b.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("poll error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil {
				continue
			}
			msg := b.mapIncoming(u.Message)
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Bot) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         pollTimeout,
		"allowed_updates": []string{"message"},
	}
	var result []Update
	if err := b.callAPI(ctx, "getUpdates", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// mapIncoming normalizes a Telegram message into the pipeline shape.
func (b *Bot) mapIncoming(m *Message) gryag.IncomingMessage {
	msg := gryag.IncomingMessage{
		ChatID:    m.Chat.ID,
		ThreadID:  m.MessageThreadID,
		MessageID: strconv.FormatInt(m.MessageID, 10),
		Text:      m.Text,
		Caption:   m.Caption,
		TS:        m.Date,
	}

	if m.From != nil {
		msg.UserID = m.From.ID
		msg.UserIsBot = m.From.IsBot
		msg.UserName = m.From.Username
		if msg.UserName == "" {
			msg.UserName = m.From.FirstName
		}
	}

	if m.ReplyToMessage != nil {
		msg.ReplyToID = strconv.FormatInt(m.ReplyToMessage.MessageID, 10)
		if m.ReplyToMessage.From != nil && m.ReplyToMessage.From.ID == b.botID {
			msg.ReplyToBot = true
		}
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}
	lower := strings.ToLower(text)
	msg.IsDirect = m.Chat.Type == "private" ||
		(b.botMention != "@" && strings.Contains(lower, b.botMention))

	for _, e := range m.Entities {
		if e.Type == "bot_command" && e.Offset == 0 {
			msg.IsCommand = true
			break
		}
	}
	if !msg.IsCommand && strings.HasPrefix(m.Text, "/") {
		msg.IsCommand = true
	}

	msg.Media = mapMedia(m)
	return msg
}

// mapMedia collects the message's attachments as transport handles. The
// bytes are downloaded later, only for turns that reach the model.
func mapMedia(m *Message) []gryag.Media {
	var out []gryag.Media

	if len(m.Photo) > 0 {
		// Telegram sends several resolutions; the last is the largest.
		p := m.Photo[len(m.Photo)-1]
		out = append(out, gryag.Media{
			Kind: gryag.MediaImage, MIME: "image/jpeg",
			FileID: p.FileID, Size: p.FileSize, Width: p.Width, Height: p.Height,
		})
	}
	if m.Voice != nil {
		mime := m.Voice.MimeType
		if mime == "" {
			mime = "audio/ogg"
		}
		out = append(out, gryag.Media{
			Kind: gryag.MediaAudio, MIME: mime,
			FileID: m.Voice.FileID, Size: m.Voice.FileSize, Duration: m.Voice.Duration,
		})
	}
	if m.Audio != nil {
		mime := m.Audio.MimeType
		if mime == "" {
			mime = "audio/mpeg"
		}
		out = append(out, gryag.Media{
			Kind: gryag.MediaAudio, MIME: mime, FileName: m.Audio.FileName,
			FileID: m.Audio.FileID, Size: m.Audio.FileSize, Duration: m.Audio.Duration,
		})
	}
	if m.Video != nil {
		mime := m.Video.MimeType
		if mime == "" {
			mime = "video/mp4"
		}
		out = append(out, gryag.Media{
			Kind: gryag.MediaVideo, MIME: mime,
			FileID: m.Video.FileID, Size: m.Video.FileSize,
			Duration: m.Video.Duration, Width: m.Video.Width, Height: m.Video.Height,
		})
	}
	if m.VideoNote != nil {
		out = append(out, gryag.Media{
			Kind: gryag.MediaVideo, MIME: "video/mp4",
			FileID: m.VideoNote.FileID, Size: m.VideoNote.FileSize, Duration: m.VideoNote.Duration,
		})
	}
	if m.Animation != nil {
		mime := m.Animation.MimeType
		if mime == "" {
			mime = "video/mp4"
		}
		out = append(out, gryag.Media{
			Kind: gryag.MediaVideo, MIME: mime,
			FileID: m.Animation.FileID, Size: m.Animation.FileSize, Duration: m.Animation.Duration,
		})
	}
	if m.Sticker != nil && !m.Sticker.IsAnimated && !m.Sticker.IsVideo {
		out = append(out, gryag.Media{
			Kind: gryag.MediaImage, MIME: "image/webp",
			FileID: m.Sticker.FileID, Size: m.Sticker.FileSize,
			Width: m.Sticker.Width, Height: m.Sticker.Height,
		})
	}
	if m.Document != nil {
		// Files sent "as document" keep their real kind so capability
		// filtering sees an image as an image, not an opaque file.
		out = append(out, gryag.Media{
			Kind: media.KindForMIME(m.Document.MimeType),
			MIME: m.Document.MimeType, FileName: m.Document.FileName,
			FileID: m.Document.FileID, Size: m.Document.FileSize,
		})
	}
	return out
}

// SendText sends text as HTML, splitting past Telegram's 4096-char
// limit. Only the first chunk carries the reply reference. Returns the
// id of the last sent message.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string, replyTo string) (string, error) {
	chunks := splitMessage(text)

	var lastID string
	for i, chunk := range chunks {
		if err := b.pace(ctx, chatID); err != nil {
			return "", err
		}

		body := map[string]any{
			"chat_id":    chatID,
			"text":       MarkdownToHTML(chunk),
			"parse_mode": "HTML",
		}
		if i == 0 && replyTo != "" {
			if id, err := strconv.ParseInt(replyTo, 10, 64); err == nil {
				body["reply_to_message_id"] = id
				body["allow_sending_without_reply"] = true
			}
		}

		var result Message
		err := b.callAPI(ctx, "sendMessage", body, &result)
		if err != nil && isParseError(err) {
			// The rendered HTML was rejected; resend the raw text plain.
			delete(body, "parse_mode")
			body["text"] = chunk
			err = b.callAPI(ctx, "sendMessage", body, &result)
		}
		if err != nil {
			return "", err
		}
		lastID = strconv.FormatInt(result.MessageID, 10)
	}
	return lastID, nil
}

// SendMedia sends one media item with an optional caption. Either data
// or fileID must be set; raw bytes go up as a multipart upload.
func (b *Bot) SendMedia(ctx context.Context, chatID int64, kind string, data []byte, fileID string, caption string) (string, error) {
	method, field := mediaMethod(kind)

	params := map[string]string{}
	if caption != "" {
		if len(caption) > maxCaptionLength {
			caption = caption[:maxCaptionLength]
		}
		params["caption"] = MarkdownToHTML(caption)
		params["parse_mode"] = "HTML"
	}

	if err := b.pace(ctx, chatID); err != nil {
		return "", err
	}

	var result Message
	if len(data) == 0 {
		if fileID == "" {
			return "", fmt.Errorf("telegram: send %s: neither data nor file id", kind)
		}
		body := map[string]any{
			"chat_id": chatID,
			field:     fileID,
		}
		for k, v := range params {
			body[k] = v
		}
		if err := b.callAPI(ctx, method, body, &result); err != nil {
			return "", err
		}
		return strconv.FormatInt(result.MessageID, 10), nil
	}

	if err := b.upload(ctx, method, field, chatID, data, params, &result); err != nil {
		return "", err
	}
	return strconv.FormatInt(result.MessageID, 10), nil
}

// mediaMethod maps a media kind to its API method and file field.
func mediaMethod(kind string) (method, field string) {
	switch kind {
	case gryag.MediaImage:
		return "sendPhoto", "photo"
	case gryag.MediaAudio:
		return "sendAudio", "audio"
	case gryag.MediaVideo:
		return "sendVideo", "video"
	default:
		return "sendDocument", "document"
	}
}

func uploadFilename(field string) string {
	switch field {
	case "photo":
		return "photo.png"
	case "audio":
		return "audio.mp3"
	case "video":
		return "video.mp4"
	default:
		return "file.bin"
	}
}

// upload posts multipart form data for methods that carry raw bytes.
func (b *Bot) upload(ctx context.Context, method, field string, chatID int64, data []byte, params map[string]string, result any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return fmt.Errorf("telegram: write field: %w", err)
	}
	for k, v := range params {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("telegram: write field: %w", err)
		}
	}
	fw, err := mw.CreateFormFile(field, uploadFilename(field))
	if err != nil {
		return fmt.Errorf("telegram: create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("telegram: write file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("telegram: close multipart: %w", err)
	}

	url := apiBaseURL + "/bot" + b.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}
	return decodeEnvelope(respBody, result)
}

// AnswerCallback acknowledges a callback query.
func (b *Bot) AnswerCallback(ctx context.Context, id string, text string, alert bool) error {
	body := map[string]any{
		"callback_query_id": id,
	}
	if text != "" {
		body["text"] = text
	}
	if alert {
		body["show_alert"] = true
	}
	return b.callAPI(ctx, "answerCallbackQuery", body, nil)
}

// SetCommands publishes the bot command list.
func (b *Bot) SetCommands(ctx context.Context, cmds []gryag.BotCommand) error {
	return b.callAPI(ctx, "setMyCommands", map[string]any{"commands": cmds}, nil)
}

// SendTyping shows a typing indicator.
func (b *Bot) SendTyping(ctx context.Context, chatID int64) error {
	body := map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	}
	return b.callAPI(ctx, "sendChatAction", body, nil)
}

// DownloadFile fetches a file by transport id. Two-step: getFile for
// the path, then a GET against the file endpoint. Files past the Bot
// API's 20 MB limit are refused.
func (b *Bot) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	var file File
	if err := b.callAPI(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return nil, "", err
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("telegram: empty file_path for file_id %s", fileID)
	}
	if file.FileSize > maxFileBytes {
		return nil, "", fmt.Errorf("telegram: file %s exceeds %d bytes", fileID, maxFileBytes)
	}

	url := apiBaseURL + "/file/bot" + b.token + "/" + file.FilePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: create download request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("telegram: download file HTTP %d: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("telegram: read file body: %w", err)
	}
	if len(data) > maxFileBytes {
		return nil, "", fmt.Errorf("telegram: file %s exceeds %d bytes", fileID, maxFileBytes)
	}

	parts := strings.Split(file.FilePath, "/")
	return data, parts[len(parts)-1], nil
}

// pace waits for the global and per-chat send limiters.
func (b *Bot) pace(ctx context.Context, chatID int64) error {
	if err := b.global.Wait(ctx); err != nil {
		return err
	}
	return b.chatLimiter(chatID).Wait(ctx)
}

func (b *Bot) chatLimiter(chatID int64) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.perChat[chatID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 1)
		b.perChat[chatID] = l
	}
	return l
}

// callAPI posts JSON to a Bot API method and decodes the result.
func (b *Bot) callAPI(ctx context.Context, method string, reqBody any, result any) error {
	url := apiBaseURL + "/bot" + b.token + "/" + method

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}
	return decodeEnvelope(respBody, result)
}

// decodeEnvelope parses the {ok, description, error_code, result}
// wrapper every Bot API response carries.
func decodeEnvelope(respBody []byte, result any) error {
	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("telegram: decode response: %w (body: %s)", err, string(respBody))
	}

	if !envelope.OK {
		return &apiError{
			Code:        envelope.ErrorCode,
			Description: envelope.Description,
		}
	}

	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}
	return nil
}

// apiError is a Telegram API error response.
type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// isParseError reports whether the API rejected the message markup.
func isParseError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "can't parse entities")
}

// splitMessage splits text into chunks that fit within Telegram's
// 4096-char limit, preferring newline boundaries.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLength {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > 0 {
		if len(remaining) <= maxMessageLength {
			chunks = append(chunks, remaining)
			break
		}

		splitAt := remaining[:maxMessageLength]
		splitPos := strings.LastIndex(splitAt, "\n")
		if splitPos == -1 {
			splitPos = maxMessageLength
		} else {
			splitPos++ // include the newline in the current chunk
		}

		chunks = append(chunks, remaining[:splitPos])
		remaining = remaining[splitPos:]
	}

	return chunks
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
