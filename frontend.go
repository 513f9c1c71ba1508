package gryag

import "context"

// Frontend abstracts the messaging transport (Telegram, CLI, tests).
type Frontend interface {
	// Poll returns a channel of incoming messages. The channel closes
	// when ctx is cancelled.
	Poll(ctx context.Context) (<-chan IncomingMessage, error)
	// SendText sends text, optionally as a reply, and returns the new
	// message id.
	SendText(ctx context.Context, chatID int64, text string, replyTo string) (string, error)
	// SendMedia sends one media item with an optional caption. Either
	// data or fileID must be set.
	SendMedia(ctx context.Context, chatID int64, kind string, data []byte, fileID string, caption string) (string, error)
	// AnswerCallback acknowledges a callback query.
	AnswerCallback(ctx context.Context, id string, text string, alert bool) error
	// SetCommands publishes the bot command list.
	SetCommands(ctx context.Context, cmds []BotCommand) error
	// SendTyping shows a typing indicator.
	SendTyping(ctx context.Context, chatID int64) error
	// DownloadFile fetches a file by transport id, returning data and
	// filename.
	DownloadFile(ctx context.Context, fileID string) ([]byte, string, error)
}

// BotCommand is one slash command advertised to the platform.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}
