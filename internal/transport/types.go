package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Document is a local file handed to the messaging transport by reference.
// Path must stay readable until SendDocument returns.
type Document struct {
	Path     string
	FileName string
	Caption  string
}

// TextSender delivers plain text (used by the log sink).
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// DocumentSender delivers a file. It is the relay sink's only dependency on
// the messaging platform.
type DocumentSender interface {
	SendDocument(ctx context.Context, to ChatTarget, doc Document) (MessageRef, error)
}

type Sender interface {
	TextSender
	DocumentSender
}
