package telegram

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "driverelay/internal/transport"
	logx "driverelay/pkg/logx"
)

// Config configures a send-only Telegram bot.
type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (self-hosted bot API server).
	APIURL string
	// Timeout bounds a single Bot API call. Document uploads can be slow,
	// so the default is generous.
	Timeout time.Duration
}

// Adapter is a send-only Telegram transport. The relay never consumes
// updates, so there is no poller.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(cfg.Token),
		URL:     strings.TrimSpace(cfg.APIURL),
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

const telegramTextLimit = 4000

// Telegram caps document captions at 1024 characters.
const telegramCaptionLimit = 1024

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer a newline near the end of the window, but avoid tiny chunks.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}

	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendDocument uploads a local file. The upload streams from disk; the
// caller owns the file and removes it afterwards.
func (a *Adapter) SendDocument(ctx context.Context, to kit.ChatTarget, doc kit.Document) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	if strings.TrimSpace(doc.Path) == "" {
		return kit.MessageRef{}, errors.New("telegram: document path is empty")
	}
	name := doc.FileName
	if name == "" {
		name = filepath.Base(doc.Path)
	}

	// telebot has no context-aware Send; a cancelled request still waits for
	// the HTTP client timeout configured in New.
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, &tele.Document{
		File:     tele.FromDisk(doc.Path),
		FileName: name,
		Caption:  documentCaption(doc.Caption),
	}, &tele.SendOptions{ThreadID: to.ThreadID})
	if err != nil {
		return kit.MessageRef{}, err
	}
	a.log.Debug("document sent",
		logx.Int64("chat_id", to.ChatID),
		logx.String("file", name),
		logx.Int("message_id", msg.ID),
	)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// documentCaption cuts s to the caption limit, counted in characters.
func documentCaption(s string) string {
	rs := []rune(s)
	if len(rs) <= telegramCaptionLimit {
		return s
	}
	return string(rs[:telegramCaptionLimit])
}

// Pool hands out one adapter per bot token so tenants may bring their own
// bot while sharing the default one otherwise.
type Pool struct {
	mu       sync.Mutex
	log      logx.Logger
	base     Config
	adapters map[string]*Adapter
}

func NewPool(base Config, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{log: log, base: base, adapters: map[string]*Adapter{}}
}

// Get returns the adapter for token, or for the default token when empty.
func (p *Pool) Get(token string) (*Adapter, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		token = strings.TrimSpace(p.base.Token)
	}
	if token == "" {
		return nil, errors.New("telegram: no bot token configured")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.adapters[token]; ok {
		return a, nil
	}
	cfg := p.base
	cfg.Token = token
	a, err := New(cfg, p.log)
	if err != nil {
		return nil, err
	}
	p.adapters[token] = a
	return a, nil
}
