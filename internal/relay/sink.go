package relay

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"text/template"
	"time"

	"golang.org/x/time/rate"

	"driverelay/internal/tenant"
	"driverelay/internal/transport"
	logx "driverelay/pkg/logx"
)

// SenderFunc returns the document sender for a bot token; "" selects the
// default bot.
type SenderFunc func(botToken string) (transport.DocumentSender, error)

// CaptionData is what a caption template can reference.
type CaptionData struct {
	Name     string
	Size     int64
	Modified time.Time
	Tenant   string
}

type Sink struct {
	Senders SenderFunc
	// RatePerSec caps sends per bot. Zero disables limiting.
	RatePerSec float64
	Caption    *template.Template
	Log        logx.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Relay sends f to the tenant's chat. The scratch file is removed on every
// exit path; a failed removal is logged and does not change the result.
func (s *Sink) Relay(ctx context.Context, t *tenant.Tenant, f *LocalFile) error {
	defer s.cleanup(f.Path)

	if err := s.wait(ctx, t.BotToken); err != nil {
		return err
	}
	sender, err := s.Senders(t.BotToken)
	if err != nil {
		return NoRetry(&StatusError{Status: http.StatusInternalServerError, Err: fmt.Errorf("%w: %v", ErrNoSender, err)})
	}
	_, err = sender.SendDocument(ctx, t.Target, transport.Document{
		Path:     f.Path,
		FileName: f.Name,
		Caption:  s.caption(t, f),
	})
	return err
}

func (s *Sink) cleanup(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.Log.Warn("scratch file cleanup failed", logx.String("path", path), logx.Err(err))
	}
}

func (s *Sink) wait(ctx context.Context, botToken string) error {
	if s.RatePerSec <= 0 {
		return nil
	}
	s.mu.Lock()
	if s.limiters == nil {
		s.limiters = map[string]*rate.Limiter{}
	}
	lim, ok := s.limiters[botToken]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.RatePerSec), 1)
		s.limiters[botToken] = lim
	}
	s.mu.Unlock()
	return lim.Wait(ctx)
}

func (s *Sink) caption(t *tenant.Tenant, f *LocalFile) string {
	if s.Caption == nil {
		return ""
	}
	var b bytes.Buffer
	err := s.Caption.Execute(&b, CaptionData{
		Name:     f.Name,
		Size:     f.Size,
		Modified: f.Item.LastModified,
		Tenant:   t.ID,
	})
	if err != nil {
		s.Log.Warn("caption template failed", logx.Err(err))
		return ""
	}
	return b.String()
}

// ParseCaption compiles a caption template; an empty string yields nil.
func ParseCaption(text string) (*template.Template, error) {
	if text == "" {
		return nil, nil
	}
	return template.New("caption").Option("missingkey=error").Parse(text)
}
