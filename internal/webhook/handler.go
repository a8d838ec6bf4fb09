// Package webhook is the notification intake: it validates a Graph change
// notification, filters redeliveries, runs the relay pipeline for each
// entry and answers with the status Graph expects.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"driverelay/internal/eventbus"
	"driverelay/internal/idempotency"
	"driverelay/internal/relay"
	"driverelay/internal/tenant"
	logx "driverelay/pkg/logx"
)

// DefaultMaxBodyBytes caps a notification body.
const DefaultMaxBodyBytes int64 = 1 << 20

var errBodyTooLarge = errors.New("request body too large")

// Runner relays one authenticated notification.
type Runner interface {
	Run(ctx context.Context, t *tenant.Tenant, n relay.Notification) relay.Outcome
}

type Options struct {
	Validator *Validator
	Tracker   *idempotency.Tracker
	Runner    Runner
	// Bus receives one event per entry outcome. Optional.
	Bus eventbus.Bus
	// Reserve claims a change before relaying it instead of checking and
	// marking afterwards.
	Reserve      bool
	MaxBodyBytes int64
	Log          logx.Logger
}

type Handler struct {
	validator *Validator
	tracker   *idempotency.Tracker
	runner    Runner
	bus       eventbus.Bus
	reserve   bool
	maxBody   int64
	log       logx.Logger
}

func NewHandler(opts Options) *Handler {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Handler{
		validator: opts.Validator,
		tracker:   opts.Tracker,
		runner:    opts.Runner,
		bus:       opts.Bus,
		reserve:   opts.Reserve,
		maxBody:   maxBody,
		log:       opts.Log,
	}
}

// batch collects what happened to the entries of one request.
type batch struct {
	delivered  []idempotency.ChangeKey
	duplicates int
	failure    *relay.Outcome
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tw := &trackingWriter{ResponseWriter: w}
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("webhook panic",
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())),
			)
			if !tw.wrote {
				reply(tw, http.StatusInternalServerError, "Internal server error", false)
			}
		}
	}()

	if r.Method != http.MethodPost {
		tw.Header().Set("Allow", http.MethodPost)
		reply(tw, http.StatusMethodNotAllowed, "Method not allowed", false)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err == nil && int64(len(body)) > h.maxBody {
		err = errBodyTooLarge
	}
	if err != nil {
		h.log.Debug("webhook body unreadable", logx.Err(err))
	}

	v := h.validator.Validate(r, body, err)
	switch v.Kind {
	case Handshake:
		h.log.Info("subscription handshake", logx.String("remote", r.RemoteAddr))
		tw.Header().Set("Content-Type", "text/plain")
		tw.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(tw, v.Token)
		return
	case Rejected:
		h.publish(eventbus.TypeRejected, eventbus.RelayEvent{
			RequestID: r.Header.Get("request-id"),
			Reason:    v.Reason,
			Status:    v.Status,
		})
		if v.Status == http.StatusUnauthorized {
			reply(tw, v.Status, "Invalid notification", false)
			return
		}
		reply(tw, http.StatusBadRequest, "Invalid request body", false)
		return
	}

	if len(v.Entries) == 0 {
		reply(tw, http.StatusOK, "OK", true)
		return
	}

	ctx := r.Context()
	delivery := idempotency.DeliveryKey{
		RequestID:        r.Header.Get("request-id"),
		RequestTimestamp: r.Header.Get("request-timestamp"),
	}
	if h.seenDelivery(ctx, delivery) {
		h.log.Info("duplicate delivery skipped", logx.String("delivery", delivery.String()))
		h.publish(eventbus.TypeDuplicate, eventbus.RelayEvent{RequestID: delivery.RequestID, Reason: "duplicate delivery"})
		reply(tw, http.StatusOK, "OK", false)
		return
	}

	var b batch
	for _, e := range v.Entries {
		if !h.relayEntry(ctx, delivery.RequestID, e, &b) {
			break
		}
	}

	// Marks must land even if the caller already hung up.
	mctx := context.WithoutCancel(ctx)
	switch {
	case b.failure != nil:
		if len(b.delivered) > 0 {
			if err := h.tracker.MarkChanges(mctx, b.delivered...); err != nil {
				h.log.Warn("dedup mark failed", logx.Err(err))
			}
		}
		err := b.failure.Err
		reply(tw, relay.HTTPStatus(err), err.Error(), false)
	case len(b.delivered) > 0:
		if err := h.tracker.MarkProcessed(mctx, delivery, b.delivered...); err != nil {
			h.log.Warn("dedup mark failed", logx.Err(err))
		}
		reply(tw, http.StatusOK, "OK", true)
	case b.duplicates == len(v.Entries):
		reply(tw, http.StatusOK, "OK", false)
	default:
		reply(tw, http.StatusOK, "OK", true)
	}
}

// relayEntry runs one entry and records the result in b. It reports whether
// the batch should continue.
func (h *Handler) relayEntry(ctx context.Context, requestID string, e Entry, b *batch) bool {
	n := e.Notification
	key := idempotency.ChangeKey{Resource: n.Resource, SubscriptionID: n.SubscriptionID}
	ev := eventbus.RelayEvent{
		RequestID:      requestID,
		Tenant:         e.Tenant.ID,
		SubscriptionID: n.SubscriptionID,
		Resource:       n.Resource,
	}

	if !h.claim(ctx, key) {
		b.duplicates++
		h.log.Info("duplicate change skipped", logx.String("change", key.String()))
		ev.Reason = "duplicate change"
		h.publish(eventbus.TypeDuplicate, ev)
		return true
	}

	var out relay.Outcome
	if h.reserve {
		// Released on every path that does not deliver, panics included.
		defer func() {
			if out.Kind != relay.Delivered {
				if err := h.tracker.ReleaseChange(context.WithoutCancel(ctx), key); err != nil {
					h.log.Warn("dedup release failed", logx.String("change", key.String()), logx.Err(err))
				}
			}
		}()
	}
	out = h.runner.Run(ctx, e.Tenant, n)

	if out.Item != nil {
		ev.ItemID = out.Item.ID
	}
	ev.FileName, ev.Size, ev.Took = out.Name, out.Size, out.Took
	switch out.Kind {
	case relay.Delivered:
		b.delivered = append(b.delivered, key)
		h.publish(eventbus.TypeDelivered, ev)
		return true
	case relay.Skipped:
		ev.Reason = out.Reason
		h.publish(eventbus.TypeSkipped, ev)
		return true
	default:
		if out.Err == nil {
			out.Err = fmt.Errorf("relay %s: no error reported", out.Kind)
		}
		ev.Err = out.Err.Error()
		ev.Status = relay.HTTPStatus(out.Err)
		h.publish(eventbus.TypeFailed, ev)
		b.failure = &out
		return false
	}
}

// claim reports whether key may be relayed now. Backend errors fail open:
// a relay that might duplicate beats a change that is never relayed.
func (h *Handler) claim(ctx context.Context, key idempotency.ChangeKey) bool {
	if h.reserve {
		ok, err := h.tracker.ReserveChange(ctx, key)
		if err != nil {
			h.log.Warn("dedup reserve failed; relaying anyway", logx.Err(err))
			return true
		}
		return ok
	}
	seen, err := h.tracker.SeenChange(ctx, key)
	if err != nil {
		h.log.Warn("dedup lookup failed; relaying anyway", logx.Err(err))
		return true
	}
	return !seen
}

func (h *Handler) seenDelivery(ctx context.Context, k idempotency.DeliveryKey) bool {
	seen, err := h.tracker.SeenDelivery(ctx, k)
	if err != nil {
		h.log.Warn("dedup lookup failed; treating delivery as new", logx.Err(err))
		return false
	}
	return seen
}

func (h *Handler) publish(typ string, ev eventbus.RelayEvent) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func reply(w http.ResponseWriter, status int, body string, noStore bool) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if noStore {
		w.Header().Set("Cache-Control", "no-store")
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *trackingWriter) WriteHeader(status int) {
	w.wrote = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}
