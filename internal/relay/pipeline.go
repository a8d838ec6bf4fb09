package relay

import (
	"context"
	"fmt"
	"time"

	"driverelay/internal/tenant"
	logx "driverelay/pkg/logx"
)

type OutcomeKind int

// The zero Kind is Failed.
const (
	Failed OutcomeKind = iota
	Skipped
	Delivered
)

func (k OutcomeKind) String() string {
	switch k {
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	case Delivered:
		return "delivered"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Skip reasons.
const (
	ReasonEmptyContainer = "empty container"
	ReasonNoLocator      = "no download locator"
)

// Outcome is the result of relaying one notification. Item is set once the
// resolver found something.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Err    error
	Item   *ResolvedItem
	Name   string
	Size   int64
	Took   time.Duration
}

type Pipeline struct {
	Resolver *Resolver
	Fetcher  *Fetcher
	Sink     *Sink
	Retry    Retry
	Log      logx.Logger
}

// Run resolves, fetches and relays under the retry policy. Each retry starts
// again from resolution so a newer item can win.
func (p *Pipeline) Run(ctx context.Context, t *tenant.Tenant, n Notification) (out Outcome) {
	start := time.Now()
	defer func() { out.Took = time.Since(start) }()

	err := p.Retry.Do(ctx, func(ctx context.Context) error {
		out = Outcome{}
		item, err := p.Resolver.Resolve(ctx, t, n)
		if err != nil {
			return err
		}
		if item == nil {
			out = Outcome{Kind: Skipped, Reason: ReasonEmptyContainer}
			return nil
		}
		out.Item = item
		out.Name = item.Name
		out.Size = item.Size

		f, err := p.Fetcher.Fetch(ctx, t, *item)
		if err != nil {
			return err
		}
		if f == nil {
			out.Kind, out.Reason = Skipped, ReasonNoLocator
			return nil
		}
		out.Size = f.Size
		if err := p.Sink.Relay(ctx, t, f); err != nil {
			return err
		}
		out.Kind = Delivered
		return nil
	})
	if err != nil {
		out.Kind = Failed
		out.Reason = ""
		out.Err = err
		p.Log.Warn("relay failed",
			logx.String("tenant", t.ID),
			logx.String("subscription", n.SubscriptionID),
			logx.Int("status", HTTPStatus(err)),
			logx.Err(err),
		)
		return out
	}

	switch out.Kind {
	case Skipped:
		p.Log.Info("relay skipped",
			logx.String("tenant", t.ID),
			logx.String("subscription", n.SubscriptionID),
			logx.String("reason", out.Reason),
		)
	case Delivered:
		p.Log.Info("relay delivered",
			logx.String("tenant", t.ID),
			logx.String("file", out.Name),
			logx.Int64("bytes", out.Size),
		)
	}
	return out
}
