package app

import (
	"context"
	"strings"

	"driverelay/internal/eventbus"
	"driverelay/internal/storage"
	logx "driverelay/pkg/logx"
)

// consumeEvents logs relay outcomes and, with storage enabled, appends
// them to the audit trail.
func (a *App) consumeEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			re, ok := e.Data.(eventbus.RelayEvent)
			if !ok {
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				continue
			}
			if a.store == nil {
				continue
			}
			if err := a.store.AppendAudit(ctx, auditEntry(e, re)); err != nil {
				a.log.Warn("audit append failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

func auditEntry(e eventbus.Event, re eventbus.RelayEvent) storage.AuditEntry {
	return storage.AuditEntry{
		At:             e.Time,
		RequestID:      re.RequestID,
		Tenant:         re.Tenant,
		SubscriptionID: re.SubscriptionID,
		Resource:       re.Resource,
		ItemID:         re.ItemID,
		FileName:       re.FileName,
		Size:           re.Size,
		Outcome:        strings.TrimPrefix(e.Type, "relay."),
		Reason:         re.Reason,
		Error:          re.Err,
		TookMS:         re.Took.Milliseconds(),
	}
}
