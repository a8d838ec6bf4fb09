// Package tenant maps subscriptions to the tenant that owns them: its
// notification secret, drive access token and Telegram target.
package tenant

import (
	"crypto/subtle"
	"errors"
	"strings"
	"sync/atomic"

	"driverelay/internal/config"
	"driverelay/internal/transport"
)

var ErrUnknownSubscription = errors.New("tenant: subscription has no owner")

type Tenant struct {
	ID          string
	ClientState string
	AccessToken string
	// BotToken is empty when the tenant uses the default bot.
	BotToken string
	Target   transport.ChatTarget
}

type snapshot struct {
	bySub    map[string]*Tenant
	fallback *Tenant
	all      []*Tenant
}

// Directory is safe for concurrent use; Replace swaps the whole table
// atomically on config reload.
type Directory struct {
	cur atomic.Pointer[snapshot]
}

func New(tenants []config.TenantConfig) *Directory {
	d := &Directory{}
	d.Replace(tenants)
	return d
}

func (d *Directory) Replace(tenants []config.TenantConfig) {
	s := &snapshot{bySub: map[string]*Tenant{}}
	for _, tc := range tenants {
		t := &Tenant{
			ID:          strings.TrimSpace(tc.ID),
			ClientState: tc.ClientState,
			AccessToken: strings.TrimSpace(tc.AccessToken),
			BotToken:    strings.TrimSpace(tc.BotToken),
			Target:      transport.ChatTarget{ChatID: tc.ChatID, ThreadID: tc.ThreadID},
		}
		s.all = append(s.all, t)
		if len(tc.SubscriptionIDs) == 0 {
			if s.fallback == nil {
				s.fallback = t
			}
			continue
		}
		for _, sub := range tc.SubscriptionIDs {
			s.bySub[sub] = t
		}
	}
	d.cur.Store(s)
}

// Lookup returns the owner of a subscription, falling back to the default
// tenant.
func (d *Directory) Lookup(subscriptionID string) (*Tenant, error) {
	s := d.cur.Load()
	if s == nil {
		return nil, ErrUnknownSubscription
	}
	if t, ok := s.bySub[subscriptionID]; ok {
		return t, nil
	}
	if s.fallback != nil {
		return s.fallback, nil
	}
	return nil, ErrUnknownSubscription
}

// Authenticate resolves the owner and checks clientState against its
// secret in constant time.
func (d *Directory) Authenticate(subscriptionID, clientState string) (*Tenant, bool) {
	t, err := d.Lookup(subscriptionID)
	if err != nil || t.ClientState == "" {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(clientState), []byte(t.ClientState)) != 1 {
		return nil, false
	}
	return t, true
}

func (d *Directory) Len() int {
	s := d.cur.Load()
	if s == nil {
		return 0
	}
	return len(s.all)
}
