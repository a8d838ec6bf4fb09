package relay

import (
	"context"
	"io"
	"strings"
	"time"

	"driverelay/internal/graph"
	"driverelay/internal/tenant"
)

// DriveClient is the slice of the Graph API the relay needs.
type DriveClient interface {
	ListRecentChildren(ctx context.Context, token, driveID string, top int) ([]graph.DriveItem, error)
	GetDownloadURL(ctx context.Context, token, driveID, itemID string) (string, error)
	Download(ctx context.Context, downloadURL string) (io.ReadCloser, error)
}

// Notification is one authenticated entry of a notification batch.
type Notification struct {
	SubscriptionID string
	Resource       string
	ChangeType     string
	TenantID       string
}

type ResolvedItem struct {
	DriveID      string
	ID           string
	Name         string
	Size         int64
	LastModified time.Time
}

// DriveIDFromResource extracts {id} from "/drives/{id}/root" (or any path
// with the drive id as its second segment).
func DriveIDFromResource(resource string) (string, error) {
	r := strings.TrimSpace(resource)
	if !strings.HasPrefix(r, "/") {
		r = "/" + r
	}
	parts := strings.Split(r, "/")
	if len(parts) < 3 || !strings.EqualFold(parts[1], "drives") || parts[2] == "" {
		return "", badRequest("%w: %q", ErrMalformedResource, resource)
	}
	return parts[2], nil
}

// Resolver picks the item a notification refers to. Graph drive
// notifications do not name the changed item, so the most recently
// modified child of the drive root is taken as the change.
type Resolver struct {
	Client DriveClient
}

// Resolve returns nil without error when the drive root is empty.
func (r *Resolver) Resolve(ctx context.Context, t *tenant.Tenant, n Notification) (*ResolvedItem, error) {
	driveID, err := DriveIDFromResource(n.Resource)
	if err != nil {
		return nil, err
	}
	items, err := r.Client.ListRecentChildren(ctx, t.AccessToken, driveID, 1)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	it := items[0]
	return &ResolvedItem{
		DriveID:      driveID,
		ID:           it.ID,
		Name:         it.Name,
		Size:         it.Size,
		LastModified: it.LastModifiedDateTime,
	}, nil
}
