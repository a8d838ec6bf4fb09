package relay

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"driverelay/internal/tenant"
	logx "driverelay/pkg/logx"
)

// LocalFile is a downloaded item waiting to be relayed. Whoever holds it
// must remove Path.
type LocalFile struct {
	Path string
	Name string
	Size int64
	Item ResolvedItem
}

type Fetcher struct {
	Client     DriveClient
	ScratchDir string
	Log        logx.Logger
}

// Fetch downloads item into the scratch directory. It returns nil without
// error when Graph offers no download URL. On failure no file is left
// behind.
func (f *Fetcher) Fetch(ctx context.Context, t *tenant.Tenant, item ResolvedItem) (*LocalFile, error) {
	dlURL, err := f.Client.GetDownloadURL(ctx, t.AccessToken, item.DriveID, item.ID)
	if err != nil {
		return nil, err
	}
	if dlURL == "" {
		return nil, nil
	}

	if err := os.MkdirAll(f.ScratchDir, 0o700); err != nil {
		return nil, fmt.Errorf("scratch dir: %w", err)
	}
	path := filepath.Join(f.ScratchDir, uuid.NewString()+"-"+scratchName(item.Name))

	body, err := f.Client.Download(ctx, dlURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if rerr := os.Remove(path); rerr != nil {
			f.Log.Warn("partial download not removed", logx.String("path", path), logx.Err(rerr))
		}
		return nil, fmt.Errorf("download %s: %w", item.Name, err)
	}

	f.Log.Debug("downloaded", logx.String("item", item.ID), logx.Int64("bytes", n))
	return &LocalFile{Path: path, Name: item.Name, Size: n, Item: item}, nil
}

// maxScratchName bounds the name part in bytes. With the uuid prefix the
// file name stays well under the usual 255-byte limit.
const maxScratchName = 200

// scratchName keeps the item name recognisable on disk without letting it
// escape the scratch directory. Long names keep their tail, so the
// extension survives; the cut lands on a rune boundary.
func scratchName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "item"
	}
	if len(name) > maxScratchName {
		i := len(name) - maxScratchName
		for i < len(name) && !utf8.RuneStart(name[i]) {
			i++
		}
		name = name[i:]
	}
	return name
}
