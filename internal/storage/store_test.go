package storage

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	logx "driverelay/pkg/logx"
)

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	if _, ok, err := st.GetDedup(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetDedup(missing) ok=%v err=%v", ok, err)
	}

	until := now.Add(5 * time.Minute)
	if err := st.PutDedup(ctx, "k1", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("GetDedup(k1) ok=%v err=%v", ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("until=%v want %v", got, until)
	}

	reserved, err := st.ReserveDedup(ctx, "k1", until, now)
	if err != nil || reserved {
		t.Fatalf("ReserveDedup on live key: reserved=%v err=%v", reserved, err)
	}
	reserved, err = st.ReserveDedup(ctx, "k2", until, now)
	if err != nil || !reserved {
		t.Fatalf("ReserveDedup on new key: reserved=%v err=%v", reserved, err)
	}

	// An expired key can be reserved again.
	if err := st.PutDedup(ctx, "old", now.Add(-time.Second)); err != nil {
		t.Fatalf("PutDedup(old): %v", err)
	}
	reserved, err = st.ReserveDedup(ctx, "old", until, now)
	if err != nil || !reserved {
		t.Fatalf("ReserveDedup on expired key: reserved=%v err=%v", reserved, err)
	}

	if err := st.DeleteDedup(ctx, "k2"); err != nil {
		t.Fatalf("DeleteDedup: %v", err)
	}
	if _, ok, _ := st.GetDedup(ctx, "k2"); ok {
		t.Fatalf("k2 still present after delete")
	}

	if err := st.PutDedup(ctx, "stale", now.Add(-time.Minute)); err != nil {
		t.Fatalf("PutDedup(stale): %v", err)
	}
	n, err := st.PruneDedup(ctx, now)
	if err != nil || n < 1 {
		t.Fatalf("PruneDedup n=%d err=%v", n, err)
	}
	if _, ok, _ := st.GetDedup(ctx, "stale"); ok {
		t.Fatalf("stale key survived prune")
	}
	if _, ok, _ := st.GetDedup(ctx, "k1"); !ok {
		t.Fatalf("live key removed by prune")
	}

	err = st.AppendAudit(ctx, AuditEntry{
		Tenant:         "default",
		SubscriptionID: "sub-1",
		Resource:       "/drives/d1/root",
		FileName:       "report.docx",
		Outcome:        "delivered",
		TookMS:         12,
	})
	if err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "relay.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, st)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "relay.audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if !strings.Contains(string(b), `"outcome":"delivered"`) {
		t.Fatalf("audit line missing: %s", b)
	}

	// Dedup state survives a reopen.
	st, err = Open(Config{Driver: "file", Path: filepath.Join(dir, "relay.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if _, ok, _ := st.GetDedup(context.Background(), "k1"); !ok {
		t.Fatalf("k1 lost across reopen")
	}
	if _, ok, _ := st.GetDedup(context.Background(), "k2"); ok {
		t.Fatalf("deleted k2 resurrected across reopen")
	}
}

func TestFileStoreReplaysJournalWithoutSnapshot(t *testing.T) {
	dir := t.TempDir()
	journal := `{"key":"a","until":` + itoa(time.Now().Add(time.Hour).UnixMilli()) + "}\n" +
		`{"key":"b","until":` + itoa(time.Now().Add(time.Hour).UnixMilli()) + "}\n" +
		`{"key":"a","del":true}` + "\n" +
		`{"key":"torn`
	if err := os.WriteFile(filepath.Join(dir, "s.dedup.journal.jsonl"), []byte(journal), 0o600); err != nil {
		t.Fatalf("write journal: %v", err)
	}
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "s")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if _, ok, _ := st.GetDedup(ctx, "a"); ok {
		t.Fatalf("a should be deleted by journal")
	}
	if _, ok, _ := st.GetDedup(ctx, "b"); !ok {
		t.Fatalf("b should be replayed")
	}
}

func TestSQLiteStore(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "relay.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestPostgresStore(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("DRIVERELAY_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("DRIVERELAY_TEST_POSTGRES_DSN not set")
	}
	st, err := Open(Config{Driver: "postgres", Path: dsn}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	// Keys are shared across runs; start clean.
	ctx := context.Background()
	for _, k := range []string{"k1", "k2", "old", "stale"} {
		_ = st.DeleteDedup(ctx, k)
	}
	exerciseStore(t, st)
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("none: st=%v err=%v", st, err)
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestBindRewritesPlaceholders(t *testing.T) {
	t.Parallel()

	s := &sqlStore{dollar: true}
	got := s.bind(`UPDATE t SET a = ? WHERE b = ? AND c <= ?`)
	if got != `UPDATE t SET a = $1 WHERE b = $2 AND c <= $3` {
		t.Fatalf("bind=%q", got)
	}
	s.dollar = false
	if got := s.bind(`x = ?`); got != `x = ?` {
		t.Fatalf("bind without dollar=%q", got)
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
