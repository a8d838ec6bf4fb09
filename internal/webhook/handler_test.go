package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"driverelay/internal/config"
	"driverelay/internal/eventbus"
	"driverelay/internal/graph"
	"driverelay/internal/idempotency"
	"driverelay/internal/relay"
	"driverelay/internal/tenant"
	"driverelay/internal/transport"
	logx "driverelay/pkg/logx"
)

type fakeDrive struct {
	mu sync.Mutex

	items    map[string][]graph.DriveItem // by drive id
	failures map[string][]error           // by drive id, consumed per call
	dlURL    string

	listCalls     int
	downloadCalls int
}

func (f *fakeDrive) ListRecentChildren(_ context.Context, _ string, driveID string, _ int) ([]graph.DriveItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if errs := f.failures[driveID]; len(errs) > 0 {
		f.failures[driveID] = errs[1:]
		return nil, errs[0]
	}
	return f.items[driveID], nil
}

func (f *fakeDrive) GetDownloadURL(context.Context, string, string, string) (string, error) {
	return f.dlURL, nil
}

func (f *fakeDrive) Download(context.Context, string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.downloadCalls++
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader("docx bytes")), nil
}

type fakeSender struct {
	mu   sync.Mutex
	docs []transport.Document
}

func (s *fakeSender) SendDocument(_ context.Context, to transport.ChatTarget, doc transport.Document) (transport.MessageRef, error) {
	if _, err := os.Stat(doc.Path); err != nil {
		return transport.MessageRef{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(s.docs)}, nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

type panicRunner struct{}

func (panicRunner) Run(context.Context, *tenant.Tenant, relay.Notification) relay.Outcome {
	panic("boom")
}

type harness struct {
	handler *Handler
	drive   *fakeDrive
	sender  *fakeSender
	tracker *idempotency.Tracker
	bus     eventbus.Bus
	scratch string
}

func newHarness(t *testing.T, runner Runner) *harness {
	t.Helper()

	dir := tenant.New([]config.TenantConfig{
		{ID: "default", ClientState: "secret", AccessToken: "graph-token", ChatID: -100},
	})
	v, err := NewValidator(dir, true, logx.Nop())
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	h := &harness{
		drive: &fakeDrive{
			items: map[string][]graph.DriveItem{
				"ABC": {{ID: "F1", Name: "report.docx", Size: 10, LastModifiedDateTime: time.Now()}},
			},
			failures: map[string][]error{},
			dlURL:    "https://download.example/F1",
		},
		sender:  &fakeSender{},
		tracker: idempotency.NewTracker(idempotency.NewMemory()),
		bus:     eventbus.New(),
		scratch: t.TempDir(),
	}
	if runner == nil {
		runner = &relay.Pipeline{
			Resolver: &relay.Resolver{Client: h.drive},
			Fetcher:  &relay.Fetcher{Client: h.drive, ScratchDir: h.scratch},
			Sink: &relay.Sink{Senders: func(string) (transport.DocumentSender, error) {
				return h.sender, nil
			}},
			Retry: relay.Retry{MaxAttempts: 2, Delay: time.Millisecond},
		}
	}
	h.handler = NewHandler(Options{
		Validator: v,
		Tracker:   h.tracker,
		Runner:    runner,
		Bus:       h.bus,
		Reserve:   true,
	})
	return h
}

const okBody = `{"value":[{"subscriptionId":"S1","clientState":"secret","resource":"/drives/ABC/root","changeType":"updated"}]}`

func (h *harness) post(t *testing.T, target, body, requestID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("request-id", requestID)
		req.Header.Set("request-timestamp", "2026-10-15T10:00:00Z")
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) seenChange(t *testing.T, resource, sub string) bool {
	t.Helper()
	seen, err := h.tracker.SeenChange(context.Background(), idempotency.ChangeKey{Resource: resource, SubscriptionID: sub})
	if err != nil {
		t.Fatalf("SeenChange: %v", err)
	}
	return seen
}

func assertReply(t *testing.T, rec *httptest.ResponseRecorder, status int, body string, noStore bool) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status=%d want %d (body %q)", rec.Code, status, rec.Body.String())
	}
	if body != "" && rec.Body.String() != body {
		t.Fatalf("body=%q want %q", rec.Body.String(), body)
	}
	if got := rec.Header().Get("Cache-Control") == "no-store"; got != noStore {
		t.Fatalf("no-store=%v want %v", got, noStore)
	}
}

func TestHandshakeEchoesToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.post(t, "/webhook?validationToken=Validation%3A+Testing+client", "not json at all", "")
	assertReply(t, rec, http.StatusOK, "Validation: Testing client", false)
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("content-type=%q", ct)
	}
	if h.drive.listCalls != 0 {
		t.Fatalf("handshake reached the drive")
	}
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	for _, body := range []string{`{`, `{"value":"nope"}`, `{"value":[{"clientState":"secret"}]}`, `null`} {
		rec := h.post(t, "/webhook", body, "")
		assertReply(t, rec, http.StatusBadRequest, "Invalid request body", false)
	}
}

func TestOversizedBodyIsBadRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.handler.maxBody = 16
	rec := h.post(t, "/webhook", okBody, "r1")
	assertReply(t, rec, http.StatusBadRequest, "Invalid request body", false)
}

func TestWrongSecretIsUnauthorized(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	for _, body := range []string{
		strings.Replace(okBody, `"secret"`, `"guess"`, 1),
		strings.Replace(okBody, `"clientState":"secret",`, ``, 1),
		`{"value":[{"clientState":"guess","resource":"/drives/ABC/root"}]}`,
	} {
		rec := h.post(t, "/webhook", body, "r1")
		assertReply(t, rec, http.StatusUnauthorized, "Invalid notification", false)
	}
	if h.drive.listCalls != 0 || h.sender.count() != 0 {
		t.Fatalf("rejected notification reached downstream")
	}
}

func TestOneBadSecretRejectsBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	body := `{"value":[` +
		`{"subscriptionId":"S1","clientState":"secret","resource":"/drives/ABC/root"},` +
		`{"subscriptionId":"S2","clientState":"wrong","resource":"/drives/ABC/root"}]}`
	rec := h.post(t, "/webhook", body, "r1")
	assertReply(t, rec, http.StatusUnauthorized, "Invalid notification", false)
	if h.drive.listCalls != 0 {
		t.Fatalf("drive called for rejected batch")
	}
}

func TestEmptyValueIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	for _, body := range []string{``, " \n", `{}`, `{"value":[]}`, `{"value":null}`} {
		rec := h.post(t, "/webhook", body, "r1")
		assertReply(t, rec, http.StatusOK, "OK", true)
	}
	if h.drive.listCalls != 0 {
		t.Fatalf("empty notification reached the drive")
	}
}

func TestDeliversReport(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	events, unsub := h.bus.Subscribe(4)
	defer unsub()

	rec := h.post(t, "/webhook", okBody, "r1")
	assertReply(t, rec, http.StatusOK, "OK", true)

	if h.sender.count() != 1 || h.sender.docs[0].FileName != "report.docx" {
		t.Fatalf("docs=%+v", h.sender.docs)
	}
	entries, err := os.ReadDir(h.scratch)
	if err != nil || len(entries) != 0 {
		t.Fatalf("scratch not cleaned: %d entries err=%v", len(entries), err)
	}
	if !h.seenChange(t, "/drives/ABC/root", "S1") {
		t.Fatalf("change not marked")
	}
	seen, _ := h.tracker.SeenDelivery(context.Background(), idempotency.DeliveryKey{RequestID: "r1", RequestTimestamp: "2026-10-15T10:00:00Z"})
	if !seen {
		t.Fatalf("delivery not marked")
	}

	select {
	case ev := <-events:
		re, _ := ev.Data.(eventbus.RelayEvent)
		if ev.Type != eventbus.TypeDelivered || re.FileName != "report.docx" || re.ItemID != "F1" {
			t.Fatalf("event=%+v", ev)
		}
	default:
		t.Fatalf("no event published")
	}
}

func TestDuplicateDeliveryShortCircuits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	assertReply(t, h.post(t, "/webhook", okBody, "r1"), http.StatusOK, "OK", true)
	calls := h.drive.listCalls

	rec := h.post(t, "/webhook", okBody, "r1")
	assertReply(t, rec, http.StatusOK, "OK", false)
	if h.drive.listCalls != calls || h.sender.count() != 1 {
		t.Fatalf("duplicate reached downstream: list=%d sends=%d", h.drive.listCalls, h.sender.count())
	}
}

func TestDuplicateChangeShortCircuits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	assertReply(t, h.post(t, "/webhook", okBody, "r1"), http.StatusOK, "OK", true)

	rec := h.post(t, "/webhook", okBody, "r2")
	assertReply(t, rec, http.StatusOK, "OK", false)
	if h.drive.listCalls != 1 || h.sender.count() != 1 {
		t.Fatalf("duplicate change reached downstream: list=%d sends=%d", h.drive.listCalls, h.sender.count())
	}
}

func TestLookupModeMarksAfterDelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.handler.reserve = false
	assertReply(t, h.post(t, "/webhook", okBody, "r1"), http.StatusOK, "OK", true)
	assertReply(t, h.post(t, "/webhook", okBody, "r2"), http.StatusOK, "OK", false)
	if h.sender.count() != 1 {
		t.Fatalf("sends=%d", h.sender.count())
	}
}

func TestEmptyContainerIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	body := strings.Replace(okBody, "/drives/ABC/root", "/drives/EMPTY/root", 1)
	rec := h.post(t, "/webhook", body, "r1")
	assertReply(t, rec, http.StatusOK, "OK", true)
	if h.drive.downloadCalls != 0 || h.sender.count() != 0 {
		t.Fatalf("skipped notification fetched or sent")
	}
	if h.seenChange(t, "/drives/EMPTY/root", "S1") {
		t.Fatalf("skipped change was marked")
	}
}

func TestMissingDownloadURLIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.drive.dlURL = ""
	rec := h.post(t, "/webhook", okBody, "r1")
	assertReply(t, rec, http.StatusOK, "OK", true)
	if h.drive.downloadCalls != 0 || h.sender.count() != 0 {
		t.Fatalf("download=%d sends=%d", h.drive.downloadCalls, h.sender.count())
	}
	entries, _ := os.ReadDir(h.scratch)
	if len(entries) != 0 {
		t.Fatalf("scratch file created")
	}
}

func TestServerErrorRetriedThenReturned(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	busy := &graph.APIError{StatusCode: http.StatusServiceUnavailable, Message: "busy"}
	h.drive.failures["ABC"] = []error{busy, busy}

	rec := h.post(t, "/webhook", okBody, "r1")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "busy") {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
	if h.drive.listCalls != 2 {
		t.Fatalf("list calls=%d, want 2", h.drive.listCalls)
	}
	if h.seenChange(t, "/drives/ABC/root", "S1") {
		t.Fatalf("failed change still claimed")
	}

	// A later redelivery goes through.
	assertReply(t, h.post(t, "/webhook", okBody, "r1"), http.StatusOK, "OK", true)
	if h.sender.count() != 1 {
		t.Fatalf("redelivery not relayed")
	}
}

func TestTransientFailureRecoversOnSecondAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.drive.failures["ABC"] = []error{&graph.APIError{StatusCode: http.StatusInternalServerError}}

	assertReply(t, h.post(t, "/webhook", okBody, "r1"), http.StatusOK, "OK", true)
	if h.drive.listCalls != 2 || h.sender.count() != 1 {
		t.Fatalf("list=%d sends=%d", h.drive.listCalls, h.sender.count())
	}
}

func TestPartialBatchMarksDeliveredChangesOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.drive.failures["BAD"] = []error{&graph.APIError{StatusCode: http.StatusForbidden, Message: "denied"}}
	body := `{"value":[` +
		`{"subscriptionId":"S1","clientState":"secret","resource":"/drives/ABC/root"},` +
		`{"subscriptionId":"S1","clientState":"secret","resource":"/drives/BAD/root"}]}`

	rec := h.post(t, "/webhook", body, "r1")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
	if !h.seenChange(t, "/drives/ABC/root", "S1") {
		t.Fatalf("delivered change not marked")
	}
	if h.seenChange(t, "/drives/BAD/root", "S1") {
		t.Fatalf("failed change marked")
	}
	seen, _ := h.tracker.SeenDelivery(context.Background(), idempotency.DeliveryKey{RequestID: "r1", RequestTimestamp: "2026-10-15T10:00:00Z"})
	if seen {
		t.Fatalf("delivery marked despite failure")
	}
}

func TestPanicAnswers500AndReleasesClaim(t *testing.T) {
	t.Parallel()

	h := newHarness(t, panicRunner{})
	rec := h.post(t, "/webhook", okBody, "r1")
	assertReply(t, rec, http.StatusInternalServerError, "Internal server error", false)
	if h.seenChange(t, "/drives/ABC/root", "S1") {
		t.Fatalf("claim survived panic")
	}
}

func TestNonPostIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("status=%d allow=%q", rec.Code, rec.Header().Get("Allow"))
	}
}

func TestFirstEntryOnly(t *testing.T) {
	t.Parallel()

	dir := tenant.New([]config.TenantConfig{{ID: "default", ClientState: "secret", ChatID: 1}})
	v, err := NewValidator(dir, false, logx.Nop())
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	body := `{"value":[` +
		`{"subscriptionId":"S1","clientState":"secret","resource":"/drives/A/root"},` +
		`{"subscriptionId":"S2","clientState":"secret","resource":"/drives/B/root"}]}`
	got := v.Validate(httptest.NewRequest(http.MethodPost, "/webhook", nil), []byte(body), nil)
	if got.Kind != Authenticated || len(got.Entries) != 1 || got.Entries[0].Notification.Resource != "/drives/A/root" {
		t.Fatalf("validation=%+v", got)
	}
}
