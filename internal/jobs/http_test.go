package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/ops-console/internal/stream"
)

func newJobsRouter(registry *Registry, kinds KindSet) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/jobs/:kind/stream", StreamHandler(registry, kinds))
	router.GET("/api/jobs/:kind/status", StatusHandler(registry))
	return router
}

func decodeStreamBody(t *testing.T, body string) []ProgressEvent {
	t.Helper()
	var events []ProgressEvent
	var dec stream.Decoder
	for _, raw := range dec.Feed([]byte(body)) {
		var ev ProgressEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("failed to unmarshal event %q: %v", raw, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestStreamHandlerDeliversEventsUntilTerminal(t *testing.T) {
	registry := newTestRegistry()
	kinds := KindSet{
		"catalog-sync": func(scope string) Body {
			return func(ctx context.Context, pub *Publisher) error {
				_ = pub.Publish("connecting", "", 0.02, nil)
				_ = pub.Publish("scanning", "", 0.3, map[string]any{"discovered": 7})
				return pub.Publish(PhaseDone, "", 1, map[string]any{"new_services_added": 5})
			}
		},
	}
	router := newJobsRouter(registry, kinds)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/catalog-sync/stream", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	if rec.Header().Get("X-Job-Id") == "" {
		t.Fatal("X-Job-Id header is missing")
	}

	events := decodeStreamBody(t, rec.Body.String())
	wantPhases := []string{"connecting", "scanning", PhaseDone}
	if len(events) != len(wantPhases) {
		t.Fatalf("received %d events, want %d: %+v", len(events), len(wantPhases), events)
	}
	for i, ev := range events {
		if ev.Phase != wantPhases[i] {
			t.Fatalf("event %d phase = %s, want %s", i, ev.Phase, wantPhases[i])
		}
		if ev.Sequence != int64(i) {
			t.Fatalf("event %d sequence = %d, want %d", i, ev.Sequence, i)
		}
	}
}

func TestStreamHandlerJoinsRunningJob(t *testing.T) {
	registry := newTestRegistry()
	release := make(chan struct{})
	factory := func(scope string) Body {
		return func(ctx context.Context, pub *Publisher) error {
			_ = pub.Publish("provisioning", "", 0.45, nil)
			<-release
			return pub.Publish(PhaseDone, "", 1, nil)
		}
	}
	router := newJobsRouter(registry, KindSet{"deploy": factory})

	// 先行してジョブを開始しておく
	started, created, err := registry.Start(context.Background(), "deploy", "prod", factory("prod"))
	if err != nil || !created {
		t.Fatalf("pre-start failed: created=%v err=%v", created, err)
	}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/jobs/deploy/stream?scope=prod", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		done <- rec
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case rec := <-done:
		if got := rec.Header().Get("X-Job-Id"); got != started.ID {
			t.Fatalf("X-Job-Id = %s, want %s (should join the running job)", got, started.ID)
		}
		events := decodeStreamBody(t, rec.Body.String())
		if len(events) != 2 || events[0].Phase != "provisioning" || !events[1].Terminal() {
			t.Fatalf("unexpected replayed events: %+v", events)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream request did not finish")
	}
}

func TestStreamHandlerUnknownKind(t *testing.T) {
	router := newJobsRouter(newTestRegistry(), KindSet{})

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/nope/stream", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "UNKNOWN_JOB_KIND") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestStreamHandlerRejectsInvalidFrom(t *testing.T) {
	kinds := KindSet{
		"deploy": func(scope string) Body {
			return func(ctx context.Context, pub *Publisher) error {
				return pub.Publish(PhaseDone, "", 1, nil)
			}
		},
	}
	router := newJobsRouter(newTestRegistry(), kinds)

	for _, from := range []string{"abc", "-1"} {
		req := httptest.NewRequest(http.MethodPost, "/api/jobs/deploy/stream?from="+from, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("from=%s: status = %d, want 400", from, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "INVALID_INPUT") {
			t.Fatalf("from=%s: unexpected body: %s", from, rec.Body.String())
		}
	}
}

func TestStatusHandler(t *testing.T) {
	registry := newTestRegistry()
	kinds := KindSet{
		"deploy": func(scope string) Body {
			return func(ctx context.Context, pub *Publisher) error {
				return pub.Publish(PhaseDone, "", 1, nil)
			}
		},
	}
	router := newJobsRouter(registry, kinds)

	// ジョブ未実行: running=false, progress=null
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/deploy/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("failed to unmarshal status: %v", err)
	}
	if st.Running || st.Progress != nil {
		t.Fatalf("unexpected status before start: %+v", st)
	}

	// 完了後: running=false, progress.phase=done
	job, _, err := registry.Start(context.Background(), "deploy", "default", kinds["deploy"]("default"))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitTerminal(t, job)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("failed to unmarshal status: %v", err)
	}
	if st.Running {
		t.Fatal("expected running=false after completion")
	}
	if st.Progress == nil || st.Progress.Phase != PhaseDone {
		t.Fatalf("unexpected progress: %+v", st.Progress)
	}
}
