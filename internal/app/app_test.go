package app

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bragsync/internal/config"
	"bragsync/internal/journal"
	"bragsync/internal/orphans"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeWordPress answers admin-ajax actions from a table of canned bodies
type fakeWordPress struct {
	mu      sync.Mutex
	bodies  map[string][]string
	actions []string
	forms   map[string]map[string]string
}

func newFakeWordPress() *fakeWordPress {
	return &fakeWordPress{
		bodies: make(map[string][]string),
		forms:  make(map[string]map[string]string),
	}
}

func (f *fakeWordPress) on(action string, bodies ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies["brag_book_gallery_"+action] = append(f.bodies["brag_book_gallery_"+action], bodies...)
}

func (f *fakeWordPress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	action := r.PostForm.Get("action")

	f.mu.Lock()
	f.actions = append(f.actions, action)
	form := make(map[string]string)
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	f.forms[action] = form

	body := `{"success":false,"data":{"message":"unexpected action"}}`
	if q := f.bodies[action]; len(q) > 0 {
		body = q[0]
		if len(q) > 1 {
			f.bodies[action] = q[1:]
		}
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func (f *fakeWordPress) count(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.actions {
		if a == "brag_book_gallery_"+action {
			n++
		}
	}
	return n
}

func (f *fakeWordPress) form(action string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms["brag_book_gallery_"+action]
}

func newTestSyncer(t *testing.T, wp *fakeWordPress, in string, assumeYes bool) (*Syncer, *bytes.Buffer) {
	t.Helper()

	srv := httptest.NewServer(wp)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Server.URL = srv.URL + "/wp-admin/admin-ajax.php"
	cfg.Server.Nonce = "n0nce"
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.Poll.StageInterval = 10 * time.Millisecond
	cfg.Poll.PageInterval = 10 * time.Millisecond
	cfg.Batch.Backoff = time.Millisecond

	out := &bytes.Buffer{}
	s, err := New(cfg, zap.NewNop(), Options{
		In:        strings.NewReader(in),
		Out:       &lockedWriter{buf: out},
		AssumeYes: assumeYes,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, out
}

type lockedWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

const orphansFound = `{"success":true,"data":{"total":2,"orphans":{"cases":[
{"api_id":"901","wordpress_id":41,"name":"Case 901"},
{"api_id":"902","wordpress_id":42,"name":"Case 902"}]}}}`

func TestRun_FullSyncEndToEnd(t *testing.T) {
	wp := newFakeWordPress()
	wp.on("get_progress", `{"success":true,"data":{"active":false,"stage":"idle"}}`)
	wp.on("run_stage_1", `{"success":true,"data":{"procedures_created":3,"procedures_updated":1}}`)
	wp.on("run_stage_2", `{"success":true,"data":{"message":"Manifest built","total_cases":4}}`)
	wp.on("run_stage_3",
		`{"success":true,"data":{"processed_cases":2,"total_cases":4,"created_posts":2,"updated_posts":0,"failed_cases":0,"needs_continue":true}}`,
		`{"success":true,"data":{"processed_cases":4,"total_cases":4,"created_posts":3,"updated_posts":1,"failed_cases":0,"needs_continue":false}}`,
	)
	wp.on("detect_orphans", orphansFound)
	wp.on("delete_orphans", `{"success":true,"data":{"deleted_count":2}}`)

	s, out := newTestSyncer(t, wp, "", true)

	outcome, err := s.Run(context.Background(), RunFullSync)
	require.NoError(t, err)

	assert.Equal(t, journal.StatusCompleted, outcome.Status)
	assert.Equal(t, "Full sync complete: 4/4 processed (3 created, 1 updated, 0 failed)", outcome.Message)
	assert.Equal(t, 1, wp.count("run_stage_1"))
	assert.Equal(t, 1, wp.count("run_stage_2"))
	assert.Equal(t, 2, wp.count("run_stage_3"))
	assert.Equal(t, "2", wp.form("run_stage_3")["batch_number"])
	assert.Equal(t, "n0nce", wp.form("run_stage_1")["nonce"])

	assert.Equal(t, 1, wp.count("detect_orphans"))
	assert.Equal(t, 1, wp.count("delete_orphans"))
	assert.Contains(t, wp.form("delete_orphans")["orphans"], `"api_id":"901"`)
	assert.Equal(t, orphans.StateIdle, s.orphans.State())

	text := out.String()
	assert.Contains(t, text, "Found 2 orphaned item(s)")
	assert.Contains(t, text, "Deleted 2 orphaned item(s).")
	assert.Contains(t, text, outcome.Message)

	runs, err := s.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "full", runs[0].Kind)
	assert.EqualValues(t, 4, runs[0].Processed)
}

func TestRun_DeclinedOrphanDeletionKeepsRecords(t *testing.T) {
	wp := newFakeWordPress()
	wp.on("get_progress", `{"success":true,"data":{"active":false}}`)
	wp.on("run_stage_3", `{"success":true,"data":{"processed_cases":1,"total_cases":1,"needs_continue":false}}`)
	wp.on("detect_orphans", orphansFound)

	s, out := newTestSyncer(t, wp, "n\n", false)

	_, err := s.Run(context.Background(), RunStage3)
	require.NoError(t, err)

	assert.Equal(t, 0, wp.count("delete_orphans"))
	assert.Contains(t, out.String(), "Proceed? [y/N]")
	assert.Contains(t, out.String(), "Orphaned items were kept.")
	assert.Empty(t, s.orphans.Candidates())
	assert.False(t, s.console.PanelVisible())
}

func TestRun_FailureIsReportedAndJournaled(t *testing.T) {
	wp := newFakeWordPress()
	wp.on("get_progress", `{"success":true,"data":{"active":false}}`)
	wp.on("run_stage_1", `{"success":false,"data":{"message":"API token missing"}}`)

	s, out := newTestSyncer(t, wp, "", false)

	outcome, err := s.Run(context.Background(), RunStage1)
	require.Error(t, err)

	assert.Equal(t, journal.StatusFailed, outcome.Status)
	assert.Contains(t, out.String(), "Stage 1 failed: API token missing")
	assert.False(t, s.Orchestrator().Running())
}

func TestCurrentSync_FailureDegradesToIdle(t *testing.T) {
	wp := newFakeWordPress()
	wp.on("get_progress",
		`{"success":true,"data":{"active":true,"stage":"stage3","current_step":"Processing","overall_percentage":72}}`,
		`not json at all`,
	)

	s, _ := newTestSyncer(t, wp, "", false)

	snap, running := s.CurrentSync(context.Background())
	assert.True(t, running)
	assert.Equal(t, "stage3", snap.Stage)
	assert.Equal(t, 72.0, snap.OverallPercentage)

	_, running = s.CurrentSync(context.Background())
	assert.False(t, running, "a failed progress check degrades to idle")
}

func TestWatch_RecordsProgressUntilCancelled(t *testing.T) {
	wp := newFakeWordPress()
	wp.on("get_progress", `{"success":true,"data":{"active":true,"stage":"stage2","current_step":"Building manifest","overall_percentage":40}}`)

	s, _ := newTestSyncer(t, wp, "", false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	require.Eventually(t, func() bool { return s.tracker.GetStatus().Updates > 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	status := s.tracker.GetStatus()
	assert.Equal(t, 40.0, status.Percent)
	assert.Equal(t, "Building manifest", status.Message)
}

func TestFilesStatus(t *testing.T) {
	wp := newFakeWordPress()
	wp.on("check_files_status", `{"success":true,"data":{
"sync_data":{"exists":true,"size":2048,"modified":1760000000},
"manifest":false}}`)

	s, _ := newTestSyncer(t, wp, "", false)

	files, err := s.FilesStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, FileStatus{Name: FileSyncData, Exists: true, Size: 2048, Modified: time.Unix(1760000000, 0)}, files[0])
	assert.Equal(t, FileStatus{Name: FileManifest}, files[1])
}

func TestDeleteFile(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		wp := newFakeWordPress()
		wp.on("delete_file", `{"success":true,"data":{"message":"Manifest deleted"}}`)
		s, out := newTestSyncer(t, wp, "y\n", false)

		ok, err := s.DeleteFile(context.Background(), FileManifest)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "manifest", wp.form("delete_file")["file"])
		assert.Contains(t, out.String(), "Manifest deleted")
	})

	t.Run("declined", func(t *testing.T) {
		wp := newFakeWordPress()
		s, _ := newTestSyncer(t, wp, "\n", false)

		ok, err := s.DeleteFile(context.Background(), FileSyncData)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, wp.count("delete_file"))
	})

	t.Run("unknown file", func(t *testing.T) {
		s, _ := newTestSyncer(t, newFakeWordPress(), "", true)
		_, err := s.DeleteFile(context.Background(), "wp-config")
		assert.Error(t, err)
	})
}

func TestDeleteRun_RemovesServerAndLocalRecord(t *testing.T) {
	wp := newFakeWordPress()
	wp.on("delete_sync_record", `{"success":true,"data":{"message":"deleted"}}`)

	s, _ := newTestSyncer(t, wp, "", false)
	ctx := context.Background()

	require.NoError(t, s.journal.SaveRun(ctx, &journal.RunRecord{
		ID: "run-1", Kind: "stage1", Status: journal.StatusCompleted, StartedAt: time.Now(),
	}))

	require.NoError(t, s.DeleteRun(ctx, "run-1"))
	assert.Equal(t, "run-1", wp.form("delete_sync_record")["sync_id"])

	rec, err := s.journal.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestClearLog(t *testing.T) {
	wp := newFakeWordPress()
	wp.on("clear_sync_log", `{"success":true,"data":{}}`)

	s, _ := newTestSyncer(t, wp, "", true)
	ctx := context.Background()

	require.NoError(t, s.journal.SaveRun(ctx, &journal.RunRecord{
		ID: "run-1", Kind: "full", Status: journal.StatusFailed, StartedAt: time.Now(),
	}))

	ok, err := s.ClearLog(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSimpleOperations(t *testing.T) {
	wp := newFakeWordPress()
	wp.on("clear_stage3_status", `{"success":true,"data":{"message":"Stage 3 status reset"}}`)
	wp.on("stop_sync", `{"success":true,"data":{}}`)
	wp.on("get_manifest_preview", `{"success":true,"data":{"procedures":2}}`)
	wp.on("get_bragbook_sync_status", `{"success":false,"data":{"message":"Not configured"}}`)

	s, _ := newTestSyncer(t, wp, "", false)
	ctx := context.Background()

	msg, err := s.ClearStage3Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Stage 3 status reset", msg)

	msg, err = s.StopRemote(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Stop requested", msg)

	preview, err := s.ManifestPreview(ctx)
	require.NoError(t, err)
	assert.Contains(t, preview, `"procedures": 2`)

	_, err = s.BragBookStatus(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Not configured")
}

func TestConfirm_CancelledWhileWaitingForAnswer(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	c := NewConsole(pr, &bytes.Buffer{}, false, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := c.Confirm(ctx, "Delete file?", "The manifest will be removed.")
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}
