package orphans

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"bragsync/internal/remote"
	"bragsync/internal/remote/remotetest"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type panel struct {
	mu        sync.Mutex
	events    []string
	groups    []Group
	report    Report
	dismissed chan struct{}
}

func newPanel() *panel {
	return &panel{dismissed: make(chan struct{}, 4)}
}

func (p *panel) add(e string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *panel) ShowNone() { p.add("none") }
func (p *panel) ShowPreview(total int, groups []Group) {
	p.mu.Lock()
	p.groups = groups
	p.mu.Unlock()
	p.add(fmt.Sprintf("preview:%d", total))
}
func (p *panel) ShowReport(r Report) {
	p.mu.Lock()
	p.report = r
	p.mu.Unlock()
	p.add("report")
}
func (p *panel) ShowError(msg string) { p.add("error:" + msg) }
func (p *panel) Dismiss() {
	p.add("dismiss")
	p.dismissed <- struct{}{}
}

func (p *panel) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type answer struct {
	ok    bool
	asked int
}

func (a *answer) Confirm(_ context.Context, title, body string) (bool, error) {
	a.asked++
	return a.ok, nil
}

func orphanList(n int, itemType string) string {
	items := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, fmt.Sprintf(`{"item_type":%q,"api_id":"%d","wordpress_id":%d,"name":"%s %d"}`, itemType, 1000+i, i, itemType, i))
	}
	return "[" + strings.Join(items, ",") + "]"
}

func newFlow(fake *remotetest.Fake, confirm *answer, p *panel, noneDismiss time.Duration) *Flow {
	return NewFlow(fake, confirm, p, Options{
		NoneDismiss:   noneDismiss,
		ReportDismiss: 20 * time.Millisecond,
		SampleCap:     5,
	}, zap.NewNop())
}

func TestDetect_NoneAutoDismisses(t *testing.T) {
	fake := remotetest.New().Queue(remote.OpDetectOrphans, remotetest.OK(`{"total":0}`))
	p := newPanel()
	f := newFlow(fake, &answer{}, p, 30*time.Millisecond)

	require.NoError(t, f.Detect(context.Background()))
	assert.Equal(t, StateIdle, f.State())
	assert.Equal(t, []string{"none"}, p.Events())

	select {
	case <-p.dismissed:
	case <-time.After(time.Second):
		t.Fatal("panel was not dismissed")
	}
	assert.Equal(t, []string{"none", "dismiss"}, p.Events())
}

func TestDetect_GroupsWithSampleCap(t *testing.T) {
	data := fmt.Sprintf(`{"total":9,"orphans":{"procedure":%s,"case":%s}}`, orphanList(2, "procedure"), orphanList(7, "case"))
	fake := remotetest.New().Queue(remote.OpDetectOrphans, remotetest.OK(data))
	p := newPanel()
	f := newFlow(fake, &answer{}, p, time.Hour)

	require.NoError(t, f.Detect(context.Background()))
	assert.Equal(t, StatePreviewing, f.State())
	assert.Len(t, f.Candidates(), 9)

	require.Len(t, p.groups, 2)
	assert.Equal(t, "procedure", p.groups[0].ItemType)
	assert.Equal(t, 2, p.groups[0].Count)
	assert.Equal(t, 0, p.groups[0].Remaining)
	assert.Equal(t, "case", p.groups[1].ItemType)
	assert.Len(t, p.groups[1].Samples, 5)
	assert.Equal(t, 2, p.groups[1].Remaining)
	assert.Equal(t, []string{"preview:9"}, p.Events())
}

func TestConfirmDelete_SendsFullCandidateSet(t *testing.T) {
	fake := remotetest.New().
		Queue(remote.OpDetectOrphans, remotetest.OK(fmt.Sprintf(`{"total":7,"orphans":%s}`, orphanList(7, "case")))).
		Queue(remote.OpDeleteOrphans, remotetest.OK(`{"deleted_count":6,"deleted":[{"item_type":"case","name":"case 1","wordpress_id":1}],"errors":["case 7: permission denied"]}`))
	p := newPanel()
	confirm := &answer{ok: true}
	f := newFlow(fake, confirm, p, time.Hour)

	require.NoError(t, f.Detect(context.Background()))
	deleted, err := f.ConfirmDelete(context.Background())
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 1, confirm.asked)

	calls := fake.Calls(remote.OpDeleteOrphans)
	require.Len(t, calls, 1)
	var sent []Record
	require.NoError(t, json.Unmarshal([]byte(calls[0].Params["orphans"]), &sent))
	assert.Len(t, sent, 7)
	assert.Equal(t, int64(7), sent[6].WordPressID)

	assert.Equal(t, StateIdle, f.State())
	assert.Empty(t, f.Candidates())
	assert.Equal(t, 6, p.report.DeletedCount)
	assert.Equal(t, []string{"case 7: permission denied"}, p.report.Errors)

	select {
	case <-p.dismissed:
	case <-time.After(time.Second):
		t.Fatal("report was not dismissed")
	}
}

func TestConfirmDelete_DeclinedSendsNothing(t *testing.T) {
	fake := remotetest.New().Queue(remote.OpDetectOrphans, remotetest.OK(fmt.Sprintf(`{"orphans":%s}`, orphanList(1, "case"))))
	f := newFlow(fake, &answer{ok: false}, newPanel(), time.Hour)

	require.NoError(t, f.Detect(context.Background()))
	deleted, err := f.ConfirmDelete(context.Background())
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, 0, fake.Count(remote.OpDeleteOrphans))
	assert.Equal(t, StatePreviewing, f.State())
}

func TestConfirmDelete_FailureKeepsCandidatesForRetry(t *testing.T) {
	fake := remotetest.New().
		Queue(remote.OpDetectOrphans, remotetest.OK(fmt.Sprintf(`{"total":2,"orphans":%s}`, orphanList(2, "case")))).
		Queue(remote.OpDeleteOrphans,
			remotetest.Rejected(remote.OpDeleteOrphans, "Database locked"),
			remotetest.OK(`{"deleted_count":2}`),
		)
	p := newPanel()
	f := newFlow(fake, &answer{ok: true}, p, time.Hour)

	require.NoError(t, f.Detect(context.Background()))

	_, err := f.ConfirmDelete(context.Background())
	require.Error(t, err)
	assert.Equal(t, remote.KindRejected, remote.KindOf(err))
	assert.Equal(t, StatePreviewing, f.State())
	assert.Len(t, f.Candidates(), 2)
	assert.Contains(t, p.Events(), "error:Database locked")

	deleted, err := f.ConfirmDelete(context.Background())
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 2, fake.Count(remote.OpDeleteOrphans))
}

func TestDismiss_ClearsCandidates(t *testing.T) {
	fake := remotetest.New().Queue(remote.OpDetectOrphans, remotetest.OK(fmt.Sprintf(`{"orphans":%s}`, orphanList(3, "case"))))
	f := newFlow(fake, &answer{ok: true}, newPanel(), time.Hour)

	require.NoError(t, f.Detect(context.Background()))
	f.Dismiss()

	assert.Equal(t, StateIdle, f.State())
	assert.Empty(t, f.Candidates())

	_, err := f.ConfirmDelete(context.Background())
	assert.ErrorIs(t, err, ErrNothingToDelete)
}

func TestDetect_ErrorReturnsToIdle(t *testing.T) {
	fake := remotetest.New().Queue(remote.OpDetectOrphans, remotetest.Rejected(remote.OpDetectOrphans, "Sync data missing"))
	p := newPanel()
	f := newFlow(fake, &answer{}, p, time.Hour)

	err := f.Detect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, f.State())
	assert.Equal(t, []string{"error:Sync data missing"}, p.Events())
}

func TestDetect_TotalWithoutListedItemsStaysIdle(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "no orphans key", data: `{"total":4}`},
		{name: "empty groups", data: `{"total":2,"orphans":{"case":[],"procedure":[]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := remotetest.New().Queue(remote.OpDetectOrphans, remotetest.OK(tt.data))
			p := newPanel()
			f := newFlow(fake, &answer{}, p, time.Hour)

			require.Error(t, f.Detect(context.Background()))
			assert.Equal(t, StateIdle, f.State())
			assert.Empty(t, f.Candidates())
			assert.Equal(t, []string{"error:The server reported orphaned items but did not list any"}, p.Events())

			_, err := f.ConfirmDelete(context.Background())
			assert.ErrorIs(t, err, ErrNothingToDelete)
		})
	}
}

func TestDetect_NewDetectCancelsPendingDismiss(t *testing.T) {
	fake := remotetest.New().Queue(remote.OpDetectOrphans,
		remotetest.OK(`{"total":0}`),
		remotetest.OK(fmt.Sprintf(`{"orphans":%s}`, orphanList(1, "case"))),
	)
	p := newPanel()
	f := newFlow(fake, &answer{}, p, 20*time.Millisecond)

	require.NoError(t, f.Detect(context.Background()))
	require.NoError(t, f.Detect(context.Background()))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{"none", "preview:1"}, p.Events())
	assert.Equal(t, StatePreviewing, f.State())
}
