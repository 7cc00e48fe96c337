package notification

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/hvorchestrator/pkg/types"
)

type recordingHub struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingHub) Broadcast(msgType string, topic string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, msgType+"/"+topic)
}

func (r *recordingHub) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type panickingHub struct{}

func (panickingHub) Broadcast(string, string, any) { panic("boom") }

func TestCreateStoresAndBroadcasts(t *testing.T) {
	hub := &recordingHub{}
	s := New(hub)

	n := s.Create("Host down", "h1 unreachable", types.NotificationLevelError, types.NotificationCategoryHost, "h1", nil)
	require.NotEmpty(t, n.ID)
	require.Equal(t, 1, hub.count())

	list := s.List(0)
	require.Len(t, list, 1)
	require.Equal(t, n.ID, list[0].ID)
}

func TestUpsertSystemCreatesThenMutatesInPlace(t *testing.T) {
	hub := &recordingHub{}
	s := New(hub)

	first := s.UpsertSystem("disk-space", "Low disk", "85% used", types.NotificationLevelWarning, nil)
	second := s.UpsertSystem("disk-space", "Low disk", "92% used", types.NotificationLevelWarning, nil)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.CreatedAt, second.CreatedAt)

	list := s.List(0)
	require.Len(t, list, 1)
	require.Equal(t, "92% used", list[0].Message)
	require.Equal(t, 2, hub.count())
}

func TestUpsertByKeyGeneralizesToJobCategory(t *testing.T) {
	hub := &recordingHub{}
	s := New(hub)

	first := s.UpsertByKey(types.NotificationCategoryJob, "job-1", "Job pending", "queued", types.NotificationLevelInfo, nil)
	second := s.UpsertByKey(types.NotificationCategoryJob, "job-1", "Job running", "in progress", types.NotificationLevelInfo, nil)

	require.Equal(t, first.ID, second.ID)
	list := s.List(0)
	require.Len(t, list, 1)
	require.Equal(t, "Job running", list[0].Title)
}

func TestClearSystemRemovesMatchingKey(t *testing.T) {
	hub := &recordingHub{}
	s := New(hub)
	s.UpsertSystem("disk-space", "Low disk", "85% used", types.NotificationLevelWarning, nil)
	s.ClearSystem("disk-space")
	require.Empty(t, s.List(0))
}

func TestMarkReadAndMarkAllRead(t *testing.T) {
	hub := &recordingHub{}
	s := New(hub)
	n1 := s.Create("a", "a", types.NotificationLevelInfo, types.NotificationCategorySystem, "", nil)
	s.Create("b", "b", types.NotificationLevelInfo, types.NotificationCategorySystem, "", nil)

	require.Len(t, s.ListUnread(0), 2)

	s.MarkRead(n1.ID)
	require.Len(t, s.ListUnread(0), 1)

	s.MarkAllRead()
	require.Empty(t, s.ListUnread(0))
}

func TestListSortedByCreatedAtDescending(t *testing.T) {
	hub := &recordingHub{}
	s := New(hub)
	base := time.Now()
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first := s.Create("1", "1", types.NotificationLevelInfo, types.NotificationCategorySystem, "", nil)
	second := s.Create("2", "2", types.NotificationLevelInfo, types.NotificationCategorySystem, "", nil)

	list := s.List(0)
	require.Equal(t, second.ID, list[0].ID)
	require.Equal(t, first.ID, list[1].ID)
}

func TestListRespectsLimit(t *testing.T) {
	hub := &recordingHub{}
	s := New(hub)
	for i := 0; i < 5; i++ {
		s.Create("n", "n", types.NotificationLevelInfo, types.NotificationCategorySystem, "", nil)
	}
	require.Len(t, s.List(2), 2)
}

func TestBroadcastPanicIsRecoveredAndDoesNotFailOperation(t *testing.T) {
	s := New(panickingHub{})
	require.NotPanics(t, func() {
		s.Create("a", "a", types.NotificationLevelInfo, types.NotificationCategorySystem, "", nil)
	})
	require.Len(t, s.List(0), 1)
}
