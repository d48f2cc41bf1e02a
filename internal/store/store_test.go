package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/store"
	"github.com/lizcirble/shakabackend/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogTaskEvent(t *testing.T) {
	s := storetest.New(t)

	s.LogTaskEvent("task-1", "", "user-1", "created", "")
	s.LogTaskEvent("task-1", "sub-1", "user-2", "assigned", "slot 1/2")

	require.Eventually(t, func() bool {
		events, err := s.TaskEvents("task-1")
		return err == nil && len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	events, err := s.TaskEvents("task-1")
	require.NoError(t, err)
	assert.Equal(t, "created", events[0].Event)
	assert.Equal(t, "sub-1", events[1].SubmissionID)
	assert.Equal(t, "slot 1/2", events[1].Detail)
}

func TestCloseDrainsAndIgnoresLateEvents(t *testing.T) {
	s := storetest.New(t)
	s.LogTaskEvent("task-2", "", "", "created", "")

	require.NoError(t, s.Close())
	assert.NotPanics(t, func() { s.LogTaskEvent("task-2", "", "", "late", "") })
}

func TestNewStoreFailsOnReadOnlyDatabase(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "ro.db") + "?_pragma=query_only(1)"

	s, err := store.NewStore(sqlite.Open(dsn), store.DefaultOptions, logging.NewNoOpLogger())
	assert.Nil(t, s)
	assert.ErrorContains(t, err, "migrate")
}
