package worknode

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/model"
	"github.com/lizcirble/shakabackend/internal/splitproc"
	"github.com/lizcirble/shakabackend/internal/ws"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu      sync.Mutex
	fetched []string
	results []*model.JobResult
}

func (f *fakeSender) SendFetchJob(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, jobID)
	return nil
}

func (f *fakeSender) SendJobResult(res *model.JobResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	return nil
}

func (f *fakeSender) snapshot() ([]string, []*model.JobResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...), append([]*model.JobResult(nil), f.results...)
}

func newTestRunner(cfg Config, proc Processor) (*Runner, *fakeSender) {
	r := NewRunner(cfg, proc, logging.NewNoOpLogger())
	out := &fakeSender{}
	r.out = out
	return r, out
}

func TestRunnerClaimsAcceptedCategories(t *testing.T) {
	r, out := newTestRunner(Config{Categories: []model.Category{model.CategoryAIEvaluation}}, Planner{})
	ctx := context.Background()

	r.OnJobAnnouncement(ctx, &model.JobAnnouncement{JobID: "job-1", Category: model.CategoryAIEvaluation})
	r.OnJobAnnouncement(ctx, &model.JobAnnouncement{JobID: "job-2", Category: model.CategoryImageLabeling})

	require.Eventually(t, func() bool {
		fetched, _ := out.snapshot()
		return len(fetched) == 1
	}, time.Second, 10*time.Millisecond)
	fetched, _ := out.snapshot()
	assert.Equal(t, []string{"job-1"}, fetched)
}

func TestRunnerProcessesAssignedJobs(t *testing.T) {
	failing := ProcessorFunc(func(_ context.Context, sub model.Subtask) (json.RawMessage, error) {
		if sub.TaskID == "bad" {
			return nil, errors.New("cannot split")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	r, out := newTestRunner(Config{Workers: 2}, failing)
	ctx, cancel := context.WithCancel(context.Background())
	r.startWorkers(ctx)

	r.OnJobAssigned(ctx, &model.JobAssignment{JobID: "job-1", Subtask: model.Subtask{TaskID: "good"}})
	r.OnJobAssigned(ctx, &model.JobAssignment{JobID: "job-2", Subtask: model.Subtask{TaskID: "bad"}})

	require.Eventually(t, func() bool {
		_, results := out.snapshot()
		return len(results) == 2
	}, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, r.Stop())

	_, results := out.snapshot()
	byJob := map[string]*model.JobResult{}
	for _, res := range results {
		byJob[res.JobID] = res
	}
	assert.True(t, byJob["job-1"].Success)
	assert.JSONEq(t, `{"ok":true}`, string(byJob["job-1"].Results))
	assert.False(t, byJob["job-2"].Success)
	assert.Equal(t, "cannot split", byJob["job-2"].Error)
	assert.Equal(t, Stats{Claimed: 2, Completed: 1, Failed: 1}, r.Stats())
}

func TestClaimDelayGrowsWithBacklog(t *testing.T) {
	r, _ := newTestRunner(Config{Workers: 1, QueueSize: 8, BusyDelay: time.Second}, Planner{})
	assert.Zero(t, r.claimDelay())

	for i := 0; i < 3; i++ {
		r.queue <- &model.JobAssignment{JobID: string(rune('a' + i))}
	}
	assert.Equal(t, 3*time.Second, r.claimDelay())
}

func TestRunnerAgainstHub(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sched := splitproc.NewScheduler(rdb, splitproc.Options{
		LeaseTTL:  time.Minute,
		ResultTTL: time.Hour,
	}, logging.NewNoOpLogger())
	hub := ws.NewHub(sched, logging.NewNoOpLogger())
	sched.SetAnnouncer(hub)

	srvCtx, srvCancel := context.WithCancel(context.Background())
	defer srvCancel()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "node-1:sig", req.Header.Get("X-Auth-Token"))
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		ws.NewClient("node-1", conn, hub).Run(srvCtx)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	runner := NewRunner(Config{Workers: 1}, Planner{}, logging.NewNoOpLogger())
	require.NoError(t, runner.Start(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), "node-1:sig"))
	defer func() {
		cancel()
		_ = runner.Stop()
	}()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	jobID, err := sched.Submit(context.Background(), model.Subtask{
		TaskID:          "task-1",
		Category:        model.CategoryAudioTranscription,
		Title:           "clips",
		Description:     "clip 1\nclip 2\nclip 3",
		RequiredWorkers: 3,
	})
	require.NoError(t, err)

	var st *model.JobStatus
	require.Eventually(t, func() bool {
		st, err = sched.PollStatus(context.Background(), jobID)
		return err == nil && st.State == model.JobCompleted
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, "node-1", st.NodeID)
	var plan Plan
	require.NoError(t, json.Unmarshal(st.Results, &plan))
	assert.Len(t, plan.Units, 3)
	assert.Equal(t, []string{"clip 2"}, plan.Units[1].Instructions)
	assert.Equal(t, Stats{Claimed: 1, Completed: 1}, runner.Stats())

	// A frame the server cannot route comes back as an ERROR frame.
	require.NoError(t, runner.client.SendFetchJob(""))
	require.Eventually(t, func() bool { return runner.Stats().Rejected == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunnerCountsRejectedFrames(t *testing.T) {
	r, _ := newTestRunner(Config{}, Planner{})
	r.OnRejected(context.Background(), &model.ProtocolError{Code: model.ErrCodeMissingJobID, Type: model.MsgTypeFetchJob})
	assert.Equal(t, int64(1), r.Stats().Rejected)
}
