package history

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monthlyload/internal/pipeline"
	"monthlyload/pkg/errors"
)

func newRecord(date string, state pipeline.RunState) *RunRecord {
	return &RunRecord{
		ID:          "scheduled__" + date,
		Graph:       pipeline.GraphID,
		LogicalDate: date,
		TargetMonth: date[:7],
		State:       state,
		StartTime:   time.Now().UTC(),
		Tasks:       []TaskRecord{{ID: pipeline.TaskStart, State: pipeline.TaskPending}},
	}
}

func TestStoreRecordAndGet(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Record(newRecord("2024-04-01", pipeline.RunRunning)))

	rec, err := store.Get("2024-04-01")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempt)
	assert.Equal(t, pipeline.RunRunning, rec.State)
	assert.FileExists(t, filepath.Join(dir, "history", "2024-04-01.json"))

	// Records survive a reopen.
	reopened, err := NewStore(dir)
	require.NoError(t, err)
	rec, err = reopened.Get("2024-04-01")
	require.NoError(t, err)
	assert.Equal(t, "scheduled__2024-04-01", rec.ID)
	assert.Len(t, rec.Tasks, 1)
}

func TestStoreRecordBumpsAttempt(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Record(newRecord("2024-04-01", pipeline.RunFailed)))
	require.NoError(t, store.Record(newRecord("2024-04-01", pipeline.RunRunning)))

	rec, err := store.Get("2024-04-01")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempt)
	assert.Len(t, store.List(0), 1)
}

func TestStoreRecordRejectsBadDate(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	err = store.Record(newRecord("2024-13-01", pipeline.RunRunning))
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidationFailed))
}

func TestStoreGetReturnsCopy(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Record(newRecord("2024-04-01", pipeline.RunRunning)))

	rec, err := store.Get("2024-04-01")
	require.NoError(t, err)
	rec.State = pipeline.RunSuccess
	rec.Tasks[0].State = pipeline.TaskSuccess

	again, err := store.Get("2024-04-01")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunRunning, again.State)
	assert.Equal(t, pipeline.TaskPending, again.Tasks[0].State)
}

func TestStoreUpdateAndNotFound(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	err = store.Update("2024-04-01", func(*RunRecord) {})
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetErrorCode(err))

	_, err = store.Get("2024-04-01")
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetErrorCode(err))

	require.NoError(t, store.Record(newRecord("2024-04-01", pipeline.RunRunning)))
	require.NoError(t, store.Update("2024-04-01", func(r *RunRecord) {
		r.State = pipeline.RunSuccess
	}))
	assert.True(t, store.Succeeded("2024-04-01"))
	assert.False(t, store.Succeeded("2024-05-01"))
}

func TestStoreListNewestFirst(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, d := range []string{"2024-05-01", "2024-04-01", "2024-07-01", "2024-06-01"} {
		require.NoError(t, store.Record(newRecord(d, pipeline.RunSuccess)))
	}

	tests := []struct {
		limit int
		want  []string
	}{
		{0, []string{"2024-07-01", "2024-06-01", "2024-05-01", "2024-04-01"}},
		{2, []string{"2024-07-01", "2024-06-01"}},
		{10, []string{"2024-07-01", "2024-06-01", "2024-05-01", "2024-04-01"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("limit %d", tt.limit), func(t *testing.T) {
			var got []string
			for _, rec := range store.List(tt.limit) {
				got = append(got, rec.LogicalDate)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStoreSkipsCorruptRecords(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Record(newRecord("2024-04-01", pipeline.RunSuccess)))

	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "2024-05-01.json"), []byte("{"), 0600))
	// File name and content disagree.
	data, err := os.ReadFile(filepath.Join(store.Dir(), "2024-04-01.json"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "2024-06-01.json"), data, 0600))

	reopened, err := NewStore(dir)
	require.NoError(t, err)

	recs := reopened.List(0)
	require.Len(t, recs, 1)
	assert.Equal(t, "2024-04-01", recs[0].LogicalDate)
}

func TestLock(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	lock, err := store.Lock()
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, lockFileName))

	_, err = store.Lock()
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRunLocked, errors.GetErrorCode(err))

	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, os.Getpid(), appErr.Context["pid"])

	require.NoError(t, lock.Unlock())
	require.NoError(t, lock.Unlock())
	assert.NoFileExists(t, filepath.Join(dir, lockFileName))

	again, err := store.Lock()
	require.NoError(t, err)
	require.NoError(t, again.Unlock())
}

func writeLockFile(t *testing.T, dir string, info lockInfo) {
	t.Helper()
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, lockFileName), data, 0o600))
}

func TestLockStaleHolder(t *testing.T) {
	host, err := os.Hostname()
	require.NoError(t, err)

	// Above any pid_max, so never a live process.
	const deadPID = math.MaxInt32 - 1

	tests := []struct {
		name       string
		holder     lockInfo
		wantLocked bool
	}{
		{
			name:   "dead process on this host",
			holder: lockInfo{PID: deadPID, Host: host, Acquired: time.Now().Add(-time.Hour)},
		},
		{
			name:   "missing pid on this host",
			holder: lockInfo{Host: host},
		},
		{
			name:       "live process on this host",
			holder:     lockInfo{PID: os.Getpid(), Host: host, Acquired: time.Now()},
			wantLocked: true,
		},
		{
			name:       "dead process on another host",
			holder:     lockInfo{PID: deadPID, Host: host + "-other", Acquired: time.Now()},
			wantLocked: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			store, err := NewStore(dir)
			require.NoError(t, err)
			writeLockFile(t, dir, tt.holder)

			lock, err := store.Lock()
			if tt.wantLocked {
				require.Error(t, err)
				assert.Equal(t, errors.ErrCodeRunLocked, errors.GetErrorCode(err))
				assert.FileExists(t, filepath.Join(dir, lockFileName))
				return
			}
			require.NoError(t, err)
			defer lock.Unlock()

			holder, err := readLock(filepath.Join(dir, lockFileName))
			require.NoError(t, err)
			assert.Equal(t, os.Getpid(), holder.PID)
		})
	}
}

func TestLockReloadsRecords(t *testing.T) {
	dir := t.TempDir()
	first, err := NewStore(dir)
	require.NoError(t, err)
	second, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, second.Record(newRecord("2024-05-01", pipeline.RunSuccess)))
	assert.False(t, first.Succeeded("2024-05-01"))

	lock, err := first.Lock()
	require.NoError(t, err)
	defer lock.Unlock()

	assert.True(t, first.Succeeded("2024-05-01"))
}

type stepExecutor struct {
	failAt int
	calls  int
}

func (e *stepExecutor) Exec(ctx context.Context, stmt string, args ...interface{}) (int64, error) {
	e.calls++
	if e.calls == e.failAt {
		return 0, fmt.Errorf("Insufficient privileges to operate on table 'PRODUCTS'")
	}
	return int64(e.calls * 10), nil
}

func testTables() pipeline.Tables {
	return pipeline.Tables{
		StagingOrders:  "STG.raw_data.ORDERS",
		Orders:         "transformed.public.ORDERS",
		SubcategoryMap: "transformed.public.PRODUCT_SUBCATEGORY_MAP",
		Customers:      "transformed.public.customers",
		Products:       "transformed.public.products",
		Geography:      "transformed.public.geography",
		FactOrders:     "transformed.public.fact_orders",
	}
}

func TestRecorderFollowsRun(t *testing.T) {
	tests := []struct {
		name          string
		failAt        int
		wantState     pipeline.RunState
		wantMilestone string
		wantTasks     []pipeline.TaskState
	}{
		{
			name:          "success",
			wantState:     pipeline.RunSuccess,
			wantMilestone: pipeline.MilestoneEnd,
			wantTasks: []pipeline.TaskState{
				pipeline.TaskSuccess, pipeline.TaskSuccess, pipeline.TaskSuccess, pipeline.TaskSuccess,
				pipeline.TaskSuccess, pipeline.TaskSuccess, pipeline.TaskSuccess,
			},
		},
		{
			name:          "products fail",
			failAt:        3,
			wantState:     pipeline.RunFailed,
			wantMilestone: pipeline.MilestoneCustomersUpserted,
			wantTasks: []pipeline.TaskState{
				pipeline.TaskSuccess, pipeline.TaskSuccess, pipeline.TaskSuccess, pipeline.TaskFailed,
				pipeline.TaskUpstreamFailed, pipeline.TaskUpstreamFailed, pipeline.TaskUpstreamFailed,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(t.TempDir())
			require.NoError(t, err)

			graph, err := pipeline.NewMonthlyLoad(testTables(), 1)
			require.NoError(t, err)

			run := pipeline.Run{
				ID:          "scheduled__2024-04-01T06:00:00Z",
				LogicalDate: time.Date(2024, 4, 1, 6, 0, 0, 0, time.UTC),
				TargetMonth: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			}

			rec, err := store.Begin(run, graph)
			require.NoError(t, err)
			assert.Equal(t, "2024-03", rec.TargetMonth)
			assert.Len(t, rec.Tasks, 7)

			logger, _ := test.NewNullLogger()
			runner := pipeline.NewRunner(graph, &stepExecutor{failAt: tt.failAt}, logrus.NewEntry(logger),
				pipeline.WithObserver(store.Observer()))

			res, _ := runner.Run(context.Background(), run)
			require.NoError(t, store.Finish(res))

			got, err := store.Get("2024-04-01")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, got.State)
			assert.Equal(t, tt.wantMilestone, got.Milestone)
			assert.NotNil(t, got.EndTime)

			var states []pipeline.TaskState
			for _, task := range got.Tasks {
				states = append(states, task.State)
			}
			assert.Equal(t, tt.wantTasks, states)

			if tt.failAt == 0 {
				assert.Empty(t, got.ErrorMessage)
				assert.True(t, store.Succeeded("2024-04-01"))
				assert.Equal(t, int64(10+20+30+40+50), got.Rows())
				return
			}

			assert.Equal(t, string(errors.ErrCodeTaskFailed), got.ErrorCode)
			assert.Contains(t, got.ErrorMessage, "Task RUN_INSERT_PRODUCTS failed")
			assert.Contains(t, got.ErrorMessage, "Insufficient privileges")
			assert.NotContains(t, got.ErrorMessage, "Suggestions")

			failed, ok := got.Task(pipeline.TaskMergeProducts)
			require.True(t, ok)
			assert.NotEmpty(t, failed.ErrorMessage)
			assert.NotNil(t, failed.StartTime)
			assert.False(t, store.Succeeded("2024-04-01"))
		})
	}
}
