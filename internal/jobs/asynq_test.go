package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	ids []string
}

func (r *recordingRunner) Run(ctx context.Context, jobID string) {
	r.ids = append(r.ids, jobID)
}

func newTestAsynqDispatcher(t *testing.T, runner Runner) *AsynqDispatcher {
	t.Helper()
	mr := miniredis.RunT(t)
	d, err := NewAsynqDispatcher("redis://"+mr.Addr()+"/0", 2, 0, runner, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.client.Close() })
	return d
}

func TestNewAsynqDispatcherValidates(t *testing.T) {
	_, err := NewAsynqDispatcher("redis://127.0.0.1:6379/0", 1, 0, nil, nil)
	assert.Error(t, err)
	_, err = NewAsynqDispatcher("redis://127.0.0.1:6379/0", 0, 0, &recordingRunner{}, nil)
	assert.Error(t, err)
	_, err = NewAsynqDispatcher("://bad", 1, 0, &recordingRunner{}, nil)
	assert.Error(t, err)
}

func TestHandleConvertTask(t *testing.T) {
	runner := &recordingRunner{}
	d := newTestAsynqDispatcher(t, runner)

	err := d.handleConvertTask(context.Background(), asynq.NewTask(taskTypeConvert, []byte(`{"jobId":"abc"}`)))
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, runner.ids)
}

func TestHandleConvertTaskInvalidPayload(t *testing.T) {
	runner := &recordingRunner{}
	d := newTestAsynqDispatcher(t, runner)

	err := d.handleConvertTask(context.Background(), asynq.NewTask(taskTypeConvert, []byte(`not json`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = d.handleConvertTask(context.Background(), asynq.NewTask(taskTypeConvert, []byte(`{}`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Empty(t, runner.ids)
}

func TestAsynqDispatchRequiresID(t *testing.T) {
	d := newTestAsynqDispatcher(t, &recordingRunner{})
	assert.Error(t, d.Dispatch(context.Background(), ""))
}

func TestTaskTimeout(t *testing.T) {
	assert.Equal(t, 24*time.Hour, taskTimeout(0))
	assert.Equal(t, 24*time.Hour, taskTimeout(-time.Second))
	assert.Equal(t, 15*time.Minute, taskTimeout(10*time.Minute))
}

func TestAsynqDispatchSetsTimeout(t *testing.T) {
	mr := miniredis.RunT(t)
	redisURL := "redis://" + mr.Addr() + "/0"
	d, err := NewAsynqDispatcher(redisURL, 1, 2*time.Minute, &recordingRunner{}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.client.Close() })

	require.NoError(t, d.Dispatch(context.Background(), "abc"))

	opt, err := asynq.ParseRedisURI(redisURL)
	require.NoError(t, err)
	inspector := asynq.NewInspector(opt)
	defer inspector.Close()

	tasks, err := inspector.ListPendingTasks(queueName)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, taskTypeConvert, tasks[0].Type)
	assert.Equal(t, 7*time.Minute, tasks[0].Timeout)
	assert.Equal(t, 0, tasks[0].MaxRetry)
}
