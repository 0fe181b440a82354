package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalston-ai/dalston/pkg/bus"
	"github.com/dalston-ai/dalston/pkg/models"
	"github.com/dalston-ai/dalston/pkg/store"
)

// --- fakes mirroring the guarded store transitions ---

type fakeJobs struct {
	jobs map[string]*models.Job
}

func (f *fakeJobs) Get(_ context.Context, jobID string) (*models.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

func (f *fakeJobs) Transition(_ context.Context, jobID string, to models.JobStatus, from ...models.JobStatus) (bool, error) {
	job := f.jobs[jobID]
	for _, s := range from {
		if job.Status == s {
			job.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeJobs) Fail(_ context.Context, jobID, errMsg string) (bool, error) {
	job := f.jobs[jobID]
	if job.Status.Terminal() {
		return false, nil
	}
	job.Status = models.JobStatusFailed
	job.Error = errMsg
	return true, nil
}

func (f *fakeJobs) Complete(_ context.Context, jobID, transcriptRef string) (bool, error) {
	job := f.jobs[jobID]
	if job.Status != models.JobStatusRunning && job.Status != models.JobStatusCancelling {
		return false, nil
	}
	job.Status = models.JobStatusCompleted
	job.TranscriptRef = transcriptRef
	return true, nil
}

func (f *fakeJobs) MarkCancelled(_ context.Context, jobID string) (bool, error) {
	job := f.jobs[jobID]
	if job.Status.Terminal() {
		return false, nil
	}
	job.Status = models.JobStatusCancelled
	return true, nil
}

func (f *fakeJobs) ListStuckRunning(_ context.Context, _ time.Duration) ([]*models.Job, error) {
	return nil, nil
}

type fakeTasks struct {
	order []string
	tasks map[string]*models.Task
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: make(map[string]*models.Task)}
}

func (f *fakeTasks) CreateBatch(_ context.Context, tasks []*models.Task) error {
	for _, t := range tasks {
		f.order = append(f.order, t.ID)
		f.tasks[t.ID] = t
	}
	return nil
}

func (f *fakeTasks) Get(_ context.Context, taskID string) (*models.Task, error) {
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return task, nil
}

func (f *fakeTasks) ListByJob(_ context.Context, jobID string) ([]*models.Task, error) {
	var out []*models.Task
	for _, id := range f.order {
		if f.tasks[id].JobID == jobID {
			out = append(out, f.tasks[id])
		}
	}
	return out, nil
}

func (f *fakeTasks) Transition(_ context.Context, taskID string, to models.TaskStatus, from ...models.TaskStatus) (bool, error) {
	task := f.tasks[taskID]
	for _, s := range from {
		if task.Status == s {
			task.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeTasks) Complete(_ context.Context, taskID, outputRef string) (bool, error) {
	task := f.tasks[taskID]
	if task.Status.Terminal() {
		return false, nil
	}
	task.Status = models.TaskStatusCompleted
	task.OutputRef = outputRef
	return true, nil
}

func (f *fakeTasks) MarkFailed(_ context.Context, taskID, errMsg string) (bool, error) {
	task := f.tasks[taskID]
	if task.Status.Terminal() {
		return false, nil
	}
	task.Status = models.TaskStatusFailed
	task.Error = errMsg
	return true, nil
}

func (f *fakeTasks) SkipNonTerminal(_ context.Context, jobID string) (int, error) {
	n := 0
	for _, id := range f.order {
		task := f.tasks[id]
		if task.JobID == jobID && !task.Status.Terminal() {
			task.Status = models.TaskStatusSkipped
			n++
		}
	}
	return n, nil
}

func (f *fakeTasks) CountNonTerminal(_ context.Context, jobID string) (int, error) {
	n := 0
	for _, id := range f.order {
		task := f.tasks[id]
		if task.JobID == jobID && !task.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (f *fakeTasks) MarkQueued(_ context.Context, taskID string, traceContext map[string]string) error {
	task := f.tasks[taskID]
	task.Status = models.TaskStatusReady
	if traceContext != nil {
		task.TraceContext = traceContext
	}
	return nil
}

func (f *fakeTasks) byStage(jobID string, stage models.Stage) *models.Task {
	for _, id := range f.order {
		if f.tasks[id].JobID == jobID && f.tasks[id].Stage == stage {
			return f.tasks[id]
		}
	}
	return nil
}

type fakePublisher struct {
	events []bus.Event
}

func (f *fakePublisher) Publish(_ context.Context, event bus.Event) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) types() []string {
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

type queuedPush struct {
	engineID string
	payload  *bus.TaskPayload
}

type fakeQueue struct {
	pushes []queuedPush
}

func (f *fakeQueue) Push(_ context.Context, engineID string, payload *bus.TaskPayload) error {
	f.pushes = append(f.pushes, queuedPush{engineID: engineID, payload: payload})
	return nil
}

func (f *fakeQueue) Remove(_ context.Context, engineID, taskID string) (bool, error) {
	for i, p := range f.pushes {
		if p.engineID == engineID && p.payload.Task.ID == taskID {
			f.pushes = append(f.pushes[:i], f.pushes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

type fakeAvail struct {
	down map[string]bool
}

func (f *fakeAvail) IsAvailable(_ context.Context, engineID string) (bool, error) {
	return !f.down[engineID], nil
}

type fakeEnqueuer struct {
	enqueued []string // event types
}

func (f *fakeEnqueuer) EnqueueJobEvent(_ context.Context, _ *models.Job, eventType string) error {
	f.enqueued = append(f.enqueued, eventType)
	return nil
}

type testEnv struct {
	orch     *Orchestrator
	jobs     *fakeJobs
	tasks    *fakeTasks
	pub      *fakePublisher
	queue    *fakeQueue
	avail    *fakeAvail
	enqueuer *fakeEnqueuer
}

func newTestEnv(job *models.Job) *testEnv {
	env := &testEnv{
		jobs:     &fakeJobs{jobs: map[string]*models.Job{job.ID: job}},
		tasks:    newFakeTasks(),
		pub:      &fakePublisher{},
		queue:    &fakeQueue{},
		avail:    &fakeAvail{down: make(map[string]bool)},
		enqueuer: &fakeEnqueuer{},
	}
	builder := NewBuilder(testCatalog())
	scheduler := NewScheduler(env.avail, env.queue, env.tasks)
	env.orch = New(env.jobs, env.tasks, builder, scheduler, env.pub, env.enqueuer, nil)
	return env
}

func jobCreated(jobID string) bus.Event {
	e := bus.NewEvent(bus.EventJobCreated)
	e.JobID = jobID
	return e
}

func taskCompleted(taskID, outputRef string) bus.Event {
	e := bus.NewEvent(bus.EventTaskCompleted)
	e.TaskID = taskID
	e.OutputRef = outputRef
	return e
}

// --- handler tests ---

func TestHandleJobCreatedQueuesRootTask(t *testing.T) {
	env := newTestEnv(testJob(models.JobParams{}))

	require.NoError(t, env.orch.handleJobCreated(context.Background(), jobCreated("job-1")))

	assert.Equal(t, models.JobStatusRunning, env.jobs.jobs["job-1"].Status)
	require.Len(t, env.queue.pushes, 1)
	push := env.queue.pushes[0]
	assert.Equal(t, "audio-prep", push.engineID)
	assert.Equal(t, models.StagePrepare, push.payload.Task.Stage)
	assert.Equal(t, "blob://audio/abc", push.payload.AudioMetadata["audio_ref"])

	prepare := env.tasks.byStage("job-1", models.StagePrepare)
	assert.Equal(t, models.TaskStatusReady, prepare.Status)
	transcribe := env.tasks.byStage("job-1", models.StageTranscribe)
	assert.Equal(t, models.TaskStatusPending, transcribe.Status)
}

func TestHandleJobCreatedFailsFastWhenEngineDown(t *testing.T) {
	// The prepare engine is alive; only the transcribe engine is missing.
	// The job still fails immediately, naming the absent engine, instead of
	// discovering the gap after prepare finishes.
	env := newTestEnv(testJob(models.JobParams{}))
	env.avail.down["faster-whisper"] = true

	require.NoError(t, env.orch.handleJobCreated(context.Background(), jobCreated("job-1")))

	job := env.jobs.jobs["job-1"]
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "Engine 'faster-whisper' is not available.", job.Error)
	assert.Equal(t, []string{bus.EventJobFailed}, env.pub.types())

	// No task rows were written and nothing was queued.
	assert.Empty(t, env.tasks.order)
	assert.Empty(t, env.queue.pushes)
}

func TestHandleJobCreatedEngineDiesBeforeDependentQueues(t *testing.T) {
	// Admission passes with every engine alive; the transcribe engine dies
	// while prepare runs. The dispatch gate catches it when the dependent
	// task becomes ready.
	env := newTestEnv(testJob(models.JobParams{}))
	require.NoError(t, env.orch.handleJobCreated(context.Background(), jobCreated("job-1")))

	env.avail.down["faster-whisper"] = true
	prepare := env.tasks.byStage("job-1", models.StagePrepare)
	require.NoError(t, env.orch.handleTaskCompleted(context.Background(),
		taskCompleted(prepare.ID, "blob://out/prepared")))

	job := env.jobs.jobs["job-1"]
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "Engine 'faster-whisper' is not available.", job.Error)
	merge := env.tasks.byStage("job-1", models.StageMerge)
	assert.Equal(t, models.TaskStatusSkipped, merge.Status)
}

func TestHandleJobCreatedUnknownModelFailsJob(t *testing.T) {
	env := newTestEnv(testJob(models.JobParams{Model: "nonexistent"}))

	require.NoError(t, env.orch.handleJobCreated(context.Background(), jobCreated("job-1")))

	assert.Equal(t, models.JobStatusFailed, env.jobs.jobs["job-1"].Status)
	assert.Empty(t, env.queue.pushes)
}

func TestHandleJobCreatedAfterCancelSettlesCancelled(t *testing.T) {
	job := testJob(models.JobParams{})
	job.Status = models.JobStatusCancelling
	env := newTestEnv(job)

	require.NoError(t, env.orch.handleJobCreated(context.Background(), jobCreated("job-1")))

	assert.Equal(t, models.JobStatusCancelled, env.jobs.jobs["job-1"].Status)
	assert.Equal(t, []string{bus.EventJobCancelled}, env.pub.types())
	assert.Empty(t, env.tasks.order)
}

func TestHandleTaskCompletedQueuesDownstream(t *testing.T) {
	env := newTestEnv(testJob(models.JobParams{}))
	require.NoError(t, env.orch.handleJobCreated(context.Background(), jobCreated("job-1")))

	prepare := env.tasks.byStage("job-1", models.StagePrepare)
	require.NoError(t, env.orch.handleTaskCompleted(context.Background(),
		taskCompleted(prepare.ID, "blob://out/prepared")))

	assert.Equal(t, models.TaskStatusCompleted, prepare.Status)
	assert.Equal(t, "blob://out/prepared", prepare.OutputRef)

	// prepare push plus the transcribe push.
	require.Len(t, env.queue.pushes, 2)
	push := env.queue.pushes[1]
	assert.Equal(t, "faster-whisper", push.engineID)
	assert.Equal(t, models.StageTranscribe, push.payload.Task.Stage)
	assert.Equal(t, "blob://out/prepared", push.payload.UpstreamOutputs[prepare.ID])
}

func TestHandleTaskCompletedMergeCompletesJob(t *testing.T) {
	env := newTestEnv(testJob(models.JobParams{}))
	require.NoError(t, env.orch.handleJobCreated(context.Background(), jobCreated("job-1")))

	for _, stage := range []models.Stage{models.StagePrepare, models.StageTranscribe, models.StageMerge} {
		task := env.tasks.byStage("job-1", stage)
		require.NoError(t, env.orch.handleTaskCompleted(context.Background(),
			taskCompleted(task.ID, "blob://out/"+string(stage))))
	}

	job := env.jobs.jobs["job-1"]
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, "blob://out/merge", job.TranscriptRef)
	assert.Contains(t, env.pub.types(), bus.EventJobCompleted)
}

func TestHandleTaskCompletedReplayIsNoOp(t *testing.T) {
	env := newTestEnv(testJob(models.JobParams{}))
	require.NoError(t, env.orch.handleJobCreated(context.Background(), jobCreated("job-1")))

	prepare := env.tasks.byStage("job-1", models.StagePrepare)
	event := taskCompleted(prepare.ID, "blob://out/prepared")
	require.NoError(t, env.orch.handleTaskCompleted(context.Background(), event))
	require.NoError(t, env.orch.handleTaskCompleted(context.Background(), event))

	// The transcribe task was queued exactly once.
	assert.Len(t, env.queue.pushes, 2)
}

func TestHandleTaskFailedFailsJobAndSkipsSiblings(t *testing.T) {
	env := newTestEnv(testJob(models.JobParams{}))
	require.NoError(t, env.orch.handleJobCreated(context.Background(), jobCreated("job-1")))

	transcribe := env.tasks.byStage("job-1", models.StageTranscribe)
	event := bus.NewEvent(bus.EventTaskFailed)
	event.TaskID = transcribe.ID
	event.Error = "model crashed"
	require.NoError(t, env.orch.handleTaskFailed(context.Background(), event))

	job := env.jobs.jobs["job-1"]
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "model crashed", job.Error)
	assert.Equal(t, models.TaskStatusFailed, transcribe.Status)

	merge := env.tasks.byStage("job-1", models.StageMerge)
	assert.Equal(t, models.TaskStatusSkipped, merge.Status)
	assert.Contains(t, env.pub.types(), bus.EventJobFailed)
}

func TestHandleCancelRequestedScrubsQueuedTasks(t *testing.T) {
	env := newTestEnv(testJob(models.JobParams{}))
	require.NoError(t, env.orch.handleJobCreated(context.Background(), jobCreated("job-1")))

	event := bus.NewEvent(bus.EventJobCancelRequested)
	event.JobID = "job-1"
	require.NoError(t, env.orch.handleCancelRequested(context.Background(), event))

	// The queued prepare task was scrubbed; nothing had been claimed.
	assert.Empty(t, env.queue.pushes)
	for _, id := range env.tasks.order {
		assert.Equal(t, models.TaskStatusCancelled, env.tasks.tasks[id].Status)
	}
	job := env.jobs.jobs["job-1"]
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Contains(t, env.pub.types(), bus.EventJobCancelled)
}

func TestHandleCancelRequestedDrainsRunningTask(t *testing.T) {
	env := newTestEnv(testJob(models.JobParams{}))
	require.NoError(t, env.orch.handleJobCreated(context.Background(), jobCreated("job-1")))

	// A worker claims prepare before the cancel lands.
	prepare := env.tasks.byStage("job-1", models.StagePrepare)
	_, err := env.queue.Remove(context.Background(), prepare.EngineID, prepare.ID)
	require.NoError(t, err)
	prepare.Status = models.TaskStatusRunning

	event := bus.NewEvent(bus.EventJobCancelRequested)
	event.JobID = "job-1"
	require.NoError(t, env.orch.handleCancelRequested(context.Background(), event))

	assert.Equal(t, models.JobStatusCancelling, env.jobs.jobs["job-1"].Status)
	assert.Equal(t, models.TaskStatusRunning, prepare.Status)

	// The claimed task finishing settles the job as cancelled, not completed.
	require.NoError(t, env.orch.handleTaskCompleted(context.Background(),
		taskCompleted(prepare.ID, "blob://out/prepared")))

	assert.Equal(t, models.JobStatusCancelled, env.jobs.jobs["job-1"].Status)
	assert.Contains(t, env.pub.types(), bus.EventJobCancelled)
	assert.NotContains(t, env.pub.types(), bus.EventJobCompleted)
}

func TestHandleJobTerminalEnqueuesWebhook(t *testing.T) {
	job := testJob(models.JobParams{})
	job.Status = models.JobStatusCompleted
	env := newTestEnv(job)

	event := bus.NewEvent(bus.EventJobCompleted)
	event.JobID = "job-1"
	require.NoError(t, env.orch.handleJobTerminal(context.Background(), event))

	assert.Equal(t, []string{models.WebhookEventCompleted}, env.enqueuer.enqueued)
}
