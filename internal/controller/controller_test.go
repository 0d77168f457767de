package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/smtsched/smtsched/internal/feature"
	"github.com/smtsched/smtsched/internal/kernelmon"
	"github.com/smtsched/smtsched/internal/metrics"
	"github.com/smtsched/smtsched/internal/model"
	"github.com/smtsched/smtsched/internal/scoretable"
	"github.com/smtsched/smtsched/internal/store"
)

// fakeDocs serves a complete measurement corpus for a set of jobs.
type fakeDocs struct {
	mu   sync.Mutex
	jobs map[int32][]store.Measurement
	err  error
}

func d(feat string, job int32, pressure int, run string, ipc float64) store.Measurement {
	return store.Measurement{Feature: feat, GlobalJobID: job, Pressure: int32(pressure), RunType: run, IPC: ipc}
}

// profileDocs fabricates a complete, plausible profile for one job.
func profileDocs(job int32) []store.Measurement {
	docs := []store.Measurement{
		d(feature.SingleName, job, 0, store.RunWorkload, 2.0),
		d(feature.L3Name, job, 1, store.RunWorkload, 1.6),
	}
	for _, f := range feature.Default().Features() {
		switch f.Type {
		case feature.Sequential:
			docs = append(docs,
				d(f.Name, job, feature.Low, store.RunWorkload, 1.2),
				d(f.Name, job, feature.Medium, store.RunWorkload, 1.0),
				d(f.Name, job, feature.High, store.RunWorkload, 0.8),
				d(f.Name, job, feature.Low, store.RunInjector, 1.5))
		case feature.Parallel:
			docs = append(docs,
				d(f.Name, job, feature.Low, store.RunWorkload, 1.8),
				d(f.Name, job, 1, store.RunWorkload, 1.2),
				d(f.Name, job, feature.Low, store.RunInjector, 1.5),
				d(f.Name, job, 1, store.RunInjector, 1.4))
		case feature.Port:
			docs = append(docs,
				d(f.Name, job, 0, store.RunWorkload, 1.7),
				d(f.Name, job, 0, store.RunInjector, 1.8))
		}
	}
	return docs
}

// baselineDocs fabricates the injector-only baselines.
func baselineDocs() map[int32][]store.Measurement {
	out := map[int32][]store.Measurement{
		feature.JobInjectorSingle: nil,
		feature.JobInjectorLow:    nil,
		feature.JobInjectorHigh:   nil,
	}
	for _, f := range feature.Default().Features() {
		switch f.Type {
		case feature.Sequential:
			out[feature.JobInjectorSingle] = append(out[feature.JobInjectorSingle],
				d(f.Name, feature.JobInjectorSingle, feature.Low, store.RunInjector, 2.0))
		case feature.Parallel:
			out[feature.JobInjectorSingle] = append(out[feature.JobInjectorSingle],
				d(f.Name, feature.JobInjectorSingle, feature.Low, store.RunInjector, 2.0))
			out[feature.JobInjectorLow] = append(out[feature.JobInjectorLow],
				d(f.Name, feature.JobInjectorLow, 1, store.RunInjector, 2.0))
			out[feature.JobInjectorHigh] = append(out[feature.JobInjectorHigh],
				d(f.Name, feature.JobInjectorHigh, 1, store.RunInjector, 1.0))
		case feature.Port:
			out[feature.JobInjectorSingle] = append(out[feature.JobInjectorSingle],
				d(f.Name, feature.JobInjectorSingle, 0, store.RunInjector, 2.0))
		}
	}
	return out
}

func newFakeDocs(jobs ...int32) *fakeDocs {
	f := &fakeDocs{jobs: baselineDocs()}
	for _, j := range jobs {
		f.jobs[j] = profileDocs(j)
	}
	return f
}

func (f *fakeDocs) FetchProfileData(_ context.Context, jobID int32) ([]store.Measurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.jobs[jobID], nil
}

func (f *fakeDocs) FetchCombinationData(context.Context) (map[int32]store.Combination, error) {
	return nil, nil
}

// addJob makes a job's profile available, as if the profiling server had
// just written it.
func (f *fakeDocs) addJob(job int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job] = profileDocs(job)
}

type fakeRequester struct {
	mu    sync.Mutex
	calls []int32
	err   error
	done  chan int32
}

func (f *fakeRequester) Request(_ context.Context, jobID int32) error {
	f.mu.Lock()
	f.calls = append(f.calls, jobID)
	err := f.err
	f.mu.Unlock()
	if f.done != nil {
		f.done <- jobID
	}
	return err
}

func (f *fakeRequester) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeAcker struct {
	mu    sync.Mutex
	acked []int32
}

func (f *fakeAcker) Ack(pgid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, pgid)
	return nil
}

func (f *fakeAcker) all() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.acked...)
}

type fakePlanner struct {
	mu    sync.Mutex
	calls int
}

func (f *fakePlanner) Reschedule(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakePlanner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func zeroModel() *model.Model {
	set := feature.Default()
	return &model.Model{Coefficients: make([]float64, set.Len()+1), Intercept: 0.1}
}

type fixture struct {
	ctrl      *Controller
	table     *scoretable.Table
	docs      *fakeDocs
	requester *fakeRequester
	acker     *fakeAcker
	planner   *fakePlanner
	cancel    context.CancelFunc
	done      chan struct{}
}

func start(t *testing.T, docs *fakeDocs, requester *fakeRequester) *fixture {
	t.Helper()
	set := feature.Default()
	table := scoretable.New(set, zeroModel())
	acker := &fakeAcker{}
	planner := &fakePlanner{}

	ctrl := New(zerolog.Nop(), set, table, docs, requester, acker, planner, metrics.New(),
		WithQuiescence(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{ctrl: ctrl, table: table, docs: docs, requester: requester,
		acker: acker, planner: planner, cancel: cancel, done: done}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestFirstTouchLifecycle follows the single-job scenario: event, profile
// request, silence, second event, ingestion, ack, refresh, reschedule.
func TestFirstTouchLifecycle(t *testing.T) {
	docs := newFakeDocs() // job 7's profile appears only after the request completes
	requester := &fakeRequester{done: make(chan int32, 1)}
	fx := start(t, docs, requester)

	ev := kernelmon.Event{PGID: 1234, Elapsed: 61, JobID: 7}
	fx.ctrl.Deliver(ev)

	// The profiling request goes out; no ack yet.
	waitFor(t, "profile request", func() bool { return requester.callCount() == 1 })
	<-requester.done
	docs.addJob(7)

	time.Sleep(50 * time.Millisecond)
	if got := fx.acker.all(); len(got) != 0 {
		t.Fatalf("acked %v before second kernel event", got)
	}
	if fx.table.Has(7) {
		t.Fatal("job active before second kernel event")
	}

	// Second event: ingest, ack 1234, then refresh + reschedule after the
	// quiescence window.
	fx.ctrl.Deliver(ev)
	waitFor(t, "ack", func() bool {
		acked := fx.acker.all()
		return len(acked) == 1 && acked[0] == 1234
	})
	if !fx.table.Has(7) {
		t.Fatal("job not active after ingestion")
	}
	waitFor(t, "refresh+reschedule", func() bool {
		_, ok := fx.table.Score(7, 7)
		return ok && fx.planner.count() >= 1
	})
}

// TestCompletionAfterSecondEvent covers the other interleaving: the kernel
// touches the job twice before the profiling server finishes.
func TestCompletionAfterSecondEvent(t *testing.T) {
	docs := newFakeDocs()
	block := make(chan int32) // unbuffered: the request blocks until released
	requester := &fakeRequester{done: block}
	fx := start(t, docs, requester)

	ev := kernelmon.Event{PGID: 500, Elapsed: 61, JobID: 9}
	fx.ctrl.Deliver(ev)
	waitFor(t, "request in flight", func() bool { return requester.callCount() == 1 })

	// Second event while profiling is still running: ingestion is
	// attempted but the documents are not there yet.
	fx.ctrl.Deliver(ev)
	time.Sleep(50 * time.Millisecond)
	if fx.table.Has(9) {
		t.Fatal("job active before its documents exist")
	}

	// Documents land, request completes: ingestion proceeds from the
	// completion path.
	docs.addJob(9)
	<-block
	waitFor(t, "ack after completion", func() bool { return len(fx.acker.all()) == 1 })
	if !fx.table.Has(9) {
		t.Fatal("job not active after completion-path ingestion")
	}
}

func TestFailedRequestRetriesOnNextEvent(t *testing.T) {
	docs := newFakeDocs()
	requester := &fakeRequester{err: errors.New("connection refused")}
	fx := start(t, docs, requester)

	ev := kernelmon.Event{PGID: 42, JobID: 3}
	fx.ctrl.Deliver(ev)
	waitFor(t, "first request", func() bool { return requester.callCount() == 1 })

	// Allow the failure to drain, then clear the fault.
	time.Sleep(50 * time.Millisecond)
	requester.mu.Lock()
	requester.err = nil
	requester.mu.Unlock()
	docs.addJob(3)

	// The next kernel event is treated as a fresh first touch.
	fx.ctrl.Deliver(ev)
	waitFor(t, "retried request", func() bool { return requester.callCount() == 2 })

	fx.ctrl.Deliver(ev)
	waitFor(t, "ack after retry", func() bool { return len(fx.acker.all()) == 1 })
}

func TestActiveJobEventsAreIdempotent(t *testing.T) {
	docs := newFakeDocs(11)
	requester := &fakeRequester{}
	fx := start(t, docs, requester)

	ev := kernelmon.Event{PGID: 77, JobID: 11}
	fx.ctrl.Deliver(ev)
	waitFor(t, "request", func() bool { return requester.callCount() == 1 })
	fx.ctrl.Deliver(ev)
	waitFor(t, "activation", func() bool { return fx.table.Has(11) })

	before := requester.callCount()

	// Events for an active job only re-ack; no new profiling request, no
	// state change.
	fx.ctrl.Deliver(kernelmon.Event{PGID: 78, JobID: 11})
	waitFor(t, "re-ack", func() bool { return len(fx.acker.all()) >= 2 })
	if requester.callCount() != before {
		t.Error("active-job event triggered a new profiling request")
	}
}

func TestExpireRemovesJob(t *testing.T) {
	docs := newFakeDocs(5)
	requester := &fakeRequester{}
	fx := start(t, docs, requester)

	ev := kernelmon.Event{PGID: 10, JobID: 5}
	fx.ctrl.Deliver(ev)
	fx.ctrl.Deliver(ev)
	waitFor(t, "activation", func() bool { return fx.table.Has(5) })

	fx.ctrl.Expire(5)
	waitFor(t, "expiry", func() bool { return !fx.table.Has(5) })
	if _, ok := fx.table.Score(5, 5); ok {
		t.Error("score row survived expiry")
	}
}
