// Package controller runs the co-scheduling control plane: it consumes
// kernel "workload became long-running" events, drives out-of-band
// profiling, ingests the resulting measurements, and triggers score
// refreshes and affinity replans.
//
// Concurrency model: one goroutine pumps netlink events in, a bounded
// worker pool performs TCP profiling requests, and a single drainer
// goroutine (Run) owns all state mutation.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/smtsched/smtsched/internal/characterize"
	"github.com/smtsched/smtsched/internal/feature"
	"github.com/smtsched/smtsched/internal/kernelmon"
	"github.com/smtsched/smtsched/internal/metrics"
	"github.com/smtsched/smtsched/internal/scoretable"
	"github.com/smtsched/smtsched/internal/store"
)

// ErrProfileRequestFailed marks a failed first-touch profiling request;
// the next kernel event for the job retries.
var ErrProfileRequestFailed = errors.New("controller: profile request failed")

// requestWorkers bounds concurrent profiling requests.
const requestWorkers = 32

// defaultQuiescence is the batching window after a completion before the
// score table refresh runs.
const defaultQuiescence = 5 * time.Second

// ProfileRequester asks the profiling server to profile a job.
type ProfileRequester interface {
	Request(ctx context.Context, jobID int32) error
}

// Acker sends the kernel a profile acknowledgement for one PGID.
type Acker interface {
	Ack(pgid int32) error
}

// DocSource supplies measurement documents.
type DocSource interface {
	FetchProfileData(ctx context.Context, jobID int32) ([]store.Measurement, error)
	FetchCombinationData(ctx context.Context) (map[int32]store.Combination, error)
}

// Rescheduler replans affinity after a refresh.
type Rescheduler interface {
	Reschedule(ctx context.Context) error
}

type completion struct {
	job int32
	err error
}

// Controller is the daemon's state machine. The maps below are owned by
// the drainer goroutine (Run); other goroutines communicate exclusively
// through the event, completion, and expiry channels.
type Controller struct {
	log       zerolog.Logger
	engine    *characterize.Engine
	table     *scoretable.Table
	docs      DocSource
	requester ProfileRequester
	acker     Acker
	planner   Rescheduler
	met       *metrics.Metrics

	quiescence  time.Duration
	telemetry   time.Duration
	events      chan kernelmon.Event
	completions chan completion
	expiries    chan int32
	sem         chan struct{}

	touches  map[int32]int
	pending  map[int32][]int32
	inFlight map[int32]bool
}

// Option tweaks controller construction.
type Option func(*Controller)

// WithQuiescence overrides the completion batching window.
func WithQuiescence(d time.Duration) Option {
	return func(c *Controller) { c.quiescence = d }
}

// WithTelemetryInterval enables a coarse periodic replan independent of
// profile completions. Zero disables it.
func WithTelemetryInterval(d time.Duration) Option {
	return func(c *Controller) { c.telemetry = d }
}

// New assembles a Controller.
func New(log zerolog.Logger, set *feature.Set, table *scoretable.Table, docs DocSource,
	requester ProfileRequester, acker Acker, planner Rescheduler, met *metrics.Metrics,
	opts ...Option) *Controller {
	c := &Controller{
		log:         log.With().Str("component", "controller").Logger(),
		engine:      characterize.New(set),
		table:       table,
		docs:        docs,
		requester:   requester,
		acker:       acker,
		planner:     planner,
		met:         met,
		quiescence:  defaultQuiescence,
		events:      make(chan kernelmon.Event, 256),
		completions: make(chan completion, 256),
		expiries:    make(chan int32, 16),
		sem:         make(chan struct{}, requestWorkers),
		touches:     make(map[int32]int),
		pending:     make(map[int32][]int32),
		inFlight:    make(map[int32]bool),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Deliver queues one kernel event for the drainer. Called from the
// netlink pump goroutine.
func (c *Controller) Deliver(ev kernelmon.Event) {
	c.events <- ev
}

// Run is the completion drainer. It blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	var (
		batch  *time.Timer
		batchC <-chan time.Time
	)
	armBatch := func() {
		if batch == nil {
			batch = time.NewTimer(c.quiescence)
			batchC = batch.C
			return
		}
		if !batch.Stop() {
			select {
			case <-batch.C:
			default:
			}
		}
		batch.Reset(c.quiescence)
	}

	var telemetryC <-chan time.Time
	if c.telemetry > 0 {
		ticker := time.NewTicker(c.telemetry)
		defer ticker.Stop()
		telemetryC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-c.events:
			if c.handleEvent(ctx, ev) {
				armBatch()
			}

		case comp := <-c.completions:
			if c.handleCompletion(ctx, comp) {
				armBatch()
			}

		case <-batchC:
			batchC = nil
			batch = nil
			c.refreshAndReschedule(ctx)

		case <-telemetryC:
			if err := c.planner.Reschedule(ctx); err != nil {
				c.log.Warn().Err(err).Msg("telemetry reschedule failed")
			}

		case job := <-c.expiries:
			c.expire(job)
		}
	}
}

// handleEvent applies the first-touch state machine to one kernel event.
// Returns true when the event resulted in an ingestion (so the caller
// arms the batching window).
func (c *Controller) handleEvent(ctx context.Context, ev kernelmon.Event) bool {
	c.met.KernelEvents.Inc()
	log := c.log.With().Int32("pgid", ev.PGID).Int32("job", ev.JobID).Logger()

	// Already active: a re-raised event just re-acknowledges the group so
	// the kernel can register it with IPC monitoring.
	if c.table.Has(ev.JobID) {
		log.Debug().Msg("event for active job, re-acking")
		c.ack(ev.PGID)
		return false
	}

	touches := c.touches[ev.JobID] + 1
	c.touches[ev.JobID] = touches
	c.pending[ev.JobID] = appendUnique(c.pending[ev.JobID], ev.PGID)

	if touches == 1 {
		// First touch: start out-of-band profiling, do NOT ack yet.
		log.Info().Int32("elapsed", ev.Elapsed).Msg("first touch, requesting profile")
		c.submitRequest(ctx, ev.JobID)
		return false
	}

	// Second or later touch: the profile should be in the store by now.
	log.Info().Int("touches", touches).Msg("repeat touch, ingesting profile")
	return c.tryIngest(ctx, ev.JobID)
}

// handleCompletion processes one async profiling result. A successful
// completion only ingests when the kernel has already touched the job
// again; otherwise the controller stays silent until the next event.
func (c *Controller) handleCompletion(ctx context.Context, comp completion) bool {
	c.inFlight[comp.job] = false
	log := c.log.With().Int32("job", comp.job).Logger()

	if comp.err != nil {
		c.met.ProfileFailures.Inc()
		// Failed first touch: rewind so the next kernel event retries.
		if !c.table.Has(comp.job) {
			c.touches[comp.job] = 0
		}
		log.Warn().Err(comp.err).Msg("profile request failed")
		return false
	}

	log.Info().Msg("profile request completed")
	if c.touches[comp.job] < 2 {
		return false
	}
	return c.tryIngest(ctx, comp.job)
}

// submitRequest dispatches a profiling request onto the worker pool.
func (c *Controller) submitRequest(ctx context.Context, job int32) {
	if c.inFlight[job] {
		return
	}
	c.inFlight[job] = true
	c.met.ProfileRequests.Inc()

	go func() {
		select {
		case c.sem <- struct{}{}:
			defer func() { <-c.sem }()
		case <-ctx.Done():
			return
		}
		err := c.requester.Request(ctx, job)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrProfileRequestFailed, err)
		}
		select {
		case c.completions <- completion{job: job, err: err}:
		case <-ctx.Done():
		}
	}()
}

// tryIngest characterizes the job from its stored measurements, activates
// it in the score table, and acks every pending PGID. A missing
// measurement leaves the job untouched for a later retry.
func (c *Controller) tryIngest(ctx context.Context, job int32) bool {
	if c.table.Has(job) {
		c.ackPending(job)
		return false
	}

	p, err := c.characterizeJob(ctx, job)
	if err != nil {
		// Store trouble and incomplete profiles both resolve the same
		// way: skip this pass, the kernel will touch the job again.
		c.log.Warn().Err(err).Int32("job", job).Msg("profile ingestion deferred")
		return false
	}

	c.table.Add(p)
	c.met.Ingestions.Inc()
	c.met.ActiveJobs.Set(float64(len(c.table.Active())))
	c.log.Info().Int32("job", job).
		Float64("single_ipc", p.SingleIPC).
		Float64("scale_factor", p.ScaleFactor).
		Msg("job characterized")

	c.ackPending(job)
	return true
}

func (c *Controller) characterizeJob(ctx context.Context, job int32) (*characterize.JobProfile, error) {
	batches := make([][]store.Measurement, 0, 4)
	for _, id := range []int32{job, feature.JobInjectorSingle, feature.JobInjectorLow, feature.JobInjectorHigh} {
		docs, err := c.docs.FetchProfileData(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: fetch job=%d: %v", characterize.ErrMissingMeasurement, id, err)
		}
		batches = append(batches, docs)
	}
	comb, err := c.docs.FetchCombinationData(ctx)
	if err != nil {
		// The combination table is only a scale-factor fallback.
		c.log.Warn().Err(err).Msg("combination data unavailable")
		comb = nil
	}
	return c.engine.Characterize(job, characterize.NewCorpus(batches...), comb)
}

// ackPending acknowledges and forgets every PGID queued for the job.
func (c *Controller) ackPending(job int32) {
	for _, pgid := range c.pending[job] {
		c.ack(pgid)
	}
	delete(c.pending, job)
}

func (c *Controller) ack(pgid int32) {
	// Best-effort by contract: the kernel re-raises on loss.
	if err := c.acker.Ack(pgid); err != nil {
		c.log.Warn().Err(err).Int32("pgid", pgid).Msg("netlink ack failed")
	}
}

// refreshAndReschedule runs once per batched completion wave.
func (c *Controller) refreshAndReschedule(ctx context.Context) {
	n := c.table.Refresh()
	c.met.Refreshes.Inc()
	c.log.Info().Int("pairs", n).Msg("score table refreshed")

	if err := c.planner.Reschedule(ctx); err != nil {
		c.log.Warn().Err(err).Msg("reschedule failed")
		return
	}
	c.met.Reschedules.Inc()
}

// Expire asks the drainer to remove a job from the active set.
func (c *Controller) Expire(job int32) {
	c.expiries <- job
}

func (c *Controller) expire(job int32) {
	c.table.Expire(job)
	delete(c.touches, job)
	delete(c.pending, job)
	delete(c.inFlight, job)
	c.met.ActiveJobs.Set(float64(len(c.table.Active())))
	c.log.Info().Int32("job", job).Msg("job expired")
}

func appendUnique(s []int32, v int32) []int32 {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}
