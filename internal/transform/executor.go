package transform

import (
	"context"
	"sync"
	"time"

	"github.com/datafold/datafold/internal/bus"
	"github.com/datafold/datafold/internal/engine"
	"github.com/datafold/datafold/internal/errs"
)

const (
	defaultWorkers    = 4
	defaultHistoryCap = 1000
	defaultRetries    = 3

	// enginePubKey identifies the transform engine as the caller of record
	// when it reads inputs and writes outputs through the query/mutation
	// engine; it is always treated as trust distance 0.
	enginePubKey = "transform-engine"
)

// HistoryEntry records one execution attempt, kept in a fixed-size ring
// buffer per transform.
type HistoryEntry struct {
	StartedAt time.Time
	Duration  time.Duration
	Result    string // "success" | "failed"
	Error     string
}

type transformState struct {
	queued           bool
	running          bool
	pendingRetrigger bool
	history          []HistoryEntry
	successes        int
	failures         int
}

// Engine is the transform executor (C7): it subscribes to FieldValueSet,
// enqueues jobs for every dependent transform, and runs them on a fixed
// worker pool.
type Engine struct {
	dag    *DAG
	engine *engine.Engine
	bus    *bus.Bus

	historyCap int
	retries    int
	workers    int
	jobs       chan string

	mu     sync.Mutex
	states map[string]*transformState

	sub *bus.Subscription
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithWorkers overrides the default worker pool size.
func WithWorkers(n int) Option { return func(e *Engine) { e.workers = n } }

// WithHistoryCap overrides the default per-transform history ring size.
func WithHistoryCap(n int) Option { return func(e *Engine) { e.historyCap = n } }

// WithRetries overrides the default bounded-retry count for a failing
// execution.
func WithRetries(n int) Option { return func(e *Engine) { e.retries = n } }

// New creates an Engine wired to dag and eng, starts its worker pool, and
// subscribes it to FieldValueSet.
func New(dag *DAG, eng *engine.Engine, eventBus *bus.Bus, opts ...Option) *Engine {
	e := &Engine{
		dag:        dag,
		engine:     eng,
		bus:        eventBus,
		historyCap: defaultHistoryCap,
		retries:    defaultRetries,
		workers:    defaultWorkers,
		jobs:       make(chan string, 256),
		states:     map[string]*transformState{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.startWorkers(e.workers)
	e.sub = eventBus.Subscribe(bus.EventFieldValueSet, e.onFieldValueSet)
	return e
}

func (e *Engine) onFieldValueSet(ev bus.Event) {
	payload, ok := ev.Payload.(bus.FieldValueSetPayload)
	if !ok {
		return
	}
	coordinate := payload.Schema + "." + payload.Field
	for _, id := range e.dag.TriggeredBy(coordinate) {
		e.trigger(id)
	}
}

// trigger enqueues transform id per the re-entrancy rule: coalesce with
// an already-queued-not-started job; if the transform is currently
// running, remember to re-run it once the running job completes.
func (e *Engine) trigger(id string) {
	e.mu.Lock()
	st := e.stateLocked(id)
	switch {
	case st.running:
		st.pendingRetrigger = true
		e.mu.Unlock()
		return
	case st.queued:
		e.mu.Unlock()
		return
	}
	st.queued = true
	e.mu.Unlock()

	e.publish(bus.Event{Type: bus.EventTransformTriggered, Payload: bus.TransformTriggeredPayload{TransformID: id}})
	e.jobs <- id
}

func (e *Engine) stateLocked(id string) *transformState {
	st, ok := e.states[id]
	if !ok {
		st = &transformState{}
		e.states[id] = st
	}
	return st
}

func (e *Engine) publish(ev bus.Event) {
	if e.bus == nil {
		return
	}
	ev.Timestamp = time.Now()
	ev.Publisher = "transform"
	e.bus.Publish(ev)
}

func (e *Engine) startWorkers(n int) {
	if n <= 0 {
		n = defaultWorkers
	}
	for i := 0; i < n; i++ {
		go e.worker()
	}
}

func (e *Engine) worker() {
	for id := range e.jobs {
		e.mu.Lock()
		st := e.stateLocked(id)
		st.queued = false
		st.running = true
		e.mu.Unlock()

		e.run(id)

		e.mu.Lock()
		st.running = false
		rerun := st.pendingRetrigger
		st.pendingRetrigger = false
		e.mu.Unlock()

		if rerun {
			e.trigger(id)
		}
	}
}

// run executes one transform, retrying up to e.retries times on failure
// before recording the job as failed. A failing transform never fails the
// mutation that fed it — it is observed only through TransformExecuted and
// the per-transform history.
func (e *Engine) run(id string) {
	t, ok := e.dag.Get(id)
	if !ok {
		return
	}

	var lastErr error
	start := time.Now()
	for attempt := 0; attempt <= e.retries; attempt++ {
		if lastErr != nil {
			time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
		}
		lastErr = e.execute(context.Background(), t)
		if lastErr == nil {
			break
		}
	}
	duration := time.Since(start)

	entry := HistoryEntry{StartedAt: start, Duration: duration}
	payload := bus.TransformExecutedPayload{TransformID: id, Duration: duration}
	e.mu.Lock()
	st := e.stateLocked(id)
	if lastErr != nil {
		entry.Result, entry.Error = "failed", lastErr.Error()
		payload.Result, payload.Error = "failed", lastErr.Error()
		st.failures++
	} else {
		entry.Result = "success"
		payload.Result = "success"
		st.successes++
	}
	st.history = append(st.history, entry)
	if len(st.history) > e.historyCap {
		st.history = st.history[len(st.history)-e.historyCap:]
	}
	e.mu.Unlock()

	e.publish(bus.Event{Type: bus.EventTransformExecuted, Payload: payload})
}

func (e *Engine) execute(ctx context.Context, t *Transform) error {
	snapshot := map[string]interface{}{}
	for _, in := range t.Inputs {
		schema, field, err := splitCoordinate(in)
		if err != nil {
			return &errs.TransformError{ID: t.ID, Cause: err}
		}
		res, err := e.engine.Query(ctx, engine.Query{
			Schema: schema,
			Fields: []string{field},
			Auth:   engine.Auth{PubKey: enginePubKey, TrustDistance: 0},
		})
		if err != nil {
			return &errs.TransformError{ID: t.ID, Cause: err}
		}
		for _, fr := range res.Fields {
			snapshot[fieldName(in)] = fr.Value
			_ = fr
		}
	}

	value, err := Evaluate(t.Logic, snapshot)
	if err != nil {
		return &errs.TransformError{ID: t.ID, Cause: err}
	}

	outSchema, outField, err := splitCoordinate(t.Output)
	if err != nil {
		return &errs.TransformError{ID: t.ID, Cause: err}
	}
	if err := e.engine.Mutate(ctx, engine.Mutation{
		Schema: outSchema,
		Type:   engine.MutationCreate,
		Fields: map[string]interface{}{outField: value},
		Auth:   engine.Auth{PubKey: enginePubKey, TrustDistance: 0},
	}); err != nil {
		return &errs.TransformError{ID: t.ID, Cause: err}
	}
	return nil
}

// Stats reports aggregate execution counters for one transform.
type Stats struct {
	Successes int
	Failures  int
	History   []HistoryEntry
}

// StatsFor returns a snapshot of id's execution counters and history.
func (e *Engine) StatsFor(id string) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	if !ok {
		return Stats{}
	}
	hist := make([]HistoryEntry, len(st.history))
	copy(hist, st.history)
	return Stats{Successes: st.successes, Failures: st.failures, History: hist}
}

// Close unsubscribes the engine from FieldValueSet, so the bus triggers
// no further jobs. It does not stop the worker goroutines and does not
// wait for queued or running jobs to finish.
func (e *Engine) Close() {
	if e.sub != nil {
		e.bus.Unsubscribe(e.sub)
	}
}
