// Package engine orchestrates rule processing: event dispatch, schedule
// ticks, per-rule queues with priority draining, cooldowns, and the
// evaluate/execute/escalate pipeline. All state lives on the Engine; two
// engines in one process do not interfere.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	rulengine "github.com/forgeworks/go-rulengine"
	"github.com/forgeworks/go-rulengine/escalate"
	"github.com/forgeworks/go-rulengine/evaluate"
	"github.com/forgeworks/go-rulengine/execute"
	"github.com/forgeworks/go-rulengine/expr"
)

// selfEventPrefix marks events the engine itself emits. Dispatching them to
// rules would allow rule-triggered feedback loops.
const selfEventPrefix = "notification."

// executedEvent is emitted on the events collaborator after every finalized
// execution.
const executedEvent = "notification.rule.executed"

const defaultCacheTTL = 5 * time.Minute

// Store is the persistence surface the engine requires. The store package
// provides memory and SQLite implementations.
type Store interface {
	GetRule(ctx context.Context, id string) (*rulengine.Rule, error)
	FindActiveByEventName(ctx context.Context, eventName string) ([]*rulengine.Rule, error)
	FindActiveSchedules(ctx context.Context) ([]*rulengine.Rule, error)
	SaveExecution(ctx context.Context, exec *rulengine.Execution) error
	IncrementRuleCounters(ctx context.Context, ruleID string, at time.Time) error
	UpdateNextExecution(ctx context.Context, ruleID string, next *time.Time) error
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cache is the event-to-rules lookup cache contract.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
}

// Events receives the engine's own emissions. Implementations typically fan
// out to an application event bus.
type Events interface {
	Emit(ctx context.Context, name string, payload map[string]any)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger rulengine.Logger) Option {
	return func(e *Engine) { e.log = rulengine.NormalizeLogger(logger) }
}

// WithClock overrides the wall clock, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithCache wires the event lookup cache.
func WithCache(cache Cache) Option {
	return func(e *Engine) { e.cache = cache }
}

// WithCacheTTL changes how long event-to-rules lookups stay cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.cacheTTL = ttl
		}
	}
}

// WithEvents wires the collaborator receiving the engine's own emissions.
func WithEvents(events Events) Option {
	return func(e *Engine) { e.events = events }
}

// WithDelivery wires the notification transport used to build default
// executor and escalator collaborators.
func WithDelivery(d rulengine.Delivery) Option {
	return func(e *Engine) { e.delivery = d }
}

// WithEvaluator replaces the default condition evaluator.
func WithEvaluator(ev *evaluate.Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// WithExecutor replaces the default action executor.
func WithExecutor(ex *execute.Executor) Option {
	return func(e *Engine) { e.executor = ex }
}

// WithEscalator replaces the default escalation manager.
func WithEscalator(m *escalate.Manager) Option {
	return func(e *Engine) { e.escalator = m }
}

// WithSleeper overrides how synchronous (manual) executions wait out delays.
func WithSleeper(sleep func(time.Duration)) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithScheduleFunc overrides how continuation timers are armed. The returned
// function cancels the timer. Mainly for tests.
func WithScheduleFunc(schedule func(d time.Duration, fn func()) func()) Option {
	return func(e *Engine) {
		if schedule != nil {
			e.schedule = schedule
		}
	}
}

// Engine is the notification rules orchestrator.
type Engine struct {
	store     Store
	cache     Cache
	events    Events
	delivery  rulengine.Delivery
	evaluator *evaluate.Evaluator
	executor  *execute.Executor
	escalator *escalate.Manager
	sandbox   *expr.Evaluator

	log      rulengine.Logger
	clock    func() time.Time
	sleep    func(time.Duration)
	schedule func(d time.Duration, fn func()) func()
	cacheTTL time.Duration

	queues    *queueSet
	cooldowns *cooldownTracker

	mu         sync.Mutex
	processing bool
	running    bool
	stopped    bool
	timerSeq   int64
	timers     map[int64]func()
	suspended  map[int64]*queueItem

	cron *cron.Cron
	done chan struct{}
	wg   sync.WaitGroup
}

// New assembles an engine around the store. Collaborators not supplied
// through options get working defaults; SEND_NOTIFICATION and escalation need
// a delivery transport to succeed at runtime.
func New(store Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:     store,
		log:       rulengine.NewFmtLogger(nil),
		clock:     time.Now,
		sleep:     time.Sleep,
		cacheTTL:  defaultCacheTTL,
		queues:    newQueueSet(),
		timers:    make(map[int64]func()),
		suspended: make(map[int64]*queueItem),
	}
	e.schedule = func(d time.Duration, fn func()) func() {
		t := time.AfterFunc(d, fn)
		return func() { t.Stop() }
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.cooldowns = newCooldownTracker(e.clock)

	if e.evaluator == nil || e.escalator == nil {
		sandbox, err := expr.New(expr.WithClock(e.clock))
		if err != nil {
			return nil, err
		}
		e.sandbox = sandbox
	}
	if e.evaluator == nil {
		e.evaluator = evaluate.New(e.sandbox,
			evaluate.WithLogger(e.log),
			evaluate.WithClock(e.clock),
		)
	}
	if e.executor == nil {
		e.executor = execute.New(
			execute.WithDelivery(e.delivery),
			execute.WithLogger(e.log),
			execute.WithClock(e.clock),
			execute.WithSleep(e.sleep),
		)
	}
	if e.escalator == nil {
		e.escalator = escalate.New(e.delivery, e.sandbox,
			escalate.WithLogger(e.log),
			escalate.WithClock(e.clock),
		)
	}
	return e, nil
}

// Sandbox returns the expression evaluator backing EXPRESSION conditions and
// guards, for save-time validation of rules.
func (e *Engine) Sandbox() *expr.Evaluator {
	return e.sandbox
}

// Start brings up the schedule tick and the idle drain loop. Safe to call
// once; a stopped engine cannot be restarted.
func (e *Engine) Start(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return rulengine.CloneError(rulengine.ErrEngineStopped, "engine cannot be restarted", nil, nil)
	}
	if e.running {
		return nil
	}
	e.running = true

	e.cron = cron.New()
	if _, err := e.cron.AddFunc("* * * * *", func() {
		e.checkSchedules(context.Background())
	}); err != nil {
		return err
	}
	e.cron.Start()

	e.done = make(chan struct{})
	e.wg.Add(1)
	go e.idleLoop()

	e.log.Info("rules engine started")
	return nil
}

// Stop shuts the engine down. Pending continuation timers are cancelled and
// their executions finalized as CANCELLED; items queued but never started are
// dropped.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	wasRunning := e.running
	e.running = false
	timers := e.timers
	suspended := e.suspended
	e.timers = make(map[int64]func())
	e.suspended = make(map[int64]*queueItem)
	e.mu.Unlock()

	if wasRunning {
		if e.cron != nil {
			e.cron.Stop()
		}
		close(e.done)
		e.wg.Wait()
	}

	for id, cancel := range timers {
		cancel()
		item, ok := suspended[id]
		if !ok || item.exec == nil {
			continue
		}
		item.exec.Cancel("engine stopped before scheduled continuation")
		item.exec.Finalize(e.clock())
		e.persist(ctx, item.exec)
		e.log.Warn("cancelled suspended execution execution=%s rule=%s", item.exec.ID, item.rc.Rule.ID)
	}

	e.log.Info("rules engine stopped")
	return nil
}

func (e *Engine) idleLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.drain(context.Background())
		}
	}
}

// OnEvent dispatches a domain event: every active, filter-matching rule bound
// to the event name that is not cooling down gets enqueued, and the queues are
// drained. Events the engine emits itself are ignored.
func (e *Engine) OnEvent(ctx context.Context, eventName string, payload map[string]any) error {
	if e.isStopped() {
		return rulengine.CloneError(rulengine.ErrEngineStopped, "", nil, nil)
	}
	if strings.HasPrefix(eventName, selfEventPrefix) {
		e.log.Debug("ignoring self event event=%s", eventName)
		return nil
	}

	rules, err := e.rulesForEvent(ctx, eventName)
	if err != nil {
		return err
	}

	now := e.clock()
	enqueued := false
	for _, rule := range rules {
		if !rule.IsActive() {
			continue
		}
		trigger := rule.Trigger.Event
		if trigger == nil || trigger.EventName != eventName {
			continue
		}
		if !e.matchesFilters(trigger.Filters, payload) {
			e.log.Debug("event filtered out rule=%s event=%s", rule.ID, eventName)
			continue
		}
		if rule.Cooldown.Enabled && e.cooldowns.InCooldown(rule.CooldownKey()) {
			e.log.Debug("rule in cooldown rule=%s event=%s", rule.ID, eventName)
			continue
		}

		e.queues.Push(&queueItem{
			rc:         rulengine.NewEventContext(rule, eventName, payload, now),
			enqueuedAt: now,
		})
		enqueued = true
	}

	if enqueued {
		e.drain(ctx)
	}
	return nil
}

// ExecuteRuleManually runs one rule synchronously against the supplied sample
// data, bypassing triggers and filters but still honoring the rule's cooldown.
// Action and escalation delays are waited out inline so the caller gets the
// settled result.
func (e *Engine) ExecuteRuleManually(ctx context.Context, ruleID string, data map[string]any, userID string) (*rulengine.ExecutionResult, error) {
	if e.isStopped() {
		return nil, rulengine.CloneError(rulengine.ErrEngineStopped, "", nil, nil)
	}

	rule, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, rulengine.CloneError(rulengine.ErrRuleNotFound, "", nil, map[string]any{
			"rule_id": ruleID,
		})
	}
	if rule.Cooldown.Enabled && e.cooldowns.InCooldown(rule.CooldownKey()) {
		return nil, rulengine.CloneError(rulengine.ErrRuleInCooldown, "", nil, map[string]any{
			"rule_id":      ruleID,
			"cooldown_key": rule.CooldownKey(),
		})
	}

	item := &queueItem{
		rc:          rulengine.NewManualContext(rule, userID, data, e.clock()),
		synchronous: true,
		enqueuedAt:  e.clock(),
	}
	e.process(ctx, item)
	if item.exec == nil {
		return nil, rulengine.CloneError(rulengine.ErrActionFailed,
			"manual execution did not produce a record", nil, map[string]any{
				"rule_id": ruleID,
			})
	}
	return item.exec.Result(), nil
}

// CleanupExecutions deletes finished executions older than the retention
// window. Meant to be called from a maintenance schedule.
func (e *Engine) CleanupExecutions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := e.clock().Add(-olderThan)
	removed, err := e.store.DeleteExecutionsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		e.log.Info("cleaned up old executions removed=%d cutoff=%s", removed, cutoff.Format(time.RFC3339))
	}
	return removed, nil
}

// QueueDepth reports how many invocations are waiting.
func (e *Engine) QueueDepth() int {
	return e.queues.Len()
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// drain processes queued items on the calling goroutine until the queues are
// empty. The processing flag keeps exactly one drainer active; concurrent
// callers return immediately and their items are picked up by the active
// drainer or the idle tick.
func (e *Engine) drain(ctx context.Context) {
	e.mu.Lock()
	if e.processing || e.stopped {
		e.mu.Unlock()
		return
	}
	e.processing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.processing = false
		e.mu.Unlock()
	}()

	for {
		if e.isStopped() {
			return
		}
		batch := e.queues.PopSweep()
		if len(batch) == 0 {
			return
		}
		for _, item := range batch {
			if e.isStopped() {
				return
			}
			e.process(ctx, item)
		}
	}
}

// suspendContinuation persists the execution's intermediate state and arms a
// timer that puts the item back at the front of its rule's queue.
func (e *Engine) suspend(ctx context.Context, item *queueItem, resume *resumePoint, wait time.Duration) {
	item.resume = resume
	e.persist(ctx, item.exec)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		item.exec.Cancel("engine stopped before scheduled continuation")
		item.exec.Finalize(e.clock())
		e.persist(ctx, item.exec)
		return
	}
	e.timerSeq++
	id := e.timerSeq
	e.suspended[id] = item
	cancel := e.schedule(wait, func() {
		e.mu.Lock()
		_, live := e.suspended[id]
		delete(e.suspended, id)
		delete(e.timers, id)
		e.mu.Unlock()
		if !live {
			return
		}
		e.queues.PushFront(item)
		e.drain(context.Background())
	})
	e.timers[id] = cancel
	e.mu.Unlock()

	e.log.Debug("execution suspended execution=%s rule=%s wait=%s", item.exec.ID, item.rc.Rule.ID, wait)
}
