package adaptation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/harun/replan/internal/observability"
	"github.com/harun/replan/internal/tracing"
	"github.com/harun/replan/pkg/commandqueue"
	"github.com/harun/replan/pkg/planner"
)

// Adapter is the public contract of the adaptation engine
type Adapter interface {
	// DetectOpportunities reports what could be improved in plan given obs; read-only
	DetectOpportunities(ctx context.Context, plan *planner.Plan, obs Observations) ([]Opportunity, error)
	// GenerateActions instantiates the catalog's strategies for opp; read-only
	GenerateActions(ctx context.Context, plan *planner.Plan, opp Opportunity) ([]Action, error)
	// EvaluateAction scores action against plan; read-only
	EvaluateAction(ctx context.Context, plan *planner.Plan, action Action) (ImpactEstimate, error)
	// ApplyAdaptation is the only mutating call. It returns either the input plan or the
	// fully applied successor, never an intermediate state.
	ApplyAdaptation(ctx context.Context, plan *planner.Plan, action Action) (*planner.Plan, Record, error)
	// TriggerAdaptation runs detect, generate, evaluate, select and apply until nothing
	// scores above the threshold or the iteration guard is hit
	TriggerAdaptation(ctx context.Context, plan *planner.Plan, obs Observations) (*planner.Plan, []Record, error)
	// RecordRealizedImpact attaches the observed effect to an applied record, at most once
	RecordRealizedImpact(ctx context.Context, recordID string, impact RealizedImpact) (Record, error)
	// GetAdaptationHistory returns the latest entry of every record of a plan
	GetAdaptationHistory(ctx context.Context, planID string) ([]Record, error)
	// GetAdaptationStatistics returns the rollup of one plan, or the global one for ""
	GetAdaptationStatistics(planID string) Statistics
	// State returns the state machine position of a plan
	State(planID string) State
}

// Mutator applies a mutation to a plan it owns and returns the successor
type Mutator func(plan *planner.Plan, m planner.Mutation) (*planner.Plan, error)

var _ Adapter = (*Engine)(nil)

const (
	lanePrefix = "plan:"

	// queueWarnAfter is how long a request may wait behind another on the same plan before it is logged
	queueWarnAfter = 5 * time.Second
)

// transitions lists the legal moves of the per-plan state machine; failed is reachable from anywhere
var transitions = map[State][]State{
	StateIdle:       {StateDetecting, StateApplying},
	StateDetecting:  {StateGenerating, StateIdle},
	StateGenerating: {StateEvaluating, StateIdle},
	StateEvaluating: {StateSelecting, StateIdle},
	StateSelecting:  {StateApplying, StateIdle},
	StateApplying:   {StateIdle},
	StateFailed:     {StateIdle},
}

// Engine is the default Adapter. It is safe for concurrent use; calls that write
// a plan are serialized per plan id on a command queue lane.
type Engine struct {
	cfg       Config
	detector  *Detector
	generator *Generator
	evaluator *Evaluator
	stats     *StatisticsAggregator
	store     HistoryStore
	queue     *commandqueue.CommandQueue
	ownQueue  bool
	mutate    Mutator
	logger    zerolog.Logger
	newID     func() string

	alternatives AlternativesSource
	equivalence  Equivalence

	states      map[string]State
	lastVersion map[string]int
	mu          sync.Mutex
}

// Option is a functional option for configuring the Engine
type Option func(*Engine)

// WithStore sets the history store; the default is an in-memory store
func WithStore(store HistoryStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithAlternatives sets the registry consulted for substitution, fallback, recovery and decomposition
func WithAlternatives(src AlternativesSource) Option {
	return func(e *Engine) {
		e.alternatives = src
	}
}

// WithEquivalence enables redundant_steps detection
func WithEquivalence(eq Equivalence) Option {
	return func(e *Engine) {
		e.equivalence = eq
	}
}

// WithQueue shares a command queue with other components; the engine does not close it
func WithQueue(queue *commandqueue.CommandQueue) Option {
	return func(e *Engine) {
		e.queue = queue
	}
}

// WithMutator replaces planner.ApplyMutation as the mutation step of ApplyAdaptation
func WithMutator(m Mutator) Option {
	return func(e *Engine) {
		e.mutate = m
	}
}

// WithLogger sets the logger for the engine
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an engine. cfg is validated after zero values are defaulted.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		mutate:      planner.ApplyMutation,
		logger:      log.Logger,
		newID:       uuid.NewString,
		states:      make(map[string]State),
		lastVersion: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.With().Str("component", "adaptation").Logger()
	if e.store == nil {
		e.store = NewMemoryStore()
	}
	if e.queue == nil {
		e.queue = commandqueue.NewWithLogger(e.logger)
		e.ownQueue = true
		e.queue.On("canceled", e.onCanceled)
	}
	e.detector = NewDetector(cfg, e.equivalence)
	e.generator = NewGenerator(cfg, e.alternatives)
	e.evaluator = NewEvaluator(cfg)
	e.stats = NewStatisticsAggregator(cfg.RealizedTolerance)

	observability.EnsureRegistered()
	return e, nil
}

// Config returns the effective configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// Warm rebuilds statistics and version bookkeeping from the history store
func (e *Engine) Warm(ctx context.Context) error {
	entries, err := e.store.Query(ctx, "")
	if err != nil {
		observability.RecordHistoryError("query")
		return newError(CodeStorage, "warm", "", err)
	}
	e.stats.Replay(entries)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range Latest(entries) {
		if rec.Outcome != OutcomeReverted && rec.VersionAfter > e.lastVersion[rec.PlanID] {
			e.lastVersion[rec.PlanID] = rec.VersionAfter
		}
	}
	e.logger.Info().Int("entries", len(entries)).Msg("Adaptation history loaded")
	return nil
}

// Pending returns the number of adaptation requests queued or running for a plan
func (e *Engine) Pending(planID string) int {
	lane := lanePrefix + planID
	return e.queue.GetQueueSize(lane) + e.queue.GetRunningCount(lane)
}

// Drain waits up to timeout for in-flight adaptations and reports whether they finished
func (e *Engine) Drain(timeout time.Duration) bool {
	return e.queue.WaitForActive(timeout)
}

// Close releases the engine's own command queue
func (e *Engine) Close() error {
	if e.ownQueue {
		return e.queue.Close()
	}
	return nil
}

// DetectOpportunities implements Adapter
func (e *Engine) DetectOpportunities(ctx context.Context, plan *planner.Plan, obs Observations) ([]Opportunity, error) {
	if err := checkPlan("detect", plan); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.detector.Detect(plan, obs), nil
}

// GenerateActions implements Adapter
func (e *Engine) GenerateActions(ctx context.Context, plan *planner.Plan, opp Opportunity) ([]Action, error) {
	if err := checkPlan("generate", plan); err != nil {
		return nil, err
	}
	if opp.PlanID != "" && opp.PlanID != plan.ID {
		return nil, newError(CodeInvalidInput, "generate", plan.ID, fmt.Errorf("opportunity belongs to plan %s", opp.PlanID))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	actions, err := e.generator.Generate(plan, opp)
	if err != nil {
		return nil, newError(CodeNoStrategy, "generate", plan.ID, err)
	}
	return actions, nil
}

// EvaluateAction implements Adapter
func (e *Engine) EvaluateAction(ctx context.Context, plan *planner.Plan, action Action) (ImpactEstimate, error) {
	if err := checkPlan("evaluate", plan); err != nil {
		return ImpactEstimate{}, err
	}
	if err := ctx.Err(); err != nil {
		return ImpactEstimate{}, err
	}
	return e.evaluate(plan, action)
}

func (e *Engine) evaluate(plan *planner.Plan, action Action) (ImpactEstimate, error) {
	est, err := e.evaluator.Evaluate(plan, action, e.stats.StrategyStats(action.Strategy))
	switch {
	case err == nil:
		return est, nil
	case errors.Is(err, ErrPlanValidation):
		return ImpactEstimate{}, newError(CodePlanValidation, "evaluate", plan.ID, err)
	default:
		return ImpactEstimate{}, newError(CodeInvalidInput, "evaluate", plan.ID, err)
	}
}

type applyResult struct {
	plan   *planner.Plan
	record Record
}

// ApplyAdaptation implements Adapter
func (e *Engine) ApplyAdaptation(ctx context.Context, plan *planner.Plan, action Action) (*planner.Plan, Record, error) {
	if err := checkPlan("apply", plan); err != nil {
		return plan, Record{}, err
	}
	if err := checkAction("apply", plan, action); err != nil {
		return plan, Record{}, err
	}

	value, err := e.inLane(ctx, plan.ID, func(ctx context.Context) (interface{}, error) {
		if err := e.enter(plan.ID, StateApplying); err != nil {
			return applyResult{plan: plan}, err
		}
		next, rec, err := e.apply(context.WithoutCancel(ctx), plan, action)
		e.setState(plan.ID, StateIdle)
		return applyResult{plan: next, record: rec}, err
	})
	res, ok := value.(applyResult)
	if !ok {
		return plan, Record{}, err
	}
	return res.plan, res.record, err
}

// apply runs inside the plan's lane. The mutator only ever sees a clone, so the
// input plan is returned untouched on every failure path.
func (e *Engine) apply(ctx context.Context, plan *planner.Plan, action Action) (*planner.Plan, Record, error) {
	start := time.Now()
	logger := e.logger.With().
		Str("planId", plan.ID).
		Str("actionId", action.ID).
		Str("strategy", string(action.Strategy)).
		Logger()

	if stale := e.staleReason(plan, action); stale != "" {
		observability.RecordAdaptation(string(action.Strategy), "stale", time.Since(start))
		logger.Warn().Int("planVersion", plan.Version).Int("actionVersion", action.PlanVersion).Msg("Rejected stale action")
		return plan, Record{}, newError(CodeStalePlanVersion, "apply", plan.ID, errors.New(stale))
	}

	baseline, _ := planner.Makespan(plan, e.evaluator.expectedDuration)
	now := time.Now()
	rec := Record{
		ID:               e.newID(),
		PlanID:           plan.ID,
		Action:           action.Clone(),
		VersionBefore:    plan.Version,
		VersionAfter:     plan.Version,
		AppliedAt:        now,
		BaselineDuration: baseline,
		UpdatedAt:        now,
	}

	next, err := e.mutateSafely(plan, action.Mutation)
	if err != nil {
		rec.Outcome = OutcomeReverted
		rec.Error = err.Error()
		e.commit(ctx, rec)

		observability.RecordAdaptation(string(action.Strategy), string(OutcomeReverted), time.Since(start))
		observability.RecordAdaptationAudit(plan.ID, string(action.Strategy), string(OutcomeReverted), map[string]interface{}{
			"action_id": action.ID,
			"error":     err.Error(),
		})
		logger.Error().Err(err).Msg("Adaptation rolled back")
		return plan, rec, newError(CodeApplication, "apply", plan.ID, err)
	}

	rec.Outcome = OutcomeApplied
	rec.VersionAfter = next.Version
	e.commit(ctx, rec)
	e.supersede(ctx, rec)

	e.mu.Lock()
	e.lastVersion[plan.ID] = next.Version
	e.mu.Unlock()

	observability.RecordAdaptation(string(action.Strategy), string(OutcomeApplied), time.Since(start))
	observability.RecordAdaptationAudit(plan.ID, string(action.Strategy), string(OutcomeApplied), map[string]interface{}{
		"action_id":      action.ID,
		"record_id":      rec.ID,
		"version_before": rec.VersionBefore,
		"version_after":  rec.VersionAfter,
		"score":          action.Estimate.Score,
	})
	logger.Info().
		Int("version", next.Version).
		Str("recordId", rec.ID).
		Str("description", action.Description).
		Msg("Adaptation applied")
	return next, rec, nil
}

func (e *Engine) staleReason(plan *planner.Plan, action Action) string {
	if action.PlanVersion != plan.Version {
		return fmt.Sprintf("action generated against version %d, plan is at %d", action.PlanVersion, plan.Version)
	}
	e.mu.Lock()
	last := e.lastVersion[plan.ID]
	e.mu.Unlock()
	if plan.Version < last {
		return fmt.Sprintf("plan version %d is behind version %d produced by this engine", plan.Version, last)
	}
	return ""
}

// mutateSafely runs the mutator on a clone and checks the successor before accepting it
func (e *Engine) mutateSafely(plan *planner.Plan, m planner.Mutation) (next *planner.Plan, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = nil, fmt.Errorf("mutation panicked: %v", r)
		}
	}()

	next, err = e.mutate(plan.Clone(), m.Clone())
	switch {
	case err != nil:
		return nil, err
	case next == nil:
		return nil, errors.New("mutator returned no plan")
	case next.ID != plan.ID:
		return nil, fmt.Errorf("mutator changed plan id to %q", next.ID)
	case next.Version != plan.Version+1:
		return nil, fmt.Errorf("mutator produced version %d, want %d", next.Version, plan.Version+1)
	}
	if err := planner.Validate(next); err != nil {
		return nil, err
	}
	return next, nil
}

// supersede marks older unrealized applied records touching the same steps
func (e *Engine) supersede(ctx context.Context, rec Record) {
	if len(rec.Action.Targets) == 0 {
		return
	}
	for _, prev := range e.stats.Records(rec.PlanID) {
		if prev.ID == rec.ID || prev.Outcome != OutcomeApplied || prev.Realized != nil {
			continue
		}
		if !overlaps(prev.Action.Targets, rec.Action.Targets) {
			continue
		}
		prev.Outcome = OutcomeSuperseded
		prev.SupersededBy = rec.ID
		prev.UpdatedAt = time.Now()
		e.commit(ctx, prev)
		e.logger.Debug().Str("recordId", prev.ID).Str("supersededBy", rec.ID).Msg("Record superseded")
	}
}

func overlaps(a, b []string) bool {
	for _, id := range a {
		if slices.Contains(b, id) {
			return true
		}
	}
	return false
}

// commit folds a record entry into statistics and persists it. Store failures are
// logged and counted; the in-memory result stands.
func (e *Engine) commit(ctx context.Context, rec Record) {
	e.stats.Record(rec)
	if err := e.store.Append(ctx, rec); err != nil {
		observability.RecordHistoryError("append")
		e.logger.Warn().Err(err).Str("recordId", rec.ID).Str("planId", rec.PlanID).Msg("Failed to persist adaptation record")
	}
}

// TriggerAdaptation implements Adapter
func (e *Engine) TriggerAdaptation(ctx context.Context, plan *planner.Plan, obs Observations) (*planner.Plan, []Record, error) {
	if err := checkPlan("trigger", plan); err != nil {
		return plan, nil, err
	}

	type triggerResult struct {
		plan    *planner.Plan
		records []Record
	}
	value, err := e.inLane(ctx, plan.ID, func(ctx context.Context) (interface{}, error) {
		next, records, err := e.cycle(ctx, plan, obs.Clone())
		return triggerResult{plan: next, records: records}, err
	})
	res, ok := value.(triggerResult)
	if !ok {
		return plan, nil, err
	}
	return res.plan, res.records, err
}

// scored pairs an opportunity with its evaluated actions
type scored struct {
	opp     Opportunity
	actions []Action
}

func (e *Engine) cycle(ctx context.Context, plan *planner.Plan, obs Observations) (result *planner.Plan, records []Record, err error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(tracing.WithPlanID(ctx, plan.ID), "adaptation.cycle",
		attribute.Int("plan.version", plan.Version))
	defer func() {
		span.SetAttributes(attribute.Int("adaptation.records", len(records)))
		tracing.EndSpan(span, err)
		observability.RecordAdaptationCycle(time.Since(start))
	}()
	logger := tracing.LoggerFromContext(ctx, e.logger)

	current := plan
	excluded := make(map[string]bool)
	seen := make(map[string]bool)

	for iter := 0; iter < e.cfg.MaxAdaptationIterations; iter++ {
		if err := ctx.Err(); err != nil {
			e.setState(plan.ID, StateIdle)
			return current, records, err
		}
		if err := e.enter(plan.ID, StateDetecting); err != nil {
			return current, records, err
		}

		opps := e.detector.Detect(current, obs)
		e.countOpportunities(plan.ID, opps, seen)
		if len(opps) == 0 {
			e.setState(plan.ID, StateIdle)
			break
		}

		candidates, err := e.score(ctx, current, opps)
		if err != nil {
			if ctx.Err() != nil {
				e.setState(plan.ID, StateIdle)
				return current, records, ctx.Err()
			}
			e.fail(plan.ID, err)
			return current, records, err
		}

		if err := e.transition(plan.ID, StateSelecting); err != nil {
			return current, records, err
		}
		best, ok := e.selectAction(candidates, excluded)
		if !ok {
			e.setState(plan.ID, StateIdle)
			break
		}

		if err := ctx.Err(); err != nil {
			e.setState(plan.ID, StateIdle)
			return current, records, err
		}
		if err := e.transition(plan.ID, StateApplying); err != nil {
			return current, records, err
		}
		next, rec, err := e.apply(context.WithoutCancel(ctx), current, best)
		e.setState(plan.ID, StateIdle)
		if rec.ID != "" {
			records = append(records, rec)
		}
		if err != nil {
			if errors.Is(err, ErrApplication) {
				excluded[signature(best)] = true
				continue
			}
			return current, records, err
		}

		obs = consume(obs, best)
		current = next
	}

	logger.Debug().
		Int("records", len(records)).
		Int("version", current.Version).
		Msg("Adaptation cycle finished")
	return current, records, nil
}

// score generates actions for every opportunity, then evaluates them, fanning out per opportunity
func (e *Engine) score(ctx context.Context, plan *planner.Plan, opps []Opportunity) ([]scored, error) {
	if err := e.transition(plan.ID, StateGenerating); err != nil {
		return nil, err
	}
	out := make([]scored, len(opps))
	g, gctx := errgroup.WithContext(ctx)
	for i, opp := range opps {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			actions, err := e.generator.Generate(plan, opp)
			if err != nil && !errors.Is(err, ErrNoApplicableStrategy) {
				return err
			}
			out[i] = scored{opp: opp, actions: actions}
			for _, a := range actions {
				observability.RecordActionsGenerated(string(a.Strategy), 1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := e.transition(plan.ID, StateEvaluating); err != nil {
		return nil, err
	}
	g, gctx = errgroup.WithContext(ctx)
	for i := range out {
		g.Go(func() error {
			for j := range out[i].actions {
				if err := gctx.Err(); err != nil {
					return err
				}
				a := &out[i].actions[j]
				est, err := e.evaluate(plan, *a)
				if err != nil {
					return err
				}
				a.Estimate = est
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// selectAction walks opportunities by severity and returns the best eligible action of
// the first opportunity that has one
func (e *Engine) selectAction(candidates []scored, excluded map[string]bool) (Action, bool) {
	for _, c := range candidates {
		var eligible []Action
		for _, a := range c.actions {
			if a.Estimate.Score >= e.cfg.MinActionScore && !excluded[signature(a)] {
				eligible = append(eligible, a)
			}
		}
		if len(eligible) == 0 {
			continue
		}
		return slices.MinFunc(eligible, compareActions), true
	}
	return Action{}, false
}

// compareActions orders by score descending, then strategy preference, then id
func compareActions(a, b Action) int {
	switch {
	case a.Estimate.Score > b.Estimate.Score:
		return -1
	case a.Estimate.Score < b.Estimate.Score:
		return 1
	}
	if c := compareStrategies(a.Strategy, b.Strategy); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// signature identifies an action independent of its generated id
func signature(a Action) string {
	return fmt.Sprintf("%s|%s|%s|%s", a.Strategy, a.Mutation.Kind, strings.Join(a.Targets, ","), a.Description)
}

func (e *Engine) countOpportunities(planID string, opps []Opportunity, seen map[string]bool) {
	fresh := 0
	for _, o := range opps {
		key := fmt.Sprintf("%s|%s|%s", o.Kind, strings.Join(o.StepIDs, ","), o.Resource)
		if seen[key] {
			continue
		}
		seen[key] = true
		fresh++
		observability.RecordOpportunity(string(o.Kind))
	}
	e.stats.RecordOpportunities(planID, fresh)
}

// consume drops the observations an applied action has answered
func consume(obs Observations, a Action) Observations {
	out := Observations{GoalChange: obs.GoalChange.Clone()}
	for _, o := range obs.Outcomes {
		if !slices.Contains(a.Targets, o.StepID) {
			out.Outcomes = append(out.Outcomes, o)
		}
	}
	for _, s := range obs.Usage {
		if a.Resource == "" || s.Resource != a.Resource {
			out.Usage = append(out.Usage, s)
		}
	}

	if gc := out.GoalChange; gc != nil && a.Opportunity == OpportunityRequirementChange {
		m := a.Mutation
		switch m.Kind {
		case planner.MutationRemoveStep:
			gc.ObsoleteSteps = slices.DeleteFunc(gc.ObsoleteSteps, func(id string) bool { return id == m.StepID })
		case planner.MutationReplaceStep:
			delete(gc.Replacements, m.StepID)
		case planner.MutationInsertStep:
			if m.NewStep != nil {
				gc.AddedSteps = slices.DeleteFunc(gc.AddedSteps, func(s planner.Step) bool { return s.ID == m.NewStep.ID })
			}
		}
		if gc.Empty() {
			out.GoalChange = nil
		}
	}
	return out
}

// RecordRealizedImpact implements Adapter. Only applied records accept realized impact;
// a superseded record never does, its effect belongs to the record that replaced it.
func (e *Engine) RecordRealizedImpact(ctx context.Context, recordID string, impact RealizedImpact) (Record, error) {
	if recordID == "" {
		return Record{}, newError(CodeInvalidInput, "realize", "", errors.New("record id is required"))
	}
	rec, ok := e.stats.Lookup(recordID)
	if !ok {
		return Record{}, newError(CodeInvalidInput, "realize", "", fmt.Errorf("unknown record %s", recordID))
	}

	value, err := e.inLane(ctx, rec.PlanID, func(ctx context.Context) (interface{}, error) {
		// Re-read inside the lane, a concurrent apply may have superseded it
		rec, _ := e.stats.Lookup(recordID)
		switch {
		case rec.Outcome != OutcomeApplied:
			return nil, newError(CodeInvalidInput, "realize", rec.PlanID, fmt.Errorf("record %s is %s", rec.ID, rec.Outcome))
		case rec.Realized != nil:
			return nil, newError(CodeInvalidInput, "realize", rec.PlanID, fmt.Errorf("record %s already has realized impact", rec.ID))
		}
		if impact.ObservedAt.IsZero() {
			impact.ObservedAt = time.Now()
		}
		rec.Realized = &impact
		rec.UpdatedAt = time.Now()
		e.commit(context.WithoutCancel(ctx), rec)

		e.logger.Info().
			Str("recordId", rec.ID).
			Str("planId", rec.PlanID).
			Dur("realizedDelta", impact.DurationDelta).
			Bool("succeeded", rec.Succeeded(e.cfg.RealizedTolerance)).
			Msg("Realized impact recorded")
		return rec, nil
	})
	if err != nil {
		return Record{}, err
	}
	return value.(Record), nil
}

// GetAdaptationHistory implements Adapter. A failing store falls back to the
// records this engine has seen.
func (e *Engine) GetAdaptationHistory(ctx context.Context, planID string) ([]Record, error) {
	if planID == "" {
		return nil, newError(CodeInvalidInput, "history", "", errors.New("plan id is required"))
	}
	entries, err := e.store.Query(ctx, planID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		observability.RecordHistoryError("query")
		e.logger.Warn().Err(err).Str("planId", planID).Msg("History query failed, serving in-memory records")
		return e.stats.Records(planID), nil
	}
	return Latest(entries), nil
}

// GetAdaptationStatistics implements Adapter
func (e *Engine) GetAdaptationStatistics(planID string) Statistics {
	return e.stats.Snapshot(planID)
}

// State implements Adapter
func (e *Engine) State(planID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[planID]; ok {
		return s
	}
	return StateIdle
}

func (e *Engine) inLane(ctx context.Context, planID string, task commandqueue.Task) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.queue.EnqueueWithContext(ctx, lanePrefix+planID, task, &commandqueue.TaskOptions{
		WarnAfter: queueWarnAfter,
		OnWait: func(wait time.Duration, pos int) {
			e.logger.Warn().Str("planId", planID).Dur("wait", wait).Int("queuePos", pos).Msg("Adaptation waiting on plan")
		},
	})
}

// onCanceled counts requests whose caller gave up while they were still queued
func (e *Engine) onCanceled(event commandqueue.Event) {
	planID, ok := strings.CutPrefix(event.Lane, lanePrefix)
	if !ok {
		return
	}
	observability.RecordAdaptationCanceled()
	e.logger.Debug().Str("planId", planID).Str("taskId", event.TaskID).Msg("Adaptation request canceled while queued")
}

// enter starts a new cycle from idle, leaving a previous failed state first
func (e *Engine) enter(planID string, to State) error {
	e.mu.Lock()
	if e.states[planID] == StateFailed {
		e.states[planID] = StateIdle
	}
	e.mu.Unlock()
	return e.transition(planID, to)
}

func (e *Engine) transition(planID string, to State) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	from, ok := e.states[planID]
	if !ok {
		from = StateIdle
	}
	if to != StateFailed && !slices.Contains(transitions[from], to) {
		e.states[planID] = StateFailed
		return fmt.Errorf("illegal state transition %s -> %s for plan %s", from, to, planID)
	}
	e.states[planID] = to
	return nil
}

func (e *Engine) setState(planID string, s State) {
	e.mu.Lock()
	e.states[planID] = s
	e.mu.Unlock()
}

func (e *Engine) fail(planID string, err error) {
	e.setState(planID, StateFailed)
	e.logger.Error().Err(err).Str("planId", planID).Msg("Adaptation cycle failed")
}

func checkPlan(op string, plan *planner.Plan) error {
	if plan == nil {
		return newError(CodeInvalidInput, op, "", errors.New("plan is nil"))
	}
	if plan.ID == "" {
		return newError(CodeInvalidInput, op, "", errors.New("plan id is empty"))
	}
	if err := planner.Validate(plan); err != nil {
		return newError(CodePlanValidation, op, plan.ID, err)
	}
	return nil
}

func checkAction(op string, plan *planner.Plan, action Action) error {
	switch {
	case action.ID == "":
		return newError(CodeInvalidInput, op, plan.ID, errors.New("action id is empty"))
	case !action.Strategy.Valid():
		return newError(CodeInvalidInput, op, plan.ID, fmt.Errorf("unknown strategy %q", action.Strategy))
	case action.PlanID != plan.ID:
		return newError(CodeInvalidInput, op, plan.ID, fmt.Errorf("action belongs to plan %s", action.PlanID))
	}
	return nil
}
