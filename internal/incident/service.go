package incident

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/correlation"
	"github.com/linnemanlabs/warden/internal/dedup"
	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/escalation"
	"github.com/linnemanlabs/warden/internal/routing"
)

// armAttempts bounds the tries made to arm a routed group's ladder.
const armAttempts = 3

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/incident")

// Config tunes the service.
type Config struct {
	Dedup dedup.Policy
	// StoreTimeout bounds each store call made on the ingest path.
	StoreTimeout time.Duration
	// CandidateLimit caps the groups scored for correlation.
	CandidateLimit int
}

// Deps are the collaborators of Service. Correlator and Escalation may be
// nil to disable those stages.
type Deps struct {
	Store      Store
	Rules      *routing.Cache
	Correlator *correlation.Engine
	Dispatcher dispatch.Dispatcher
	Escalation *escalation.Scheduler
	Policy     WorkspacePolicy
	Logger     log.Logger
	Hooks      Hooks
}

// Hooks are optional callbacks for metrics.
type Hooks struct {
	OnIngest    func(outcome string, seconds float64)
	OnRoute     func(result string)
	OnCorrelate func(related int)
	OnAction    func(action string)
}

// IngestResult is the outcome of Ingest.
type IngestResult struct {
	Group       *alert.Group
	IsNew       bool
	Outcome     dedup.Outcome
	Routed      bool
	RuleID      string
	Correlation *alert.Correlation
	// EscalationJobID is the level 0 job armed by this ingest, if any.
	EscalationJobID string
}

// Service is the business boundary for alert groups.
type Service struct {
	cfg        Config
	store      Store
	index      *dedup.Index
	rules      *routing.Cache
	router     *routing.Engine
	correlator *correlation.Engine
	dispatcher dispatch.Dispatcher
	escalation *escalation.Scheduler
	policy     WorkspacePolicy
	logger     log.Logger
	hooks      Hooks
	now        func() time.Time

	// notifications in flight, drained by Wait
	wg sync.WaitGroup
}

// NewService creates a Service.
func NewService(cfg Config, d Deps) *Service {
	if d.Store == nil {
		panic(xerrors.New("incident: nil store"))
	}
	if d.Dispatcher == nil {
		panic(xerrors.New("incident: nil dispatcher"))
	}
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.Rules == nil {
		d.Rules = routing.NewCache(d.Store, 0)
	}
	if d.Policy == nil {
		d.Policy = StaticPolicy{
			StaticPolicy: escalation.StaticPolicy{Levels: 3},
			Correlate:    correlation.DefaultConfig(),
		}
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 500
	}
	return &Service{
		cfg:        cfg,
		store:      d.Store,
		index:      dedup.New(d.Store, cfg.Dedup),
		rules:      d.Rules,
		router:     routing.NewEngine(d.Rules, d.Logger),
		correlator: d.Correlator,
		dispatcher: d.Dispatcher,
		escalation: d.Escalation,
		policy:     d.Policy,
		logger:     d.Logger,
		hooks:      d.Hooks,
		now:        time.Now,
	}
}

// Ingest runs one event through dedup, correlation, routing, initial
// dispatch and escalation arming. Only events that create or reopen a
// group are routed; merges and duplicates return after dedup.
//
// Failures after dedup leave the group persisted and OPEN, and are logged
// rather than returned, so a sender retry is a duplicate and not a second
// group.
func (s *Service) Ingest(ctx context.Context, ev *alert.Event) (*IngestResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "incident.ingest",
		trace.WithAttributes(
			attribute.String("warden.workspace.id", ev.WorkspaceID),
			attribute.String("warden.alert.fingerprint", ev.Fingerprint),
			attribute.String("warden.alert.source", string(ev.Source)),
		),
	)
	defer span.End()

	res, err := s.ingest(ctx, ev)

	outcome := "error"
	if err != nil {
		if errors.Is(err, alert.ErrInvalidEvent) {
			outcome = "invalid"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		outcome = string(res.Outcome)
		span.SetAttributes(
			attribute.String("warden.dedup.outcome", outcome),
			attribute.String("warden.group.id", res.Group.ID),
			attribute.Bool("warden.routing.routed", res.Routed),
			attribute.String("warden.routing.rule_id", res.RuleID),
		)
	}
	if s.hooks.OnIngest != nil {
		s.hooks.OnIngest(outcome, time.Since(start).Seconds())
	}
	return res, err
}

func (s *Service) ingest(ctx context.Context, ev *alert.Event) (*IngestResult, error) {
	sctx, cancel := s.bounded(ctx)
	dr, err := s.index.Ingest(sctx, ev)
	cancel()
	if err != nil {
		return nil, err
	}

	res := &IngestResult{Group: dr.Group, IsNew: dr.IsNew, Outcome: dr.Outcome}
	L := s.logger.With("group_id", dr.Group.ID, "workspace_id", dr.Group.WorkspaceID, "outcome", string(dr.Outcome))

	fresh := dr.Outcome == dedup.OutcomeCreated || dr.Outcome == dedup.OutcomeReopened
	if !fresh && !dr.ReopenedFromAck {
		return res, nil
	}

	if !dr.IsNew {
		// the previous life of the group may still have pending timers
		if _, err := s.cancelJobs(ctx, dr.Group.ID); err != nil {
			L.Error(ctx, err, "failed to cancel stale escalations on reopen")
		}
	}
	if fresh {
		res.Correlation = s.correlate(ctx, L, dr.Group)
	}
	s.route(ctx, L, res)

	L.Info(ctx, "alert group opened", "routed", res.Routed, "rule_id", res.RuleID)
	return res, nil
}

func (s *Service) correlate(ctx context.Context, L log.Logger, g *alert.Group) *alert.Correlation {
	cfg := s.policy.Correlation(g.WorkspaceID)
	if s.correlator == nil || !cfg.Enabled {
		return nil
	}
	now := s.now()

	sctx, cancel := s.bounded(ctx)
	cands, err := s.store.CorrelationCandidates(sctx, g.WorkspaceID, now.Add(-cfg.Lookback), s.cfg.CandidateLimit)
	cancel()
	if err != nil {
		L.Warn(ctx, "correlation skipped, candidates unavailable", "error", err)
		return nil
	}

	c := s.correlator.Correlate(ctx, cfg, g.ForEvaluation(), cands, now)
	if c == nil {
		return nil
	}
	sctx, cancel = s.bounded(ctx)
	err = s.store.PutCorrelation(sctx, c)
	cancel()
	if err != nil {
		L.Error(ctx, err, "failed to persist correlation")
		return nil
	}
	if s.hooks.OnCorrelate != nil {
		s.hooks.OnCorrelate(len(c.RelatedGroupIDs))
	}
	L.Info(ctx, "alert group correlated",
		"related", len(c.RelatedGroupIDs),
		"confidence", c.ConfidenceScore,
		"root_cause_id", c.RootCauseGroupID,
	)
	return c
}

func (s *Service) route(ctx context.Context, L log.Logger, res *IngestResult) {
	g := res.Group
	rctx, cancel := s.bounded(ctx)
	decision, err := s.router.Route(rctx, g.ForEvaluation())
	cancel()
	if err != nil {
		L.Error(ctx, err, "routing rules unavailable, group left unrouted")
		s.routeHook("error")
		return
	}
	if !decision.Routed() {
		L.Warn(ctx, "alert group unrouted", "rules_evaluated", decision.Evaluated)
		s.routeHook("unrouted")
		return
	}

	r := decision.Result
	updated, err := s.update(ctx, g.ID, func(cur *alert.Group) bool {
		cur.RoutedRuleID = r.RuleID
		cur.UpdatedAt = s.now()
		return true
	})
	switch {
	case err != nil:
		L.Error(ctx, err, "failed to record routed rule", "rule_id", r.RuleID)
	case updated != nil:
		res.Group = updated
	}

	// armed before dispatch and regardless of its outcome; a group whose
	// ladder cannot be armed is left unrouted rather than notified without one
	if s.escalation != nil {
		job, err := s.arm(ctx, res.Group, r)
		if err != nil {
			L.Error(ctx, err, "failed to arm escalation, group left unrouted", "rule_id", r.RuleID)
			s.unroute(ctx, L, res, r.RuleID)
			s.routeHook("error")
			return
		}
		if job != nil {
			res.EscalationJobID = job.ID
		}
	}

	res.Routed, res.RuleID = true, r.RuleID
	s.routeHook("routed")

	s.wg.Add(1)
	go s.notify(context.WithoutCancel(ctx), res.Group.Clone(), r)
}

// arm schedules the routed ladder, retrying transient store errors a few
// times with a short backoff.
func (s *Service) arm(ctx context.Context, g *alert.Group, r *routing.Result) (*escalation.Job, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond

	return backoff.Retry(ctx, func() (*escalation.Job, error) {
		sctx, cancel := s.bounded(ctx)
		defer cancel()
		return s.escalation.Arm(sctx, g, r.RuleID, r.Actions)
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(armAttempts))
}

// unroute clears the routed rule recorded for a group that could not be
// armed, so it reads as unrouted.
func (s *Service) unroute(ctx context.Context, L log.Logger, res *IngestResult, ruleID string) {
	updated, err := s.update(ctx, res.Group.ID, func(cur *alert.Group) bool {
		if cur.RoutedRuleID != ruleID {
			return false
		}
		cur.RoutedRuleID = ""
		cur.UpdatedAt = s.now()
		return true
	})
	switch {
	case err != nil:
		L.Error(ctx, err, "failed to clear routed rule", "rule_id", ruleID)
	case updated != nil:
		res.Group = updated
	}
}

// notify sends the initial notification and keeps its message id as the
// thread for later escalations.
func (s *Service) notify(ctx context.Context, g *alert.Group, r *routing.Result) {
	defer s.wg.Done()

	rec, err := s.dispatcher.Dispatch(ctx, dispatch.Action{
		ChannelID:      r.Actions.ChannelID,
		Group:          g,
		MentionHere:    r.Actions.MentionHere,
		MentionChannel: r.Actions.MentionChannel,
		Kind:           dispatch.KindInitial,
		RuleID:         r.RuleID,
	})
	if err != nil || rec.MessageID == "" {
		return
	}
	if _, err := s.update(ctx, g.ID, func(cur *alert.Group) bool {
		if cur.ThreadRef != "" || cur.RoutedRuleID != r.RuleID {
			return false
		}
		cur.ThreadRef = rec.MessageID
		return true
	}); err != nil {
		s.logger.Error(ctx, err, "failed to store thread reference", "group_id", g.ID)
	}
}

// Wait blocks until in-flight notifications finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) routeHook(result string) {
	if s.hooks.OnRoute != nil {
		s.hooks.OnRoute(result)
	}
}

func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *Service) update(ctx context.Context, id string, fn GroupMutator) (*alert.Group, error) {
	sctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.store.UpdateGroup(sctx, id, fn)
}

func (s *Service) cancelJobs(ctx context.Context, groupID string) (int, error) {
	if s.escalation == nil {
		return 0, nil
	}
	sctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.escalation.CancelGroup(sctx, groupID)
}
