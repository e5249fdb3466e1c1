package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pepperpy/pepperpy/internal/domain"
	"github.com/pepperpy/pepperpy/internal/domain/chat"
	"github.com/pepperpy/pepperpy/internal/domain/team"
	"github.com/pepperpy/pepperpy/internal/policy"
)

// Verdict tokens recognized at the end of a reviewer's response.
const (
	VerdictApproved         = "APPROVED"
	VerdictChangesRequested = "CHANGES_REQUESTED"
)

const outputDelimiter = "\n\n"

// TeamRunner executes one team run. It is built per run by the
// orchestrator and holds no state across runs.
type TeamRunner struct {
	cfg    team.Config
	agents []*Agent
	log    *slog.Logger
	trace  *callObserver
}

// callObserver surrounds one agent call; nil disables tracing.
type callObserver struct {
	before func(ctx context.Context, agent string, msgs []chat.Message)
	after  func(ctx context.Context, agent string, msgs []chat.Message, resp *chat.Response, err error)
}

// NewTeamRunner builds a runner over ready agents ordered as the
// config's member list.
func NewTeamRunner(cfg team.Config, agents []*Agent, log *slog.Logger, trace *callObserver) *TeamRunner {
	return &TeamRunner{cfg: cfg, agents: agents, log: log, trace: trace}
}

// Run executes the team's strategy. Per-agent failures become outcome
// entries and never escape as errors; budget exhaustion and team-level
// cancellation are returned as errors alongside the partial result.
func (r *TeamRunner) Run(ctx context.Context, task string) (*team.Result, error) {
	if task == "" {
		return nil, domain.ConfigError("task is required")
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.AggregateTimeout)
	defer cancel()

	var res *team.Result
	var err error
	switch r.cfg.Strategy {
	case team.StrategyParallel:
		res, err = r.runParallel(runCtx, ctx, task)
	case team.StrategyReviewLoop:
		res, err = r.runReview(runCtx, task)
	default:
		res, err = r.runSequential(runCtx, task)
	}

	res.Usage = aggregateUsage(res.PerAgent)
	if err != nil {
		res.Success = false
	}
	return res, err
}

// execute performs one agent call bounded by the per-agent timeout and
// emits a trace event for it.
func (r *TeamRunner) execute(ctx context.Context, a *Agent, task string, contextMsgs []chat.Message) (*chat.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.PerAgentTimeout)
	defer cancel()

	var msgs []chat.Message
	if r.trace != nil {
		msgs, _ = a.transcript(task, contextMsgs)
		r.trace.before(ctx, a.Name(), msgs)
	}

	resp, err := a.Execute(callCtx, task, contextMsgs)
	if err != nil && callCtx.Err() != nil && !teamFatal(err) && !errors.Is(err, domain.ErrCancelled) {
		if ctx.Err() == nil {
			// The per-agent deadline, not the surrounding run, ended the call.
			err = domain.Cancelled(fmt.Errorf("agent %s exceeded per-agent timeout: %w", a.Name(), err))
		} else {
			err = domain.Cancelled(fmt.Errorf("agent %s interrupted: %w", a.Name(), err))
		}
	}

	if r.trace != nil {
		r.trace.after(ctx, a.Name(), msgs, resp, err)
	}
	if r.log != nil {
		if err != nil {
			r.log.Debug("agent call failed", "agent", a.Name(), "error", err)
		} else {
			r.log.Debug("agent call completed", "agent", a.Name(), "tokens", resp.Usage.TotalTokens)
		}
	}
	return resp, err
}

// teamFatal reports errors that must propagate from Run rather than
// become per-agent outcomes.
func teamFatal(err error) bool {
	return errors.Is(err, policy.ErrBudgetExceeded)
}

func (r *TeamRunner) runSequential(ctx context.Context, task string) (*team.Result, error) {
	res := team.NewResult()
	var contextMsgs []chat.Message

	for _, a := range r.agents {
		if ctx.Err() != nil {
			return r.cancelled(res)
		}

		resp, err := r.execute(ctx, a, task, contextMsgs)
		if err != nil {
			// A budget rejection never becomes an outcome: the agent
			// was refused before any work happened.
			if teamFatal(err) {
				res.Metadata["reason"] = "budget_exceeded"
				return res, err
			}
			res.PerAgent = append(res.PerAgent, team.AgentOutcome{Agent: a.Name(), Err: err})
			if ctx.Err() != nil {
				return r.cancelled(res)
			}
			if !r.cfg.ContinueOnError {
				res.Success = false
				res.Output = r.composeSequential(res)
				return res, nil
			}
			continue
		}

		res.PerAgent = append(res.PerAgent, team.AgentOutcome{Agent: a.Name(), Response: resp})
		contextMsgs = append(contextMsgs, chat.Message{
			Role:    chat.RoleAssistant,
			Content: resp.Content,
			Name:    string(a.Role()),
		})
	}

	res.Success = allOK(res.PerAgent)
	res.Output = r.composeSequential(res)
	return res, nil
}

// composeSequential joins successful outputs in order, unless a
// composer agent is configured, in which case its output wins.
func (r *TeamRunner) composeSequential(res *team.Result) string {
	if r.cfg.ComposerAgent != "" {
		for _, o := range res.PerAgent {
			if o.Agent == r.cfg.ComposerAgent && o.OK() {
				return o.Response.Content
			}
		}
		return ""
	}
	var parts []string
	for _, o := range res.PerAgent {
		if o.OK() {
			parts = append(parts, o.Response.Content)
		}
	}
	return strings.Join(parts, outputDelimiter)
}

// runParallel invokes all members concurrently, each seeing only the
// original task. Outcomes are appended in completion order; parent is
// the caller's context, used to tell caller cancellation apart from
// aggregate-timeout expiry (which stays result-level).
func (r *TeamRunner) runParallel(ctx, parent context.Context, task string) (*team.Result, error) {
	res := team.NewResult()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range r.agents {
		g.Go(func() error {
			resp, err := r.execute(gctx, a, task, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if teamFatal(err) {
					return err
				}
				res.PerAgent = append(res.PerAgent, team.AgentOutcome{Agent: a.Name(), Err: err})
				return nil
			}
			res.PerAgent = append(res.PerAgent, team.AgentOutcome{Agent: a.Name(), Response: resp})
			return nil
		})
	}
	err := g.Wait()

	if err != nil && teamFatal(err) {
		res.Metadata["reason"] = "budget_exceeded"
		return res, err
	}
	if parent.Err() != nil {
		return r.cancelled(res)
	}

	required := r.cfg.Quorum
	if required <= 0 {
		required = len(r.agents)
	}
	succeeded := 0
	for _, o := range res.PerAgent {
		if o.OK() {
			succeeded++
		}
	}
	res.Success = succeeded >= required

	// Output concatenates successes in original member order.
	byName := make(map[string]*chat.Response, len(res.PerAgent))
	for _, o := range res.PerAgent {
		if o.OK() {
			byName[o.Agent] = o.Response
		}
	}
	var parts []string
	for _, a := range r.agents {
		if resp, ok := byName[a.Name()]; ok {
			parts = append(parts, resp.Content)
		}
	}
	res.Output = strings.Join(parts, outputDelimiter)
	return res, nil
}

// runReview alternates one producer and one reviewer until the
// reviewer approves or rounds run out.
func (r *TeamRunner) runReview(ctx context.Context, task string) (*team.Result, error) {
	res := team.NewResult()

	reviewer := r.agents[0]
	producer := r.agents[1]
	if r.agents[1].Role() == chat.RoleReviewer {
		reviewer, producer = r.agents[1], r.agents[0]
	}

	var history []chat.Message  // producer drafts and reviewer verdicts, in order
	var verdicts []chat.Message // reviewer verdicts only
	var latest string

	for round := 1; round <= r.cfg.MaxRounds; round++ {
		if ctx.Err() != nil {
			return r.cancelled(res)
		}

		draft, err := r.execute(ctx, producer, task, history)
		if err != nil {
			if !teamFatal(err) {
				res.PerAgent = append(res.PerAgent, team.AgentOutcome{Agent: producer.Name(), Err: err})
			}
			return r.reviewFailure(ctx, res, err, latest)
		}
		res.PerAgent = append(res.PerAgent, team.AgentOutcome{Agent: producer.Name(), Response: draft})
		latest = draft.Content
		draftMsg := chat.Message{Role: chat.RoleAssistant, Content: draft.Content, Name: string(producer.Role())}
		history = append(history, draftMsg)

		reviewCtx := append(append([]chat.Message{}, verdicts...), draftMsg)
		verdict, err := r.execute(ctx, reviewer, task, reviewCtx)
		if err != nil {
			if !teamFatal(err) {
				res.PerAgent = append(res.PerAgent, team.AgentOutcome{Agent: reviewer.Name(), Err: err})
			}
			return r.reviewFailure(ctx, res, err, latest)
		}
		res.PerAgent = append(res.PerAgent, team.AgentOutcome{Agent: reviewer.Name(), Response: verdict})
		verdictMsg := chat.Message{Role: chat.RoleAssistant, Content: verdict.Content, Name: string(reviewer.Role())}
		history = append(history, verdictMsg)
		verdicts = append(verdicts, verdictMsg)

		approved, reason := parseVerdict(verdict.Content)
		res.Metadata["rounds"] = round
		if approved {
			res.Success = true
			res.Output = latest
			return res, nil
		}
		if r.log != nil {
			r.log.Debug("changes requested", "team", r.cfg.Name, "round", round, "reason", reason)
		}
	}

	res.Success = false
	res.Output = latest
	res.Metadata["reason"] = "max_rounds_exceeded"
	return res, nil
}

// reviewFailure terminates a review loop on a per-agent error,
// distinguishing fatal and cancellation cases.
func (r *TeamRunner) reviewFailure(ctx context.Context, res *team.Result, err error, latest string) (*team.Result, error) {
	res.Output = latest
	if teamFatal(err) {
		res.Metadata["reason"] = "budget_exceeded"
		return res, err
	}
	if ctx.Err() != nil {
		return r.cancelled(res)
	}
	res.Success = false
	return res, nil
}

// cancelled finalizes a result for a cancelled run and returns the
// propagating error.
func (r *TeamRunner) cancelled(res *team.Result) (*team.Result, error) {
	res.Success = false
	res.Metadata["reason"] = "cancelled"
	return res, domain.Cancelled(nil)
}

// parseVerdict extracts the machine-parseable verdict from the
// trailing non-empty line of a reviewer response. Anything that is
// neither APPROVED nor CHANGES_REQUESTED counts as changes requested
// with reason "malformed_verdict".
func parseVerdict(content string) (approved bool, reason string) {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	last := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			last = l
			break
		}
	}

	if last == VerdictApproved {
		return true, ""
	}
	if rest, ok := strings.CutPrefix(last, VerdictChangesRequested); ok {
		return false, strings.TrimSpace(strings.TrimPrefix(rest, ":"))
	}
	return false, "malformed_verdict"
}

func aggregateUsage(outcomes []team.AgentOutcome) chat.Usage {
	var u chat.Usage
	for _, o := range outcomes {
		if o.OK() {
			u = u.Add(o.Response.Usage)
		}
	}
	return u
}

func allOK(outcomes []team.AgentOutcome) bool {
	for _, o := range outcomes {
		if !o.OK() {
			return false
		}
	}
	return len(outcomes) > 0
}
