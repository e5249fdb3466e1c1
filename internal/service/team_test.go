package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pepperpy/pepperpy/internal/domain"
	"github.com/pepperpy/pepperpy/internal/domain/chat"
	"github.com/pepperpy/pepperpy/internal/domain/team"
	"github.com/pepperpy/pepperpy/internal/port/provider"
	"github.com/pepperpy/pepperpy/internal/service"
)

func buildAgents(p provider.Provider, cfgs ...team.AgentConfig) []*service.Agent {
	agents := make([]*service.Agent, 0, len(cfgs))
	for _, cfg := range cfgs {
		agents = append(agents, service.NewAgent(cfg, p, false))
	}
	return agents
}

func TestSequentialPassesContextForward(t *testing.T) {
	p := newScriptedProvider()
	p.reply("build the feature", "the plan", "the code")

	runner := service.NewTeamRunner(
		teamConfig(team.StrategySequential, "planner", "dev"),
		buildAgents(p, agentConfig("planner", chat.RolePlanner), agentConfig("dev", chat.RoleDeveloper)),
		nil, nil,
	)
	res, err := runner.Run(context.Background(), "build the feature")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success: %+v", res)
	}
	if res.Output != "the plan\n\nthe code" {
		t.Fatalf("unexpected output: %q", res.Output)
	}
	if len(res.PerAgent) != 2 || res.PerAgent[0].Agent != "planner" || res.PerAgent[1].Agent != "dev" {
		t.Fatalf("unexpected outcomes: %+v", res.PerAgent)
	}

	// The second agent must have seen the first agent's output.
	second := p.transcripts[1]
	found := false
	for _, m := range second {
		if m.Role == chat.RoleAssistant && m.Content == "the plan" && m.Name == "planner" {
			found = true
		}
	}
	if !found {
		t.Fatalf("first output missing from second transcript: %+v", second)
	}

	if res.Usage.TotalTokens != 30 {
		t.Fatalf("expected aggregated usage 30, got %d", res.Usage.TotalTokens)
	}
}

func TestSequentialAbortsOnFailure(t *testing.T) {
	p := newScriptedProvider()
	p.errFor["hard task"] = &provider.Error{Kind: provider.KindServer, Status: 500}

	runner := service.NewTeamRunner(
		teamConfig(team.StrategySequential, "planner", "dev"),
		buildAgents(p, agentConfig("planner", chat.RolePlanner), agentConfig("dev", chat.RoleDeveloper)),
		nil, nil,
	)
	res, err := runner.Run(context.Background(), "hard task")
	if err != nil {
		t.Fatalf("per-agent failure must not escape Run: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	if len(res.PerAgent) != 1 {
		t.Fatalf("expected the run to stop after the first failure, got %d outcomes", len(res.PerAgent))
	}
	if p.callCount() != 1 {
		t.Fatalf("second agent must not run, got %d calls", p.callCount())
	}
}

func TestSequentialContinueOnError(t *testing.T) {
	// First agent fails, second succeeds.
	first := newScriptedProvider()
	first.errFor["task"] = &provider.Error{Kind: provider.KindServer, Status: 500}
	second := newScriptedProvider()
	second.reply("task", "salvaged")

	cfg := teamConfig(team.StrategySequential, "planner", "dev")
	cfg.ContinueOnError = true
	agents := []*service.Agent{
		service.NewAgent(agentConfig("planner", chat.RolePlanner), first, false),
		service.NewAgent(agentConfig("dev", chat.RoleDeveloper), second, false),
	}
	runner := service.NewTeamRunner(cfg, agents, nil, nil)

	res, err := runner.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Success {
		t.Fatal("a failed member must fail the team")
	}
	if res.Output != "salvaged" {
		t.Fatalf("unexpected output: %q", res.Output)
	}
	if len(res.PerAgent) != 2 {
		t.Fatalf("expected both outcomes, got %d", len(res.PerAgent))
	}
}

func TestSequentialComposerAgent(t *testing.T) {
	p := newScriptedProvider()
	p.reply("task", "draft", "final answer")

	cfg := teamConfig(team.StrategySequential, "planner", "dev")
	cfg.ComposerAgent = "dev"
	runner := service.NewTeamRunner(cfg,
		buildAgents(p, agentConfig("planner", chat.RolePlanner), agentConfig("dev", chat.RoleDeveloper)),
		nil, nil,
	)
	res, err := runner.Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Output != "final answer" {
		t.Fatalf("composer output must win, got %q", res.Output)
	}
}

func TestParallelIsolatesAgents(t *testing.T) {
	p := newScriptedProvider()
	p.reply("fan out", "take one", "take two", "take three")

	runner := service.NewTeamRunner(
		teamConfig(team.StrategyParallel, "a", "b", "c"),
		buildAgents(p,
			agentConfig("a", chat.RoleResearcher),
			agentConfig("b", chat.RoleAnalyst),
			agentConfig("c", chat.RoleQA),
		),
		nil, nil,
	)
	res, err := runner.Run(context.Background(), "fan out")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success: %+v", res)
	}
	if len(res.PerAgent) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(res.PerAgent))
	}

	// No agent transcript may contain another agent's output.
	for _, msgs := range p.transcripts {
		for _, m := range msgs {
			if m.Role == chat.RoleAssistant {
				t.Fatalf("parallel transcript leaked peer output: %+v", m)
			}
		}
	}
	if len(strings.Split(res.Output, "\n\n")) != 3 {
		t.Fatalf("expected 3 joined outputs, got %q", res.Output)
	}
}

func TestParallelQuorum(t *testing.T) {
	ok := newScriptedProvider()
	ok.reply("vote", "yes")
	bad := newScriptedProvider()
	bad.errFor["vote"] = &provider.Error{Kind: provider.KindServer, Status: 500}

	cfg := teamConfig(team.StrategyParallel, "a", "b")
	cfg.Quorum = 1
	agents := []*service.Agent{
		service.NewAgent(agentConfig("a", chat.RoleAnalyst), ok, false),
		service.NewAgent(agentConfig("b", chat.RoleAnalyst), bad, false),
	}
	res, err := service.NewTeamRunner(cfg, agents, nil, nil).Run(context.Background(), "vote")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Success {
		t.Fatal("one success must satisfy quorum 1")
	}

	// Without a quorum every member must succeed.
	cfg.Quorum = 0
	agents = []*service.Agent{
		service.NewAgent(agentConfig("a", chat.RoleAnalyst), ok, false),
		service.NewAgent(agentConfig("b", chat.RoleAnalyst), bad, false),
	}
	res, err = service.NewTeamRunner(cfg, agents, nil, nil).Run(context.Background(), "vote")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Success {
		t.Fatal("a failed member must fail an all-must-succeed team")
	}
}

func TestReviewLoopApprovesSecondRound(t *testing.T) {
	producer := newScriptedProvider()
	producer.reply("write it", "draft one", "draft two")
	reviewer := newScriptedProvider()
	reviewer.reply("write it", "CHANGES_REQUESTED: too vague", "looks good\nAPPROVED")

	cfg := teamConfig(team.StrategyReviewLoop, "dev", "rev")
	agents := []*service.Agent{
		service.NewAgent(agentConfig("dev", chat.RoleDeveloper), producer, false),
		service.NewAgent(agentConfig("rev", chat.RoleReviewer), reviewer, false),
	}
	res, err := service.NewTeamRunner(cfg, agents, nil, nil).Run(context.Background(), "write it")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected approval: %+v", res)
	}
	if res.Output != "draft two" {
		t.Fatalf("expected the approved draft, got %q", res.Output)
	}
	if res.Metadata["rounds"] != 2 {
		t.Fatalf("expected 2 rounds, got %v", res.Metadata["rounds"])
	}
	if len(res.PerAgent) != 4 {
		t.Fatalf("expected 4 outcomes, got %d", len(res.PerAgent))
	}
}

func TestReviewLoopMaxRoundsExceeded(t *testing.T) {
	producer := newScriptedProvider()
	producer.reply("write it", "draft")
	reviewer := newScriptedProvider()
	reviewer.reply("write it", "CHANGES_REQUESTED: never happy")

	cfg := teamConfig(team.StrategyReviewLoop, "dev", "rev")
	cfg.MaxRounds = 2
	agents := []*service.Agent{
		service.NewAgent(agentConfig("dev", chat.RoleDeveloper), producer, false),
		service.NewAgent(agentConfig("rev", chat.RoleReviewer), reviewer, false),
	}
	res, err := service.NewTeamRunner(cfg, agents, nil, nil).Run(context.Background(), "write it")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure after max rounds")
	}
	if res.Metadata["reason"] != "max_rounds_exceeded" {
		t.Fatalf("unexpected reason: %v", res.Metadata["reason"])
	}
	if res.Output != "draft" {
		t.Fatalf("latest draft must be kept, got %q", res.Output)
	}
}

func TestReviewLoopMalformedVerdict(t *testing.T) {
	producer := newScriptedProvider()
	producer.reply("write it", "draft")
	reviewer := newScriptedProvider()
	reviewer.reply("write it", "I suppose this is fine?")

	cfg := teamConfig(team.StrategyReviewLoop, "dev", "rev")
	cfg.MaxRounds = 1
	agents := []*service.Agent{
		service.NewAgent(agentConfig("dev", chat.RoleDeveloper), producer, false),
		service.NewAgent(agentConfig("rev", chat.RoleReviewer), reviewer, false),
	}
	res, err := service.NewTeamRunner(cfg, agents, nil, nil).Run(context.Background(), "write it")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Success {
		t.Fatal("a malformed verdict must not approve")
	}
}

func TestRunRequiresTask(t *testing.T) {
	runner := service.NewTeamRunner(
		teamConfig(team.StrategySequential, "dev"),
		buildAgents(newScriptedProvider(), agentConfig("dev", chat.RoleDeveloper)),
		nil, nil,
	)
	_, err := runner.Run(context.Background(), "")
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRunCancellation(t *testing.T) {
	p := newScriptedProvider()
	p.reply("slow task", "too late")
	p.delay = 200 * time.Millisecond

	runner := service.NewTeamRunner(
		teamConfig(team.StrategySequential, "dev"),
		buildAgents(p, agentConfig("dev", chat.RoleDeveloper)),
		nil, nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := runner.Run(ctx, "slow task")
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if res.Success {
		t.Fatal("cancelled run must not succeed")
	}
	if res.Metadata["reason"] != "cancelled" {
		t.Fatalf("unexpected reason: %v", res.Metadata["reason"])
	}
}

func TestAggregateTimeoutCancelsStragglers(t *testing.T) {
	p := newScriptedProvider()
	p.reply("slow task", "too late", "also late")
	p.delay = 300 * time.Millisecond

	cfg := teamConfig(team.StrategyParallel, "planner", "dev")
	cfg.AggregateTimeout = 60 * time.Millisecond
	agents := buildAgents(p,
		agentConfig("planner", chat.RolePlanner),
		agentConfig("dev", chat.RoleDeveloper),
	)

	res, err := service.NewTeamRunner(cfg, agents, nil, nil).Run(context.Background(), "slow task")
	if err != nil {
		t.Fatalf("an aggregate timeout must stay result-level: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	if len(res.PerAgent) != 2 {
		t.Fatalf("expected both stragglers recorded, got %d outcomes", len(res.PerAgent))
	}
	for _, o := range res.PerAgent {
		if !errors.Is(o.Err, domain.ErrCancelled) {
			t.Fatalf("straggler %s must carry a cancelled outcome, got %v", o.Agent, o.Err)
		}
	}
}

func TestPerAgentTimeout(t *testing.T) {
	p := newScriptedProvider()
	p.reply("slow task", "too late")
	p.delay = 200 * time.Millisecond

	cfg := teamConfig(team.StrategySequential, "dev")
	cfg.PerAgentTimeout = 30 * time.Millisecond
	runner := service.NewTeamRunner(cfg, buildAgents(p, agentConfig("dev", chat.RoleDeveloper)), nil, nil)

	res, err := runner.Run(context.Background(), "slow task")
	if err != nil {
		t.Fatalf("a per-agent timeout must stay result-level: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	if len(res.PerAgent) != 1 || res.PerAgent[0].Err == nil {
		t.Fatalf("expected a failed outcome: %+v", res.PerAgent)
	}
	if !errors.Is(res.PerAgent[0].Err, domain.ErrCancelled) {
		t.Fatalf("expected cancelled outcome, got %v", res.PerAgent[0].Err)
	}
}
