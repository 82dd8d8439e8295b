package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/conductorhq/conductor/internal/llm"
	"github.com/conductorhq/conductor/pkg/models"
)

// maxParallelAgents bounds concurrent agent turns in parallel modes.
const maxParallelAgents = 8

func (o *Orchestrator) runSingle(ctx context.Context, em *emitter, req *RunRequest, agent models.AgentConfig) []models.AgentMessage {
	msg := o.runAgent(ctx, em, req, agent, baseMessages(req))
	return []models.AgentMessage{msg}
}

// runSequential executes agents in ascending priority order. Agents with
// CanSeeOtherAgents get the preceding agents' output injected as context.
func (o *Orchestrator) runSequential(ctx context.Context, em *emitter, req *RunRequest, agents []models.AgentConfig) []models.AgentMessage {
	msgs := make([]models.AgentMessage, 0, len(agents))

	for _, agent := range agents {
		messages := baseMessages(req)
		if agent.CanSeeOtherAgents && len(msgs) > 0 {
			block := contextBlock("Responses from other agents so far:", msgs)
			if strings.Contains(block, ":\n") {
				messages = append(messages, llm.CompletionMessage{Role: "user", Content: block})
			}
		}
		msgs = append(msgs, o.runAgent(ctx, em, req, agent, messages))
	}
	return msgs
}

// runParallel fans all agents out concurrently on the same prompt. Message
// order matches agent order regardless of completion order.
func (o *Orchestrator) runParallel(ctx context.Context, em *emitter, req *RunRequest, agents []models.AgentConfig) []models.AgentMessage {
	msgs := make([]models.AgentMessage, len(agents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelAgents)

	var mu sync.Mutex
	for i, agent := range agents {
		g.Go(func() error {
			msg := o.runAgent(gctx, em, req, agent, baseMessages(req))
			mu.Lock()
			msgs[i] = msg
			mu.Unlock()
			return nil
		})
	}
	// Agent failures are carried in message slots, never as group errors.
	_ = g.Wait()

	return msgs
}

// runHierarchical has the lead agent write per-run instructions, fans the
// subordinates out on them, then the lead synthesizes the final answer.
func (o *Orchestrator) runHierarchical(ctx context.Context, em *emitter, req *RunRequest, agents []models.AgentConfig) []models.AgentMessage {
	lead := leadAgent(agents)
	subordinates := make([]models.AgentConfig, 0, len(agents)-1)
	for _, a := range agents {
		if a.ID != lead.ID {
			subordinates = append(subordinates, a)
		}
	}
	if len(subordinates) == 0 {
		return o.runSingle(ctx, em, req, lead)
	}

	// Phase 1: lead plans the delegation.
	planMessages := append(baseMessages(req), llm.CompletionMessage{
		Role:    "user",
		Content: delegationPrompt(subordinates),
	})
	planMsg := o.runAgent(ctx, em, req, lead, planMessages)

	msgs := []models.AgentMessage{planMsg}
	if failed(planMsg) {
		return msgs
	}

	// Phase 2: subordinates work the plan concurrently.
	subReq := *req
	subReq.Prompt = fmt.Sprintf("%s\n\nInstructions from the lead agent (%s):\n%s", req.Prompt, lead.Name, planMsg.Content)
	subMsgs := o.runParallel(ctx, em, &subReq, subordinates)
	msgs = append(msgs, subMsgs...)

	// Phase 3: lead synthesizes subordinate output.
	synthMessages := append(baseMessages(req), llm.CompletionMessage{
		Role:    "user",
		Content: contextBlock("Your team responded as follows. Synthesize a final answer for the user.", subMsgs),
	})
	msgs = append(msgs, o.runAgent(ctx, em, req, lead, synthMessages))

	return msgs
}

// runConsensus iterates discussion rounds where every agent sees the prior
// round, then the lead agent synthesizes the final round.
func (o *Orchestrator) runConsensus(ctx context.Context, em *emitter, req *RunRequest, agents []models.AgentConfig) []models.AgentMessage {
	rounds := o.config.MaxRounds
	if req.MaxRounds > 0 {
		rounds = req.MaxRounds
		if rounds > 10 {
			rounds = 10
		}
	}

	var all []models.AgentMessage
	var lastRound []models.AgentMessage

	for round := 1; round <= rounds; round++ {
		em.emit(models.OrchestrationEvent{
			Type:  models.EventRound,
			Round: round,
			Stage: models.RoundStart,
		})

		roundReq := *req
		if len(lastRound) > 0 {
			roundReq.Prompt = fmt.Sprintf("%s\n\n%s", req.Prompt,
				contextBlock(fmt.Sprintf("Round %d responses from the other agents. Refine your answer:", round-1), lastRound))
		}

		lastRound = o.runParallel(ctx, em, &roundReq, agents)
		all = append(all, lastRound...)

		em.emit(models.OrchestrationEvent{
			Type:  models.EventRound,
			Round: round,
			Stage: models.RoundEnd,
		})

		if allFailed(lastRound) {
			return all
		}
	}

	// Synthesis: the lead agent condenses the final round into one answer.
	lead := leadAgent(agents)
	em.emit(models.OrchestrationEvent{
		Type:  models.EventRound,
		Round: rounds,
		Stage: models.RoundSynthesis,
	})

	synthMessages := append(baseMessages(req), llm.CompletionMessage{
		Role:    "user",
		Content: contextBlock("Final round responses. Synthesize the group's consensus answer:", lastRound),
	})
	all = append(all, o.runAgent(ctx, em, req, lead, synthMessages))

	return all
}

func delegationPrompt(subordinates []models.AgentConfig) string {
	var b strings.Builder
	b.WriteString("You lead a team of agents. Write concise instructions telling each one what to contribute:\n")
	for _, a := range subordinates {
		desc := a.Description
		if desc == "" {
			desc = a.Role
		}
		fmt.Fprintf(&b, "- %s: %s\n", a.Name, desc)
	}
	return b.String()
}
