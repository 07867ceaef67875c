// Package agent executes member-directory requests on behalf of a caller.
//
// A request is routed either to a deterministic path, when the question is
// recognised by the intent classifier, or to a bounded planning loop in which
// the chat model proposes tool calls. Every mutation is followed by a
// verifying lookup, and the outcome is finally explained to the user by a
// streaming responder.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"club-assistant/internal/directory"
	"club-assistant/internal/intent"
	"club-assistant/internal/llmservice"
)

// Sink receives user-visible items, status notices and reply tokens alike.
type Sink interface {
	Emit(content string) error
}

type Route string

const (
	RouteDeterministic Route = "deterministic"
	RoutePlanning      Route = "planning"
)

type Options struct {
	MaxSteps             int
	PlannerTemperature   float64
	ResponderTemperature float64
	DefaultPassword      string
}

type Orchestrator struct {
	dir  Directory
	opts Options
}

func New(dir Directory, opts Options) *Orchestrator {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 7
	}
	if opts.PlannerTemperature == 0 {
		opts.PlannerTemperature = 0.1
	}
	if opts.ResponderTemperature == 0 {
		opts.ResponderTemperature = 0.2
	}
	if opts.DefaultPassword == "" {
		opts.DefaultPassword = "0721"
	}
	return &Orchestrator{dir: dir, opts: opts}
}

// Request is one agent turn. Messages holds the conversation so far (system
// prompt, history, and the context-augmented user prompt); it is not
// modified.
type Request struct {
	Question string
	Caller   Caller
	Model    llms.Model
	Messages []llms.MessageContent
}

// ExecutedCall records one directory round trip.
type ExecutedCall struct {
	Name     string
	CN       string
	OK       bool
	Verifies bool
}

// Result summarises a finished turn for logging and tests. Unclear is set
// when a mutation named a member that could not be identified.
type Result struct {
	Route        Route
	Action       intent.Action
	Target       string
	Calls        []ExecutedCall
	PlannedCalls int
	Denied       bool
	Unclear      bool
	Answer       string
}

type turn struct {
	o        *Orchestrator
	req      Request
	out      Sink
	messages []llms.MessageContent
	result   *Result
	// set when a register was attempted, so the responder is asked for next steps
	registered bool
}

// Run drives one request through routing, execution, verification and
// composition. Directory failures are data, not errors; Run only fails when
// the model fails or the sink goes away.
func (o *Orchestrator) Run(ctx context.Context, req Request, out Sink) (*Result, error) {
	t := &turn{
		o:        o,
		req:      req,
		out:      out,
		messages: slices.Clone(req.Messages),
		result:   &Result{},
	}

	var err error
	if forced, ok := intent.Classify(req.Question); ok {
		t.result.Route = RouteDeterministic
		t.result.Action = forced.Action
		err = t.deterministic(ctx, forced)
	} else {
		t.result.Route = RoutePlanning
		err = t.plan(ctx)
	}
	if err != nil {
		return t.result, err
	}

	zerolog.Ctx(ctx).Debug().
		Str("route", string(t.result.Route)).
		Str("target", t.result.Target).
		Int("calls", len(t.result.Calls)).
		Bool("denied", t.result.Denied).
		Msg("agent execution finished, composing reply")

	return t.result, t.compose(ctx)
}

func (t *turn) deterministic(ctx context.Context, forced intent.ForcedAction) error {
	caller := t.req.Caller
	target := intent.ExtractTarget(t.req.Question)
	if target == "" {
		target = caller.Identity
	}

	switch forced.Action {
	case intent.RegisterIfMissing:
		t.result.Target = target
		if err := t.out.Emit(noticeGet); err != nil {
			return err
		}
		existing := t.get(ctx, target, false)
		t.human(toolResultNote(ToolGet, existing.JSON()))

		if !existing.OK {
			if caller.CanRegister(target) {
				if err := t.out.Emit(noticeRegister); err != nil {
					return err
				}
				reg := t.register(ctx, registrationFrom(target, forced.Args))
				t.human(toolResultNote(ToolRegister, reg.JSON()))
			} else {
				t.result.Denied = true
				t.human(permissionNote)
			}
		}

		if err := t.out.Emit(noticeVerify); err != nil {
			return err
		}
		verify := t.get(ctx, target, true)
		t.human(verificationNote(phaseRegisterFlow, verify.JSON()))

	case intent.Get:
		t.result.Target = target
		if err := t.out.Emit(noticeGet); err != nil {
			return err
		}
		res := t.get(ctx, target, false)
		t.human(toolResultNote(ToolGet, res.JSON()))

	case intent.Update:
		if t.unclearTarget(ctx) {
			return nil
		}
		target = caller.Coerce(target)
		t.result.Target = target
		if err := t.out.Emit(noticeUpdate); err != nil {
			return err
		}
		res := t.o.dir.Update(ctx, caller.Authorization, target, profileFromStrings(forced.Args))
		t.record(ToolUpdate, res, false)
		t.human(toolResultNote(ToolUpdate, res.JSON()))
		verify := t.get(ctx, target, true)
		t.human(verificationNote(phaseUpdated, verify.JSON()))

	case intent.Delete:
		if t.unclearTarget(ctx) {
			return nil
		}
		target = caller.Coerce(target)
		t.result.Target = target
		if err := t.out.Emit(noticeDelete); err != nil {
			return err
		}
		res := t.o.dir.Delete(ctx, caller.Authorization, target)
		t.record(ToolDelete, res, false)
		t.human(toolResultNote(ToolDelete, res.JSON()))
		verify := t.get(ctx, target, true)
		t.human(verificationNote(phaseDeleted, verify.JSON()))

	default:
		return t.plan(ctx)
	}
	return nil
}

// unclearTarget skips an admin mutation whose question mentions a member that
// cannot be identified; falling back to the admin's own record would touch the
// wrong member.
func (t *turn) unclearTarget(ctx context.Context) bool {
	if !t.req.Caller.IsAdmin || !intent.UnclearTarget(t.req.Question) {
		return false
	}
	zerolog.Ctx(ctx).Warn().
		Str("action", string(t.result.Action)).
		Str("question", t.req.Question).
		Msg("mutation target unclear, skipping")
	t.result.Unclear = true
	t.human(unclearTargetNote)
	return true
}

// plan lets the model propose tool calls for at most MaxSteps rounds and
// MaxSteps executed calls. Verifying lookups after a register are not
// counted.
func (t *turn) plan(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	tools := toolDefinitions()
	limit := t.o.opts.MaxSteps

	for round := 0; round < limit && t.result.PlannedCalls < limit; round++ {
		choice, err := llmservice.GenerateContent(ctx, t.req.Model, tools, t.messages, t.o.opts.PlannerTemperature)
		if err != nil {
			return fmt.Errorf("planner: %w", err)
		}

		proposal := ParseProposal(choice)
		if len(proposal.Calls) == 0 {
			if proposal.Text != "" {
				t.messages = append(t.messages, llms.TextParts(llms.ChatMessageTypeAI, proposal.Text))
			}
			return nil
		}
		logger.Debug().Int("round", round+1).Int("calls", len(proposal.Calls)).Msg("planner proposed tool calls")
		t.messages = append(t.messages, proposal.aiMessage())

		// tool responses must directly follow the assistant turn, so
		// verification notes are appended after all of them
		var verifications []string
		for _, call := range proposal.Calls {
			if t.result.PlannedCalls >= limit {
				if proposal.Kind == ProposalStructured {
					t.toolResponse(call, `{"ok":false,"error":"skipped: tool call limit reached"}`)
				}
				continue
			}
			t.result.PlannedCalls++

			if call.Name == ToolRegister {
				if err := t.out.Emit(noticeRegister); err != nil {
					return err
				}
			}

			outcome := execute(ctx, t.o.dir, t.req.Caller, call)
			if outcome.known {
				t.record(call.Name, outcome.result, false)
			}
			if proposal.Kind == ProposalStructured {
				t.toolResponse(call, outcome.json)
			} else {
				t.human(toolResultNote(call.Name, outcome.json))
			}

			if call.Name == ToolRegister {
				t.registered = true
				if cn := outcome.result.CN; cn != "" {
					if err := t.out.Emit(noticeVerify); err != nil {
						return err
					}
					verify := t.get(ctx, cn, true)
					verifications = append(verifications, verificationNote(phaseRegistered, verify.JSON()))
				}
			}
		}
		for _, v := range verifications {
			t.human(v)
		}
	}
	logger.Debug().Int("calls", t.result.PlannedCalls).Msg("planning stopped at step limit")
	return nil
}

func (t *turn) compose(ctx context.Context) error {
	final := make([]llms.MessageContent, 0, len(t.messages)+2)
	final = append(final, llms.TextParts(llms.ChatMessageTypeSystem, responderPrompt(t.o.opts.DefaultPassword)))
	final = append(final, t.messages...)
	if t.registered {
		final = append(final, llms.TextParts(llms.ChatMessageTypeHuman, followUp))
	}

	answer, err := llmservice.Stream(ctx, t.req.Model, final, t.o.opts.ResponderTemperature, t.out.Emit)
	t.result.Answer = answer
	if err != nil {
		return fmt.Errorf("responder: %w", err)
	}
	return nil
}

func (t *turn) get(ctx context.Context, cn string, verifies bool) directory.Result {
	res := t.o.dir.Get(ctx, t.req.Caller.Authorization, cn)
	t.record(ToolGet, res, verifies)
	return res
}

func (t *turn) register(ctx context.Context, reg directory.Registration) directory.Result {
	t.registered = true
	res := t.o.dir.Register(ctx, t.req.Caller.Authorization, reg)
	t.record(ToolRegister, res, false)
	return res
}

func (t *turn) record(name string, res directory.Result, verifies bool) {
	t.result.Calls = append(t.result.Calls, ExecutedCall{Name: name, CN: res.CN, OK: res.OK, Verifies: verifies})
}

func (t *turn) human(text string) {
	t.messages = append(t.messages, llms.TextParts(llms.ChatMessageTypeHuman, text))
}

func (t *turn) toolResponse(call ToolCall, content string) {
	t.messages = append(t.messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeTool,
		Parts: []llms.ContentPart{llms.ToolCallResponse{ToolCallID: call.ID, Name: call.Name, Content: content}},
	})
}

func registrationFrom(cn string, args map[string]string) directory.Registration {
	return directory.Registration{
		CN:        cn,
		Sex:       args["sex"],
		Year:      args["year"],
		Direction: args["direction"],
		Remark:    args["remark"],
	}
}

func profileFromStrings(args map[string]string) directory.Profile {
	m := make(map[string]any, len(args))
	for k, v := range args {
		m[k] = v
	}
	return profileFrom(m)
}

// MarshalJSON lets a Result be logged or printed as a compact summary.
func (r *Result) MarshalJSON() ([]byte, error) {
	type call struct {
		Name     string `json:"name"`
		CN       string `json:"cn"`
		OK       bool   `json:"ok"`
		Verifies bool   `json:"verifies,omitempty"`
	}
	calls := make([]call, len(r.Calls))
	for i, c := range r.Calls {
		calls[i] = call(c)
	}
	return json.Marshal(struct {
		Route        Route         `json:"route"`
		Action       intent.Action `json:"action,omitempty"`
		Target       string        `json:"target,omitempty"`
		Calls        []call        `json:"calls"`
		PlannedCalls int           `json:"planned_calls"`
		Denied       bool          `json:"denied"`
	}{r.Route, r.Action, r.Target, calls, r.PlannedCalls, r.Denied})
}
