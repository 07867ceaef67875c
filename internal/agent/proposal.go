package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"club-assistant/internal/helper"
)

type ProposalKind int

const (
	// ProposalNone means the planner answered without asking for tools.
	ProposalNone ProposalKind = iota
	// ProposalStructured carries native function-calling tool calls.
	ProposalStructured
	// ProposalInline carries tool calls written as tags in the reply text.
	ProposalInline
)

// Proposal is what one planner round asked for.
type Proposal struct {
	Kind  ProposalKind
	Text  string
	Calls []ToolCall
}

var (
	inlineInvokeRe = regexp.MustCompile(`(?s)<\s*｜DSML｜invoke\s+name="([^"]+)"\s*>(.*?)</\s*｜DSML｜invoke\s*>`)
	inlineParamRe  = regexp.MustCompile(`(?s)<\s*｜DSML｜parameter\s+name="([^"]+)"[^>]*>(.*?)</\s*｜DSML｜parameter\s*>`)
	digitsRe       = regexp.MustCompile(`^[0-9]+$`)
)

// ParseProposal reads structured tool calls first and falls back to the
// inline tag grammar some models emit in plain text.
func ParseProposal(choice *llms.ContentChoice) Proposal {
	if choice == nil {
		return Proposal{}
	}
	p := Proposal{Text: choice.Content}

	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		call := ToolCall{ID: tc.ID, Name: strings.TrimSpace(tc.FunctionCall.Name), rawArgs: tc.FunctionCall.Arguments}
		if call.ID == "" {
			call.ID = helper.ShortID("call_")
		}
		call.Arguments, call.argErr = decodeArguments(tc.FunctionCall.Arguments)
		p.Calls = append(p.Calls, call)
	}
	if len(p.Calls) > 0 {
		p.Kind = ProposalStructured
		return p
	}

	if calls := parseInline(choice.Content); len(calls) > 0 {
		p.Kind = ProposalInline
		p.Calls = calls
	}
	return p
}

func decodeArguments(raw string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return map[string]any{}, fmt.Errorf("decode tool arguments: %w", err)
	}
	return args, nil
}

func parseInline(text string) []ToolCall {
	if !strings.Contains(text, "｜DSML｜invoke") {
		return nil
	}
	var calls []ToolCall
	for _, m := range inlineInvokeRe.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(m[1])
		if name == "" {
			continue
		}
		args := map[string]any{}
		for _, pm := range inlineParamRe.FindAllStringSubmatch(m[2], -1) {
			if key := strings.TrimSpace(pm[1]); key != "" {
				args[key] = coerceValue(pm[2])
			}
		}
		calls = append(calls, ToolCall{ID: helper.ShortID("dsml_"), Name: name, Arguments: args})
	}
	return calls
}

// coerceValue decodes values that look like JSON; anything else stays text.
func coerceValue(raw string) any {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	looksJSON := text == "true" || text == "false" || text == "null" ||
		strings.ContainsAny(text[:1], `{["`) || digitsRe.MatchString(text)
	if !looksJSON {
		return text
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return text
	}
	return v
}

// aiMessage renders the planner turn back into the conversation.
func (p Proposal) aiMessage() llms.MessageContent {
	msg := llms.MessageContent{Role: llms.ChatMessageTypeAI}
	if p.Text != "" || p.Kind != ProposalStructured {
		msg.Parts = append(msg.Parts, llms.TextContent{Text: p.Text})
	}
	if p.Kind == ProposalStructured {
		for _, c := range p.Calls {
			msg.Parts = append(msg.Parts, llms.ToolCall{
				ID:           c.ID,
				Type:         "function",
				FunctionCall: &llms.FunctionCall{Name: c.Name, Arguments: c.rawArgs},
			})
		}
	}
	return msg
}
