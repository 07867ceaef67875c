package rag

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const defaultUserTemplate = "{question}\n\n{context}"

// Prompts are the editable prompt files. Agent is appended to System in
// agent mode.
type Prompts struct {
	System string
	User   string
	Agent  string
}

// LoadPrompts reads system.md, user.md and mcp.md from dir. Missing files
// are fine; the user template falls back to the question followed by the
// context.
func LoadPrompts(dir string) (Prompts, error) {
	var p Prompts
	for name, dst := range map[string]*string{
		"system.md": &p.System,
		"user.md":   &p.User,
		"mcp.md":    &p.Agent,
	} {
		text, err := readPrompt(filepath.Join(dir, name))
		if err != nil {
			return Prompts{}, err
		}
		*dst = text
	}
	if p.User == "" {
		p.User = defaultUserTemplate
	}
	log.Debug().Str("dir", dir).Bool("system", p.System != "").Bool("agent", p.Agent != "").Msg("prompts loaded")
	return p, nil
}

func readPrompt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read prompt %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// RenderUser fills {question} and {context}. Other braces are left alone.
func (p Prompts) RenderUser(question, context string) string {
	tmpl := p.User
	if tmpl == "" {
		tmpl = defaultUserTemplate
	}
	return strings.NewReplacer("{question}", question, "{context}", context).Replace(tmpl)
}

func (p Prompts) AgentSystem() string {
	var parts []string
	for _, s := range []string{p.System, p.Agent} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}
