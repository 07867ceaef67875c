package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	LLM       LLMConfig       `yaml:"llm"`
	EmbedLLM  EmbedConfig     `yaml:"embed_llm"`
	RAG       RAGConfig       `yaml:"rag"`
	Directory DirectoryConfig `yaml:"directory"`
	Agent     AgentConfig     `yaml:"agent"`
	Memory    MemoryConfig    `yaml:"memory"`
	Database  DatabaseConfig  `yaml:"database"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// LLMConfig describes the chat model used for planning and composing.
type LLMConfig struct {
	BaseURL string            `yaml:"base_url"`
	Key     string            `yaml:"key"`
	Model   string            `yaml:"model"`
	Aliases map[string]string `yaml:"aliases"`

	PlannerTemperature   float64 `yaml:"planner_temperature"`
	ResponderTemperature float64 `yaml:"responder_temperature"`
	AssistantTemperature float64 `yaml:"assistant_temperature"`
}

type EmbedConfig struct {
	Provider string `yaml:"provider"` // ollama | openai
	BaseURL  string `yaml:"base_url"`
	Key      string `yaml:"key"`
	Model    string `yaml:"model"`
}

type RAGConfig struct {
	DataDir         string        `yaml:"data_dir"`
	Extensions      []string      `yaml:"extensions"`
	ChunkSize       int           `yaml:"chunk_size"`
	ChunkOverlap    int           `yaml:"chunk_overlap"`
	TopK            int           `yaml:"top_k"`
	MaxHints        int           `yaml:"max_hints"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Backend         string        `yaml:"backend"` // lexical | chromem
	Collection      string        `yaml:"collection"`
	Watch           bool          `yaml:"watch"`
}

type DirectoryConfig struct {
	BaseURL         string        `yaml:"base_url"`
	Timeout         time.Duration `yaml:"timeout"`
	DefaultPassword string        `yaml:"default_password"`
}

type AgentConfig struct {
	MaxSteps  int      `yaml:"max_steps"`
	Admins    []string `yaml:"admins"`
	PromptDir string   `yaml:"prompt_dir"`
}

type MemoryConfig struct {
	Backend         string `yaml:"backend"` // memory | postgres
	LongTermCap     int    `yaml:"longterm_cap"`
	TemporaryWindow int    `yaml:"temporary_window"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // pgdriver | pq
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	Debug    bool   `yaml:"debug"`
}

const (
	defaultAddr            = ":8000"
	defaultLLMBase         = "https://api.deepseek.com"
	defaultModel           = "deepseek-chat"
	defaultDirectoryBase   = "http://127.0.0.1:7777"
	defaultPassword        = "0721"
	defaultAdmins          = "柠白夜,香煎包,猫德oxo,详见包"
	defaultDataDir         = "./data"
	defaultPromptDir       = "./prompts"
	defaultChunkSize       = 1000
	defaultChunkOverlap    = 200
	defaultTopK            = 4
	defaultMaxHints        = 6
	defaultRefresh         = 2 * time.Second
	defaultDirTimeout      = 20 * time.Second
	defaultMaxSteps        = 7
	defaultLongTermCap     = 14
	defaultTemporaryWindow = 20
)

// LoadConfig reads the YAML file at path, then fills anything left unset from
// the environment and finally from built-in defaults. A missing file is not
// an error.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	setIfEmpty(&c.LLM.Key, getenv("DEEPSEEK_API_KEY"))
	setIfEmpty(&c.LLM.BaseURL, getenv("DEEPSEEK_API_BASE"))
	setIfEmpty(&c.LLM.Model, getenv("DEEPSEEK_MODEL"))
	setIfEmpty(&c.Directory.BaseURL, getenv("GO_API_BASE"))
	setIfEmpty(&c.Directory.DefaultPassword, getenv("MCP_REGISTER_DEFAULT_PASSWORD"))
	setIfEmpty(&c.Database.DSN, getenv("CHAT_MEMORY_DSN"))
	setIfEmpty(&c.RAG.DataDir, getenv("RAG_DATA_DIR"))
	if len(c.Agent.Admins) == 0 {
		c.Agent.Admins = SplitList(getenv("MCP_ADMIN_CNS"))
	}
}

func (c *Config) applyDefaults() {
	setIfEmpty(&c.Server.Addr, defaultAddr)
	setIfEmpty(&c.Log.Level, "debug")

	setIfEmpty(&c.LLM.BaseURL, defaultLLMBase)
	setIfEmpty(&c.LLM.Model, defaultModel)
	if c.LLM.Aliases == nil {
		c.LLM.Aliases = map[string]string{
			"deepseek-v3": "deepseek-chat",
			"deepseek-r1": "deepseek-reasoner",
		}
	}
	if c.LLM.PlannerTemperature == 0 {
		c.LLM.PlannerTemperature = 0.1
	}
	if c.LLM.ResponderTemperature == 0 {
		c.LLM.ResponderTemperature = 0.2
	}
	if c.LLM.AssistantTemperature == 0 {
		c.LLM.AssistantTemperature = 0.3
	}

	setIfEmpty(&c.EmbedLLM.Provider, "ollama")
	setIfEmpty(&c.EmbedLLM.BaseURL, "http://localhost:11434")
	setIfEmpty(&c.EmbedLLM.Model, "nomic-embed-text")

	setIfEmpty(&c.RAG.DataDir, defaultDataDir)
	setIfEmpty(&c.RAG.Backend, "lexical")
	setIfEmpty(&c.RAG.Collection, "knowledge")
	if len(c.RAG.Extensions) == 0 {
		c.RAG.Extensions = []string{".md"}
	}
	if c.RAG.ChunkSize <= 0 {
		c.RAG.ChunkSize = defaultChunkSize
	}
	if c.RAG.ChunkOverlap <= 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		c.RAG.ChunkOverlap = min(defaultChunkOverlap, c.RAG.ChunkSize/2)
	}
	if c.RAG.TopK <= 0 {
		c.RAG.TopK = defaultTopK
	}
	if c.RAG.MaxHints <= 0 {
		c.RAG.MaxHints = defaultMaxHints
	}
	if c.RAG.RefreshInterval <= 0 {
		c.RAG.RefreshInterval = defaultRefresh
	}

	setIfEmpty(&c.Directory.BaseURL, defaultDirectoryBase)
	c.Directory.BaseURL = strings.TrimRight(c.Directory.BaseURL, "/")
	setIfEmpty(&c.Directory.DefaultPassword, defaultPassword)
	if c.Directory.Timeout <= 0 {
		c.Directory.Timeout = defaultDirTimeout
	}

	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = defaultMaxSteps
	}
	if len(c.Agent.Admins) == 0 {
		c.Agent.Admins = SplitList(defaultAdmins)
	}
	setIfEmpty(&c.Agent.PromptDir, defaultPromptDir)

	setIfEmpty(&c.Memory.Backend, "memory")
	if c.Memory.LongTermCap <= 0 {
		c.Memory.LongTermCap = defaultLongTermCap
	}
	if c.Memory.TemporaryWindow <= 0 {
		c.Memory.TemporaryWindow = defaultTemporaryWindow
	}

	setIfEmpty(&c.Database.Driver, "pgdriver")
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setIfEmpty(dst *string, v string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = strings.TrimSpace(v)
	}
}
