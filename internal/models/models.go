package models

import "time"

// Chunk is a retrievable slice of a knowledge file.
type Chunk struct {
	Content        string  `json:"content"`
	SourceFilename string  `json:"source"`
	Section        string  `json:"section,omitempty"`
	ChunkID        int     `json:"chunk_id"`
	Score          float64 `json:"score"`
}

// Title is the label used when the chunk is cited in a prompt.
func (c Chunk) Title() string {
	if c.Section != "" {
		return c.SourceFilename + " / " + c.Section
	}
	if c.SourceFilename == "" {
		return "未命名"
	}
	return c.SourceFilename
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one stored conversation message.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type IndexStatus struct {
	Backend  string    `json:"backend"`
	DataDir  string    `json:"data_dir"`
	Files    int       `json:"files"`
	Chunks   int       `json:"chunks"`
	BuiltAt  time.Time `json:"built_at"`
	LastScan time.Time `json:"last_scan"`
}

// Document describes one knowledge file of the built index.
type Document struct {
	ID        int       `json:"id"`
	Title     string    `json:"title"`
	FilePath  string    `json:"file_path"`
	Category  string    `json:"category"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}
