package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"club-assistant/internal/config"
	"club-assistant/internal/models"
)

type ChatMessage struct {
	bun.BaseModel `bun:"table:chat_messages,alias:cm"`
	ID            int64     `bun:"id,pk,autoincrement"`
	SessionKey    string    `bun:"session_key,notnull"`
	Role          string    `bun:"role,notnull"`
	Content       string    `bun:"content,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens the Postgres pool with bun's pgdriver, or lib/pq when
// driver is "pq". No connection is made until first use.
func ConnectDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is not configured")
	}
	switch cfg.Driver {
	case "pq", "postgres":
		sqldb, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		return sqldb, nil
	default:
		opts := []pgdriver.Option{pgdriver.WithDSN(dsn)}
		if cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(cfg.Password))
		}
		return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
	}
}

func InitDB(ctx context.Context, db *bun.DB) error {
	if _, err := db.NewCreateTable().Model((*ChatMessage)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create chat_messages: %w", err)
	}
	_, err := db.NewCreateIndex().
		Model((*ChatMessage)(nil)).
		Index("chat_messages_session_key_idx").
		Column("session_key", "id").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create chat_messages index: %w", err)
	}
	return nil
}

// ChatStore is the Postgres-backed conversation memory.
type ChatStore struct {
	db *bun.DB
}

func NewChatStore(db *bun.DB) *ChatStore {
	return &ChatStore{db: db}
}

func (s *ChatStore) Messages(ctx context.Context, key string) ([]models.Turn, error) {
	var rows []ChatMessage
	err := s.db.NewSelect().
		Model(&rows).
		Where("session_key = ?", key).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load chat messages: %w", err)
	}
	turns := make([]models.Turn, len(rows))
	for i, r := range rows {
		turns[i] = models.Turn{Role: models.Role(r.Role), Text: r.Content, CreatedAt: r.CreatedAt}
	}
	return turns, nil
}

func (s *ChatStore) Append(ctx context.Context, key string, turns ...models.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	rows := make([]ChatMessage, len(turns))
	for i, t := range turns {
		rows[i] = ChatMessage{SessionKey: key, Role: string(t.Role), Content: t.Text, CreatedAt: t.CreatedAt}
	}
	if _, err := s.db.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return fmt.Errorf("insert chat messages: %w", err)
	}
	return nil
}

func (s *ChatStore) Trim(ctx context.Context, key string, keep int) error {
	newest := s.db.NewSelect().
		Model((*ChatMessage)(nil)).
		Column("id").
		Where("session_key = ?", key).
		OrderExpr("id DESC").
		Limit(keep)
	_, err := s.db.NewDelete().
		Model((*ChatMessage)(nil)).
		Where("session_key = ?", key).
		Where("id NOT IN (?)", newest).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("trim chat messages: %w", err)
	}
	return nil
}

func DropMessages(ctx context.Context, db *bun.DB) error {
	_, err := db.NewDropTable().Model((*ChatMessage)(nil)).IfExists().Exec(ctx)
	return err
}
