package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"club-assistant/internal/config"
	"club-assistant/internal/helper"
	"club-assistant/internal/rag"
	"club-assistant/internal/retrieval"
	"club-assistant/internal/server"
	"club-assistant/internal/stream"
)

var (
	configPath string
	timeout    time.Duration

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "club-assistant",
	Short: "Knowledge-base assistant and member-directory agent for the club",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		setupLogger(cfg.Log)
		return nil
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the streaming HTTP API",
	RunE:  runServe,
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Stream one answer to stdout as NDJSON",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the knowledge index and print its status",
	RunE:  runReindex,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the knowledge index status",
	RunE:  runStatus,
}

var askOpts struct {
	agent   bool
	text    bool
	cn      string
	auth    string
	model   string
	session string
	memory  string
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "Path to the config file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Timeout for one-shot commands")

	askCmd.Flags().BoolVar(&askOpts.agent, "agent", false, "Enable member-directory tools")
	askCmd.Flags().BoolVar(&askOpts.text, "text", false, "Print only the answer text")
	askCmd.Flags().StringVar(&askOpts.cn, "cn", "", "Acting member identity")
	askCmd.Flags().StringVar(&askOpts.auth, "auth", "", "Authorization header forwarded to the directory")
	askCmd.Flags().StringVar(&askOpts.model, "model", "", "Chat model")
	askCmd.Flags().StringVar(&askOpts.session, "session", "", "Session id")
	askCmd.Flags().StringVar(&askOpts.memory, "memory", "", "Memory mode: temporary or longterm")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogger writes human-readable logs to stderr so stdout stays free for
// command output.
func setupLogger(lc config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	if lc.JSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Caller().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()
	}
	zerolog.DefaultContextLogger = &log.Logger
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := helper.CreateFolder(cfg.RAG.DataDir); err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.index.RefreshIfNeeded(ctx); err != nil {
		log.Warn().Err(err).Msg("initial index build failed")
	}
	st := a.index.Status()
	log.Info().Str("backend", st.Backend).Int("files", st.Files).Int("chunks", st.Chunks).Msg("knowledge index ready")

	if cfg.RAG.Watch {
		w, err := retrieval.NewWatcher(a.index)
		if err != nil {
			log.Warn().Err(err).Msg("file watcher disabled")
		} else {
			go w.Run(ctx)
		}
	}

	return server.New(a.svc, a.index, cfg.Server.Addr).Start(ctx)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	id := helper.ShortID("")
	logger := log.With().Str("request_id", id).Logger()
	ctx = logger.WithContext(ctx)

	events := a.svc.StreamTurn(ctx, rag.Request{
		Question:      strings.Join(args, " "),
		Model:         askOpts.model,
		Authorization: askOpts.auth,
		Actor:         askOpts.cn,
		SessionID:     askOpts.session,
		MemoryMode:    askOpts.memory,
		Agent:         askOpts.agent,
	})
	out := cmd.OutOrStdout()
	for ev := range events {
		if askOpts.text {
			if ev.Type == stream.KindItem {
				fmt.Fprint(out, ev.Content)
			}
			continue
		}
		if err := stream.Encode(out, ev); err != nil {
			return err
		}
	}
	if askOpts.text {
		fmt.Fprintln(out)
	}
	return nil
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.index.Refresh(ctx); err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}
	helper.FprettyPrint(cmd.OutOrStdout(), a.index.Status())
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.index.RefreshIfNeeded(ctx); err != nil {
		log.Warn().Err(err).Msg("index refresh failed")
	}
	helper.PrettyPrint(a.index.Status())
	return nil
}
