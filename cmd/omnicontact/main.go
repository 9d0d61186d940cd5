package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"omnicontact/internal/config"
	"omnicontact/internal/domain"
	"omnicontact/internal/embedding"
	"omnicontact/internal/knowledge"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	envFile    string
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "omnicontact",
		Short: "OmniContact: multi-channel AI contact center",
		Long:  "OmniContact answers phone calls, SMS, WhatsApp and email with a tenant-configured AI agent backed by a knowledge base.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("load env file: %w", err)
				}
				return nil
			}
			_ = godotenv.Load()
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.omnicontact/config.json)")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file (default: ./.env if present)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(askCmd())
	root.AddCommand(indexCmd())
	root.AddCommand(slotsCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file and replaces the bootstrap logger with one
// built from general.logLevel / general.logFormat. The returned func closes the
// log file, if any.
func loadConfig() (*config.Config, func(), error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	l, closeLog, err := newLogger(cfg.General)
	if err != nil {
		return nil, nil, err
	}
	logger = l
	return cfg, closeLog, nil
}

func newLogger(g config.GeneralConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if g.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(g.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("cannot create log directory: %w", err)
		}
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	if g.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), closeFn, nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), closeFn, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and a sample agent profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}

			sample := domain.AgentConfig{
				TenantID:    cfg.General.DefaultTenant,
				Name:        "Sophie",
				CompanyName: "Example Realty",
				Language:    "en",
				Personality: "warm and concise",
			}.WithDefaults()
			agentPath, err := config.WriteAgent(cfg.Agents.Dir, sample)
			if err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "agent", agentPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func askCmd() *cobra.Command {
	var (
		tenant   string
		agentID  string
		topK     int
		provider string
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the knowledge base a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.withModel(); err != nil {
				return err
			}
			warnEphemeralIndex(cfg)

			if tenant == "" {
				tenant = cfg.General.DefaultTenant
			}
			if topK == 0 {
				topK = cfg.Knowledge.SearchTopK
			}
			res, err := a.pipeline.Ask(ctx, knowledge.Query{
				Question: strings.Join(args, " "),
				TenantID: tenant,
				AgentID:  agentID,
				TopK:     topK,
				Provider: embedding.Kind(provider),
			})
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant id (default: general.defaultTenant)")
	cmd.Flags().StringVar(&agentID, "agent", "", "restrict the search to one agent's documents")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of chunks to retrieve (default: knowledge.searchTopK)")
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "embedding provider: workersai or openai (default: embedding.default)")
	return cmd
}

func indexCmd() *cobra.Command {
	var (
		tenant   string
		agentID  string
		title    string
		url      string
		provider string
	)
	cmd := &cobra.Command{
		Use:   "index [file]",
		Short: "Chunk, embed and index a document",
		Long:  "Reads a text or markdown file (or stdin with \"-\"), splits it into overlapping chunks and writes their embeddings to the vector index.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			var content []byte
			if args[0] == "-" {
				content, err = io.ReadAll(os.Stdin)
			} else {
				content, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}
			if title == "" {
				title = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			if tenant == "" {
				tenant = cfg.General.DefaultTenant
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			warnEphemeralIndex(cfg)

			start := time.Now()
			doc, err := a.indexer.Index(ctx, knowledge.IndexRequest{
				TenantID:   tenant,
				AgentID:    agentID,
				Title:      title,
				URL:        url,
				SourceType: "file",
				Content:    string(content),
				Provider:   embedding.Kind(provider),
			})
			if err != nil {
				return err
			}
			logger.Info("document indexed",
				"id", doc.ID,
				"tenant", doc.TenantID,
				"status", doc.EmbeddingStatus,
				"chunks", doc.ChunkCount,
				"elapsed", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant id (default: general.defaultTenant)")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id the document belongs to")
	cmd.Flags().StringVar(&title, "title", "", "document title (default: file name)")
	cmd.Flags().StringVar(&url, "url", "", "source URL shown with answers")
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "embedding provider: workersai or openai (default: embedding.default)")
	return cmd
}

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Manage bookable appointment slots",
	}

	var (
		tenant      string
		serviceType string
	)
	add := &cobra.Command{
		Use:   "add [date] [HH:MM...]",
		Short: "Open slots on a date (e.g. slots add 2026-10-20 09:00 10:00)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()
			if tenant == "" {
				tenant = cfg.General.DefaultTenant
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			slots := make([]domain.Slot, 0, len(args)-1)
			for _, t := range args[1:] {
				slots = append(slots, domain.Slot{Date: args[0], Time: t, ServiceType: serviceType})
			}
			if err := st.AddSlots(cmd.Context(), tenant, slots); err != nil {
				return err
			}
			logger.Info("slots added", "tenant", tenant, "date", args[0], "count", len(slots))
			return nil
		},
	}
	add.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant id (default: general.defaultTenant)")
	add.Flags().StringVar(&serviceType, "service", "", "service type; empty opens the slot to any service")
	cmd.AddCommand(add)
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database and vector index migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			// Opening the store applies pending migrations; buildApp also
			// creates the pgvector tables when that backend is configured.
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			logger.Info("migrations applied", "driver", cfg.Store.Driver, "vector_index", cfg.VectorIndex.Backend)
			return nil
		},
	}
}

func warnEphemeralIndex(cfg *config.Config) {
	if cfg.VectorIndex.Backend == "memory" {
		logger.Warn("vector index backend is memory; vectors live only as long as this process")
	}
}
