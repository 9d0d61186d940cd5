package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"omnicontact/internal/config"
	"omnicontact/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

type doctorReport struct {
	passed, warned, failed int
}

func (d *doctorReport) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	d.passed++
}

func (d *doctorReport) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	d.failed++
}

func (d *doctorReport) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	d.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your OmniContact installation",
		Long: `Verifies that the configuration, database, agent profiles, model and
embedding credentials, and channel settings are in place. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("OmniContact Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r doctorReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'omnicontact init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config is invalid")
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			checkStore(ctx, cfg, &r)
			checkAgents(cfg, &r)
			checkModel(cfg, &r)
			checkEmbedding(ctx, cfg, &r)
			checkChannels(cfg, &r)

			if err := checkPort(cfg.Server.Addr()); err != nil {
				r.warn("Server port", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
			} else {
				r.pass("Server port", cfg.Server.Addr()+" available")
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running OmniContact.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Printf("\nOmniContact should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! OmniContact is ready to run.\n")
			}
			return nil
		},
	}
}

// checkStore opens the database, which applies migrations, and pings it.
func checkStore(ctx context.Context, cfg *config.Config, r *doctorReport) {
	st, err := store.Open(store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN, Logger: logger})
	if err != nil {
		r.fail("Database", err.Error())
		return
	}
	defer st.Close()
	if err := st.DB().PingContext(ctx); err != nil {
		r.fail("Database", fmt.Sprintf("cannot ping: %v", err))
		return
	}
	r.pass("Database", cfg.Store.Driver)

	if cfg.VectorIndex.Backend == "memory" {
		r.warn("Vector index", "memory backend; indexed documents are lost on restart")
	} else {
		r.pass("Vector index", cfg.VectorIndex.Backend)
	}
}

func checkAgents(cfg *config.Config, r *doctorReport) {
	agents, err := config.LoadAgents(cfg.Agents.Dir, cfg.General.DefaultTenant, logger)
	if err != nil {
		r.fail("Agent profiles", err.Error())
		return
	}
	tenants := agents.Tenants()
	switch {
	case len(tenants) == 0:
		r.warn("Agent profiles", fmt.Sprintf("none in %s; built-in defaults apply", cfg.Agents.Dir))
	default:
		r.pass("Agent profiles", fmt.Sprintf("%d tenant(s) in %s", len(tenants), cfg.Agents.Dir))
	}
}

func checkModel(cfg *config.Config, r *doctorReport) {
	keyed := 0
	for _, p := range cfg.LLM.Providers {
		if p.APIKey == "" {
			r.warn("Model: "+p.Backend, "no API key; skipped at startup")
			continue
		}
		keyed++
		r.pass("Model: "+p.Backend, "configured")
	}
	if keyed == 0 {
		r.fail("Models", "no language model provider has an API key")
	}
}

func checkEmbedding(ctx context.Context, cfg *config.Config, r *doctorReport) {
	ec := cfg.Embedding
	switch ec.Default {
	case "workersai":
		if ec.WorkersAI.AccountID == "" || ec.WorkersAI.APIToken == "" {
			r.fail("Embeddings", "workersai is the default but accountId/apiToken are empty")
			return
		}
	case "openai":
		if ec.OpenAI.APIKey == "" {
			r.fail("Embeddings", "openai is the default but apiKey is empty")
			return
		}
	}
	r.pass("Embeddings", ec.Default)

	if !ec.Cache.Enabled {
		return
	}
	client := redis.NewClient(&redis.Options{Addr: ec.Cache.RedisAddr, Password: ec.Cache.Password, DB: ec.Cache.DB})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		r.warn("Embedding cache", fmt.Sprintf("redis at %s unreachable: %v", ec.Cache.RedisAddr, err))
		return
	}
	r.pass("Embedding cache", ec.Cache.RedisAddr)
}

func checkChannels(cfg *config.Config, r *doctorReport) {
	cc := cfg.Channels
	if cc.SMS.Enabled {
		if cfg.Server.PublicURL == "" {
			r.warn("SMS", "server.publicUrl is empty; webhook signatures are not verified")
		} else {
			r.pass("SMS", cc.SMS.FromNumber)
		}
	}
	if cc.WhatsApp.Enabled {
		if cc.WhatsApp.AppSecret == "" {
			r.warn("WhatsApp", "appSecret is empty; webhook signatures are not verified")
		} else {
			r.pass("WhatsApp", cc.WhatsApp.PhoneNumberID)
		}
	}
	if cc.Email.Enabled {
		if cc.Email.WebhookSecret == "" {
			r.warn("Email", "webhookSecret is empty; webhook signatures are not verified")
		} else {
			r.pass("Email", cc.Email.FromAddress)
		}
	}
	if !cc.SMS.Enabled && !cc.WhatsApp.Enabled && !cc.Email.Enabled {
		r.warn("Channels", "no text channel enabled; only the relay and HTTP APIs are served")
	}
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
