package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/convoy/internal/agent"
	"github.com/user/convoy/internal/agent/tools"
	"github.com/user/convoy/internal/config"
	ctxengine "github.com/user/convoy/internal/context"
	"github.com/user/convoy/internal/emit"
	"github.com/user/convoy/internal/gateway"
	"github.com/user/convoy/internal/memory"
	"github.com/user/convoy/internal/scheduler"
	"github.com/user/convoy/internal/server"
	"github.com/user/convoy/internal/telegram"
	"github.com/user/convoy/pkg/llm"
	"github.com/user/convoy/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the convoy daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "convoy.pid")
}

func writePIDFile(cfg *config.Config) (string, error) {
	path := pidPath(cfg)
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

// buildAgent wires the provider, prompt engine, memory book and tools.
func buildAgent(cfg *config.Config, st *stores) (*agent.Agent, error) {
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return nil, fmt.Errorf("create context engine: %w", err)
	}
	if cfg.PromptPath != "" {
		text, err := os.ReadFile(cfg.PromptPath)
		if err != nil {
			return nil, fmt.Errorf("read prompt: %w", err)
		}
		if err := engine.SetPrompt(string(text)); err != nil {
			return nil, fmt.Errorf("parse prompt: %w", err)
		}
	}

	var rules *emit.Rules
	if cfg.RulesPath != "" {
		rules, err = emit.LoadRules(cfg.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		slog.Info("tool event rules loaded", "path", cfg.RulesPath, "rules", rules.Len())
	}

	book := memory.NewBook(cfg.MemoryPath())
	registry := agent.NewRegistry(
		tools.NewCalculator(),
		tools.NewReadURL(),
		tools.NewMemorySave(book),
		tools.NewMemorySearch(),
	)

	return agent.New(provider, engine, registry, agent.Options{
		Rules:  rules,
		Memory: book,
		State:  st.checkpoints,
		Quota: emit.MemoryQuota{
			MinInterval:        time.Duration(cfg.Memory.MinIntervalSeconds) * time.Second,
			MaxPerConversation: cfg.Memory.MaxPerConversation,
		},
		MaxRounds: cfg.MaxToolRounds,
		Complete:  !cfg.LLM.Stream,
	}), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Write PID file
	pidFile, err := writePIDFile(cfg)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.close()

	ag, err := buildAgent(cfg, st)
	if err != nil {
		return err
	}

	gw := gateway.New(st.conversations, st.checkpoints, ag.Producer,
		gateway.WithMaxConcurrent(int64(cfg.MaxConcurrent)),
		gateway.WithTurnTimeout(cfg.TurnTimeout()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw.Start(ctx)
	defer gw.Stop()

	slog.Info("convoy started",
		"data_dir", cfg.DataDir,
		"store", cfg.Store.Backend,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"max_tool_rounds", cfg.MaxToolRounds,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidFile,
	)

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, gw, cfg.Telegram.AllowedChats)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Scheduler
	sched := scheduler.New()
	if cfg.Store.KeepCheckpoints > 0 {
		sched.Add(scheduler.CompactJob(gw, cfg.Store.CompactSchedule, cfg.Store.KeepCheckpoints))
	}
	sched.Start(ctx)
	defer sched.Stop()

	// HTTP server
	if cfg.HTTP.Enabled {
		if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowAnonymous {
			slog.Warn("no jwt secret and anonymous access disabled; every turn request will be rejected")
		}
		srv := server.New(gw, server.Config{
			JWTSecret:      cfg.Auth.JWTSecret,
			AllowAnonymous: cfg.Auth.AllowAnonymous,
			TurnsPerMinute: cfg.RateLimit.TurnsPerMinute,
			Burst:          cfg.RateLimit.Burst,
			Model:          cfg.LLM.Model,
		})
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				httpServer.Close()
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidFile)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				// Re-write PID file since we failed to re-exec
				if _, writeErr := writePIDFile(cfg); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
