package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/loomchat/loom/internal/config"
	"github.com/loomchat/loom/internal/engine"
	"github.com/loomchat/loom/internal/providers"
	"github.com/loomchat/loom/internal/store"
	"github.com/loomchat/loom/internal/tools/exec"
	"github.com/loomchat/loom/internal/tools/files"
	"github.com/loomchat/loom/pkg/models"
)

func newChatCommand(flags *rootFlags) *cobra.Command {
	var planMode bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cfg, planMode, metricsAddr)
		},
	}
	cmd.Flags().BoolVar(&planMode, "plan", false, "start in plan mode (read-only tools)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func runChat(ctx context.Context, cfg *config.Config, planMode bool, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, st, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	if closer, ok := st.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	if metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(metricsAddr, promhttp.Handler()); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	mode := models.ModeDefault
	if planMode {
		mode = models.ModePlan
	}
	conv, err := eng.NewConversation(ctx, "chat", cfg.Workspace, mode)
	if err != nil {
		return err
	}

	sink := engine.NewChannelSink(1024)
	eng.Emitter().AddSink(sink)

	fmt.Printf("loom %s — conversation %s (mode: %s)\n", version, conv.ID, mode)
	fmt.Println("type a message, /cancel to abort a run, /quit to exit")

	stdin := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !stdin.Scan() {
			return stdin.Err()
		}
		line := strings.TrimSpace(stdin.Text())
		switch {
		case line == "":
			continue
		case line == "/quit", line == "/exit":
			return nil
		case line == "/cancel":
			eng.Cancel(conv.ID)
			continue
		}

		done := make(chan error, 1)
		go func() { done <- eng.Send(ctx, conv.ID, line) }()
		if err := consumeRun(ctx, eng, conv.ID, sink, stdin, done); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

// consumeRun renders events until the run goroutine finishes, prompting on
// stdin for permission requests.
func consumeRun(ctx context.Context, eng *engine.Engine, conversationID string, sink *engine.ChannelSink, stdin *bufio.Scanner, done chan error) error {
	for {
		select {
		case err := <-done:
			// Run returned; drain any buffered events before handing the
			// prompt back.
			for {
				select {
				case ev := <-sink.Events():
					renderEvent(eng, ev, stdin)
				default:
					return err
				}
			}
		case ev := <-sink.Events():
			renderEvent(eng, ev, stdin)
		case <-ctx.Done():
			eng.Cancel(conversationID)
			return <-done
		}
	}
}

// renderEvent prints one UI event.
func renderEvent(eng *engine.Engine, ev *models.UIEvent, stdin *bufio.Scanner) {
	switch ev.Type {
	case models.EventTextDelta:
		fmt.Print(ev.Text)
	case models.EventReasoningDelta:
		// Rationale is rendered dimly; keep it on stderr to leave the
		// transcript clean.
		fmt.Fprint(os.Stderr, ev.Text)
	case models.EventStepAdded:
		fmt.Printf("\n[%s] %s\n", ev.Step.Status, ev.Step.Title)
	case models.EventStepUpdated:
		if ev.Step.Status.Terminal() {
			fmt.Printf("[%s] %s\n", ev.Step.Status, ev.Step.Title)
			if ev.Step.Diff != nil && ev.Step.Diff.Unified != "" {
				fmt.Println(ev.Step.Diff.Unified)
			}
		}
	case models.EventApprovalRequired:
		promptApproval(eng, ev.Approval, stdin)
	case models.EventStreamComplete:
		fmt.Printf("\n-- %s", ev.Complete.Reason)
		if u := ev.Complete.Usage; u != nil && (u.InputTokens > 0 || u.OutputTokens > 0) {
			fmt.Printf(" (%d in / %d out tokens)", u.InputTokens, u.OutputTokens)
		}
		fmt.Println()
	case models.EventError:
		fmt.Fprintln(os.Stderr, "\nerror:", ev.Error)
	}
}

func promptApproval(eng *engine.Engine, prompt *models.ApprovalPrompt, stdin *bufio.Scanner) {
	fmt.Printf("\ntool %s wants to run: %s\n", prompt.ToolName, prompt.Description)
	fmt.Print("allow? [y]es once / [s]ession / [w]orkspace / [n]o-continue / [N]o-stop: ")
	if !stdin.Scan() {
		eng.ResolvePermission(prompt.RequestID, engine.Decision{
			Kind: engine.DecisionReject, RejectMode: engine.RejectStop,
		})
		return
	}
	var dec engine.Decision
	switch strings.TrimSpace(stdin.Text()) {
	case "y", "yes":
		dec = engine.Decision{Kind: engine.DecisionOnce}
	case "s", "session":
		dec = engine.Decision{Kind: engine.DecisionSession}
	case "w", "workspace":
		dec = engine.Decision{Kind: engine.DecisionWorkspace}
	case "n", "no":
		dec = engine.Decision{Kind: engine.DecisionReject, RejectMode: engine.RejectContinue}
	default:
		dec = engine.Decision{Kind: engine.DecisionReject, RejectMode: engine.RejectStop}
	}
	if err := eng.ResolvePermission(prompt.RequestID, dec); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
}

// buildEngine wires the configured provider, store, tools, and grants.
func buildEngine(cfg *config.Config) (*engine.Engine, store.Store, error) {
	var provider engine.ModelStreamSource
	var err error
	switch cfg.Provider {
	case "", "anthropic":
		provider, err = providers.NewAnthropic(providers.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	case "openai":
		provider, err = providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	}
	if err != nil {
		return nil, nil, err
	}

	var st store.Store
	if cfg.StorePath != "" {
		st, err = store.NewSQLiteStore(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
	} else {
		st = store.NewMemoryStore()
	}

	rules := cfg.Rules()
	registry := engine.NewRegistry()
	registry.Register(exec.New(rules))
	registry.Register(files.NewReadTool())
	registry.Register(files.NewWriteTool())
	registry.Register(files.NewEditTool())

	grants, err := config.OpenGrantFile(grantPath())
	if err != nil {
		return nil, nil, err
	}

	metrics := engine.NewMetrics(prometheus.DefaultRegisterer)
	eng := engine.New(provider, registry, st, grants, metrics, engine.Options{
		MaxTurns:     cfg.MaxTurns,
		HistoryLimit: cfg.HistoryLimit,
		Model:        cfg.Model,
		System:       cfg.System,
		MaxTokens:    cfg.MaxTokens,
		Logger:       slog.Default(),
	})
	return eng, st, nil
}

func grantPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "loom-grants.yaml"
	}
	return filepath.Join(home, ".config", "loom", "grants.yaml")
}
