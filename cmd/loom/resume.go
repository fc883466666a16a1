package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomchat/loom/internal/config"
	"github.com/loomchat/loom/internal/engine"
)

func newResumeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <conversation-id> <message-id>",
		Short: "Fold resolved tool results back and continue an interrupted run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return runResume(cmd.Context(), cfg, args[0], args[1])
		},
	}
}

func runResume(ctx context.Context, cfg *config.Config, conversationID, messageID string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, st, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	if closer, ok := st.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	sink := engine.NewChannelSink(1024)
	eng.Emitter().AddSink(sink)

	done := make(chan error, 1)
	go func() { done <- eng.Resume(ctx, conversationID, messageID) }()
	return consumeRun(ctx, eng, conversationID, sink, bufio.NewScanner(os.Stdin), done)
}
