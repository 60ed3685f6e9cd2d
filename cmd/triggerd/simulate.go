package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/guildtools/triggerd/internal/config"
	"github.com/guildtools/triggerd/internal/domain"
	goutils "github.com/jkaninda/go-utils"
)

var (
	simulateConfigPath string
	simulateTenant     string
	simulateText       string
	simulateAuthor     string
	simulateChannel    string
	simulateRoles      []string
	simulateExecute    bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run one message through matching and validation without side effects",
	Long: `Simulate feeds a single message through the local pipeline: trigger
matching, permission checks, and static validation. With --execute the
matched script also runs in the sandbox. No cooldown is consumed, no
audit entry is written, and no reply is sent.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simulateConfigPath, "config", "", "path to config file")
	simulateCmd.Flags().StringVar(&simulateTenant, "tenant", "", "tenant (guild) ID")
	simulateCmd.Flags().StringVar(&simulateText, "text", "", "message text to match")
	simulateCmd.Flags().StringVar(&simulateAuthor, "author", "simulator", "author ID")
	simulateCmd.Flags().StringVar(&simulateChannel, "channel", "simulator", "channel ID")
	simulateCmd.Flags().StringSliceVar(&simulateRoles, "role", nil, "author role (repeatable)")
	simulateCmd.Flags().BoolVar(&simulateExecute, "execute", false, "run the matched script in the sandbox")
	_ = simulateCmd.MarkFlagRequired("tenant")
	_ = simulateCmd.MarkFlagRequired("text")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(goutils.Env("TRIGGERD_CONFIG", simulateConfigPath))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	msg := domain.Message{
		TenantID:    simulateTenant,
		AuthorID:    simulateAuthor,
		AuthorRoles: simulateRoles,
		ChannelID:   simulateChannel,
		Text:        simulateText,
	}

	matched, result, err := sc.Engine.Simulate(ctx, msg, simulateExecute)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if matched == nil {
		fmt.Fprintln(out, "no command matched")
		return nil
	}

	fmt.Fprintf(out, "matched:  %s (%s, %s)\n", matched.Trigger, matched.ID, matched.Language)
	if result == nil {
		fmt.Fprintln(out, "status:   valid (not executed)")
		return nil
	}

	fmt.Fprintf(out, "status:   %s\n", result.Status)
	if result.Output != "" {
		fmt.Fprintf(out, "output:   %s\n", result.Output)
	}
	if result.Truncated {
		fmt.Fprintln(out, "          (output truncated)")
	}
	if result.ErrorSummary != "" {
		fmt.Fprintf(out, "error:    %s\n", result.ErrorSummary)
	}
	if result.Reply != "" {
		fmt.Fprintf(out, "reply:    %s\n", result.Reply)
	}
	fmt.Fprintf(out, "duration: %s\n", result.Duration)
	return nil
}
