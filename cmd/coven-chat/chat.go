// ABOUTME: chat command: the interactive chat client
// ABOUTME: Wires backend, conversation caches, agent client and the shell

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-chat/internal/agent"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/shell"
)

var (
	chatConversation string
	chatShowSteps    bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		backend, err := openBackend(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer backend.Close()

		opts := []conversation.Option{
			conversation.WithLogger(logger),
			conversation.WithReloadTimeout(cfg.Sync.ReloadTimeout),
		}
		conversations := conversation.NewConversationStore(backend, opts...)
		messages := conversation.NewMessageStore(backend, opts...)
		messages.Start(ctx)
		defer messages.Close()
		if err := conversations.Start(ctx); err != nil {
			return fmt.Errorf("loading conversations: %w", err)
		}
		defer conversations.Close()

		agentClient := agent.NewClient(cfg.Agent.URL, cfg.Agent.Timeout, logger)
		if err := agentClient.Health(ctx); err != nil {
			logger.Warn("agent is not reachable yet", "url", cfg.Agent.URL, "error", err)
		}

		sh := shell.New(shell.Config{
			In:            os.Stdin,
			Out:           os.Stdout,
			Conversations: conversations,
			Messages:      messages,
			Agent:         agentClient,
			Logger:        logger,
			ShowSteps:     chatShowSteps,
		})
		if chatConversation != "" {
			if err := sh.Session().Select(ctx, chatConversation); err != nil {
				return fmt.Errorf("opening conversation %s: %w", chatConversation, err)
			}
		}

		color.Cyan(banner)
		return sh.Run(ctx)
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "open this conversation id")
	chatCmd.Flags().BoolVar(&chatShowSteps, "steps", false, "show agent execution steps")
}
