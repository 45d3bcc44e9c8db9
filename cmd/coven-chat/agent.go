// ABOUTME: agent command: runs the reference echo agent
// ABOUTME: Useful for trying the chat client without a real agent service

package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-chat/internal/agent"
)

var (
	agentAddr  string
	agentDelay time.Duration
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the reference echo agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := cfg.Server.AgentAddr
		if agentAddr != "" {
			addr = agentAddr
		}
		return agent.NewEchoHandler(logger, agentDelay).Run(cmd.Context(), addr)
	},
}

func init() {
	agentCmd.Flags().StringVar(&agentAddr, "addr", "", "listen address (default server.agent_addr)")
	agentCmd.Flags().DurationVar(&agentDelay, "delay", 0, "simulated thinking time per request")
}
