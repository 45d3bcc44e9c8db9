// ABOUTME: conversations command: list and delete conversations without the shell
// ABOUTME: Output is a plain table for scripting

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List or delete conversations",
	Args:    cobra.NoArgs,
	RunE:    runListConversations,
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, newest first",
	Args:  cobra.NoArgs,
	RunE:  runListConversations,
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		backend, err := openBackend(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer backend.Close()

		if _, err := backend.GetConversation(ctx, args[0]); err != nil {
			return fmt.Errorf("getting conversation: %w", err)
		}
		if err := backend.DeleteConversation(ctx, args[0]); err != nil {
			return fmt.Errorf("deleting conversation: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

func runListConversations(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	convs, err := backend.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}
	if len(convs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conversations")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tTITLE")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.CreatedAt.Local().Format("2006-01-02 15:04"), c.Title)
	}
	return tw.Flush()
}

func init() {
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsDeleteCmd)
}
