// ABOUTME: export command: writes a conversation transcript as Markdown or HTML
// ABOUTME: Reads straight from the configured backend

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/coven-chat/internal/transcript"
)

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export <conversation-id>",
	Short: "Export a conversation transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		formatName := exportFormat
		if formatName == "" {
			formatName = "md"
			if strings.EqualFold(filepath.Ext(exportOutput), ".html") {
				formatName = "html"
			}
		}
		format, err := transcript.ParseFormat(formatName)
		if err != nil {
			return err
		}

		backend, err := openBackend(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer backend.Close()

		conv, err := backend.GetConversation(ctx, args[0])
		if err != nil {
			return fmt.Errorf("getting conversation: %w", err)
		}
		msgs, err := backend.ListMessages(ctx, conv.ID)
		if err != nil {
			return fmt.Errorf("listing messages: %w", err)
		}

		var w io.Writer = cmd.OutOrStdout()
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		if err := transcript.Write(w, format, conv, msgs); err != nil {
			return fmt.Errorf("writing transcript: %w", err)
		}
		if exportOutput != "" && exportOutput != "-" {
			logger.Info("transcript exported", "conversation_id", conv.ID, "messages", len(msgs), "file", exportOutput)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "", "md or html (default from the output extension, else md)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")
}
