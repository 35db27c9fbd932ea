package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mubarak-way/quran-assistant/internal/core"
)

var (
	askLanguage string
	askJSON     bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a single question without storing a conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(true)
		if err != nil {
			return err
		}
		defer log.Sync()

		log = log.With(zap.String("request_id", uuid.NewString()))
		a, err := newApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		reply, err := a.chat.QuickAnswer(cmd.Context(), strings.Join(args, " "), strings.ToLower(askLanguage))
		if err != nil {
			return err
		}
		return printReply(cmd, reply)
	},
}

func printReply(cmd *cobra.Command, reply *core.Reply) error {
	out := cmd.OutOrStdout()
	if askJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(reply)
	}
	fmt.Fprintln(out, reply.Answer)
	if len(reply.CitedPassages) > 0 {
		refs := make([]string, 0, len(reply.CitedPassages))
		for _, r := range reply.CitedPassages {
			refs = append(refs, fmt.Sprintf("%d:%d", r.SectionNumber, r.ItemNumber))
		}
		fmt.Fprintf(out, "\nSources: %s\n", strings.Join(refs, ", "))
	}
	return nil
}

func init() {
	askCmd.Flags().StringVarP(&askLanguage, "language", "l", "", "answer language (defaults to DEFAULT_LANGUAGE)")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the full reply as JSON")
}
