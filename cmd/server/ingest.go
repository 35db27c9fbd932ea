package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mubarak-way/quran-assistant/internal/store"
)

var ingestFile string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load passages into the local database and exit",
	Long: `Load passages from a markdown table into the local database.

The table columns are | section | item | arabic | translation | transliteration |.
The local passage table is replaced by the file's rows.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(false)
		if err != nil {
			return err
		}
		defer log.Sync()

		db, err := store.NewSQLiteStore(cfg.DatabaseURL, log)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		log.Info("starting ingestion", zap.String("file", ingestFile))
		n, err := db.IngestPassagesFromFile(cmd.Context(), ingestFile)
		if err != nil {
			return fmt.Errorf("ingestion failed: %w", err)
		}
		log.Info("ingestion complete", zap.Int("passages", n))
		fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d passages from %s\n", n, ingestFile)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "passages.md", "markdown file with passages")
}
