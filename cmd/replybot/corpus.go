package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dkrasnov/replybot/internal/config"
	"github.com/dkrasnov/replybot/internal/db"
	"github.com/dkrasnov/replybot/internal/rag"
)

func newCorpusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corpus",
		Short: "Knowledge corpus management commands",
	}

	cmd.AddCommand(newCorpusSyncCmd())
	return cmd
}

func newCorpusSyncCmd() *cobra.Command {
	var (
		configPath string
		dir        string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Embed and upsert the knowledge corpus",
		Long:  "Reads markdown files from the corpus directory, embeds them, and upserts the documents table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCorpusSync(cmd, configPath, dir)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "replybot.yaml", "path to Replybot config file")
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "corpus directory (defaults to retrieval.corpus_dir)")
	return cmd
}

func runCorpusSync(cmd *cobra.Command, configPath, dir string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dir == "" {
		dir = cfg.Retrieval.CorpusDir
	}
	if dir == "" {
		return fmt.Errorf("no corpus directory: pass --dir or set retrieval.corpus_dir")
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.Migrate(gormDB); err != nil {
		return err
	}

	client := rag.NewOpenAIClient(cfg.OpenAI)
	var embedder rag.Embedder
	if client != nil {
		embedder = rag.NewOpenAIEmbedder(client, cfg.OpenAI.EmbedModel)
	} else {
		fmt.Fprintln(out, "No OpenAI API key: documents are stored without embeddings")
	}

	n, err := rag.SyncCorpus(context.Background(), gormDB, embedder, dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Synced %d documents from %s\n", n, dir)
	return nil
}
