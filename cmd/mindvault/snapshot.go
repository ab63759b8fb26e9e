package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/internal/storage"
	"github.com/mindvault-ai/mindvault/pkg/knowledgebank"
)

// snapshot is the legacy JSON export: one owner, their bases, and the
// raw document contents. Derived data (chunks, concepts, clusters,
// summaries) is not imported; the pipeline rebuilds it.
type snapshot struct {
	Owner          string `json:"owner"`
	KnowledgeBases []struct {
		Name      string `json:"name"`
		IsDefault bool   `json:"is_default"`
		Documents []struct {
			Filename   string `json:"filename"`
			SourceType string `json:"source_type"`
			SourceURL  string `json:"source_url"`
			Content    string `json:"content"`
		} `json:"documents"`
	} `json:"knowledge_bases"`
}

// newKBImportSnapshotCmd creates the one-shot snapshot migration
// command. Unlike the rest of the CLI it does not go through the API
// server: it builds the service in process and replays every document
// through the normal ingestion pipeline.
func newKBImportSnapshotCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "import-snapshot <file>",
		Short: "Replay a legacy JSON snapshot through the ingestion pipeline (runs in process)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var snap snapshot
			if err := json.Unmarshal(raw, &snap); err != nil {
				return fmt.Errorf("parse snapshot: %w", err)
			}
			if snap.Owner == "" {
				return fmt.Errorf("snapshot has no owner")
			}

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logFormat := "console"
			if outputJSON {
				logFormat = "json"
			}
			logger := observability.NewLogger(observability.LogConfig{
				Level:       cfg.Observability.LogLevel,
				Format:      logFormat,
				ServiceName: "mindvault-import",
			})

			ctx := cmd.Context()
			svc, err := knowledgebank.New(ctx, cfg, logger, knowledgebank.Options{})
			if err != nil {
				return err
			}
			defer svc.Close()

			return runImport(ctx, svc, &snap)
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	return cmd
}

func runImport(ctx context.Context, svc *knowledgebank.Service, snap *snapshot) error {
	if err := svc.EnsureUser(ctx, snap.Owner); err != nil {
		return err
	}

	queued := 0
	for _, kb := range snap.KnowledgeBases {
		kbID, err := resolveSnapshotKB(ctx, svc, snap.Owner, kb.Name, kb.IsDefault)
		if err != nil {
			return err
		}
		for _, doc := range kb.Documents {
			req := &knowledgebank.IngestRequest{
				KBID:       kbID,
				SourceType: storage.SourceType(doc.SourceType),
				Filename:   doc.Filename,
				Data:       []byte(doc.Content),
			}
			// URL documents re-ingest their captured content; a live
			// refetch would diverge from what the user had.
			if req.SourceType == storage.SourceTypeURL || req.SourceType == "" {
				req.SourceType = storage.SourceTypeText
			}
			if req.SourceType == storage.SourceTypeFile && filepath.Ext(req.Filename) == "" {
				req.SourceType = storage.SourceTypeText
			}
			if _, err := svc.Ingest(ctx, snap.Owner, req); err != nil {
				return fmt.Errorf("queue %q: %w", doc.Filename, err)
			}
			queued++
		}
	}
	if queued == 0 {
		warning("snapshot contains no documents")
		return nil
	}
	info("queued %d documents, processing...", queued)

	// Run the embedded workers until the queue drains.
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(runCtx)
	}()

	var bar *progressbar.ProgressBar
	if !outputJSON && isTerminal() {
		bar = progressbar.NewOptions64(int64(queued),
			progressbar.OptionSetWidth(50),
			progressbar.OptionSetDescription("importing"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprint(os.Stderr, "\n")
			}),
			progressbar.OptionSetRenderBlankState(true),
		)
	}

	err := waitForDrain(ctx, svc, int64(queued), bar)
	cancel()
	<-done
	if err != nil {
		return err
	}
	success("imported %d documents for %s", queued, snap.Owner)
	return nil
}

func resolveSnapshotKB(ctx context.Context, svc *knowledgebank.Service, owner, name string, isDefault bool) (uuid.UUID, error) {
	if isDefault {
		return uuid.Nil, nil
	}
	existing, err := svc.KnowledgeBases(ctx, owner)
	if err != nil {
		return uuid.Nil, err
	}
	for _, kb := range existing {
		if kb.Name == name {
			return kb.ID, nil
		}
	}
	kb, err := svc.CreateKnowledgeBase(ctx, owner, name)
	if err != nil {
		return uuid.Nil, err
	}
	return kb.ID, nil
}

func waitForDrain(ctx context.Context, svc *knowledgebank.Service, total int64, bar *progressbar.ProgressBar) error {
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		depth, err := svc.QueueDepth(ctx)
		if err != nil {
			return err
		}
		if bar != nil {
			done := total - depth
			if done < 0 {
				done = 0
			}
			_ = bar.Set64(done)
		}
		if depth == 0 {
			if bar != nil {
				_ = bar.Finish()
			}
			return nil
		}
	}
}
