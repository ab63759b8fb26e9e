package main

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// newKBCmd creates the knowledge-base command tree.
func newKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage knowledge bases",
	}
	cmd.AddCommand(newKBListCmd())
	cmd.AddCommand(newKBCreateCmd())
	cmd.AddCommand(newKBRenameCmd())
	cmd.AddCommand(newKBDeleteCmd())
	cmd.AddCommand(newKBImportSnapshotCmd())
	return cmd
}

func newKBListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your knowledge bases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kbs, err := api().KnowledgeBases(cmd.Context())
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(kbs)
			}
			rows := make([][]string, 0, len(kbs))
			for _, kb := range kbs {
				def := ""
				if kb.IsDefault {
					def = "*"
				}
				rows = append(rows, []string{
					kb.ID,
					kb.Name,
					def,
					strconv.Itoa(kb.DocumentCount),
					kb.CreatedAt.Local().Format("2006-01-02"),
				})
			}
			table([]string{"ID", "NAME", "DEFAULT", "DOCS", "CREATED"}, rows)
			return nil
		},
	}
}

func newKBCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kb, err := api().CreateKnowledgeBase(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(kb)
			}
			success("created %q (%s)", kb.Name, kb.ID)
			return nil
		},
	}
}

func newKBRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <kb-id> <name>",
		Short: "Rename a knowledge base",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api().RenameKnowledgeBase(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			success("renamed %s to %q", args[0], args[1])
			return nil
		},
	}
}

func newKBDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <kb-id>",
		Short: "Delete an empty, non-default knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api().DeleteKnowledgeBase(cmd.Context(), args[0]); err != nil {
				return err
			}
			success("deleted %s", args[0])
			return nil
		},
	}
}

// newDocsCmd creates the document command tree.
func newDocsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Inspect and remove documents",
	}
	cmd.AddCommand(newDocsListCmd())
	cmd.AddCommand(newDocsShowCmd())
	cmd.AddCommand(newDocsDeleteCmd())
	return cmd
}

func newDocsListCmd() *cobra.Command {
	var (
		kbID   string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := api().Documents(cmd.Context(), kbID, limit, offset)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(docs)
			}
			if len(docs) == 0 {
				info("no documents")
				return nil
			}
			rows := make([][]string, 0, len(docs))
			for _, d := range docs {
				name := ""
				if d.Filename != nil {
					name = *d.Filename
				} else if d.SourceURL != nil {
					name = *d.SourceURL
				}
				rows = append(rows, []string{
					strconv.FormatInt(d.DocID, 10),
					d.SourceType,
					truncate(name, 40),
					d.SkillLevel,
					strconv.Itoa(d.ChunkCount),
					formatBytes(d.ByteSize),
				})
			}
			table([]string{"DOC", "TYPE", "NAME", "SKILL", "CHUNKS", "SIZE"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&kbID, "kb", "", "scope to one knowledge base")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func newDocsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <doc-id>",
		Short: "Show one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return err
			}
			doc, err := api().Document(cmd.Context(), id)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(doc)
			}
			keyValue("doc_id", doc.DocID)
			keyValue("kb_id", doc.KBID)
			keyValue("source_type", doc.SourceType)
			if doc.Filename != nil {
				keyValue("filename", *doc.Filename)
			}
			if doc.SourceURL != nil {
				keyValue("source_url", *doc.SourceURL)
			}
			keyValue("skill_level", doc.SkillLevel)
			keyValue("chunking", doc.ChunkingStatus)
			keyValue("summary", doc.SummaryStatus)
			keyValue("chunks", doc.ChunkCount)
			keyValue("size", formatBytes(doc.ByteSize))
			keyValue("created", doc.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}

func newDocsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <doc-id>",
		Short: "Delete a document and everything derived from it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return err
			}
			if err := api().DeleteDocument(cmd.Context(), id); err != nil {
				return err
			}
			success("deleted document %d", id)
			return nil
		},
	}
}

// newClustersCmd creates the clusters command.
func newClustersCmd() *cobra.Command {
	var kbID string
	cmd := &cobra.Command{
		Use:   "clusters",
		Short: "List concept clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			clusters, err := api().Clusters(cmd.Context(), kbID)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(clusters)
			}
			if len(clusters) == 0 {
				info("no clusters yet; ingest some documents first")
				return nil
			}
			rows := make([][]string, 0, len(clusters))
			for _, c := range clusters {
				rows = append(rows, []string{
					strconv.FormatInt(c.ID, 10),
					truncate(c.Name, 30),
					strconv.Itoa(c.DocCount),
					c.SkillLevel,
					truncate(strings.Join(c.PrimaryConcepts, ", "), 50),
				})
			}
			table([]string{"ID", "NAME", "DOCS", "SKILL", "PRIMARY CONCEPTS"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&kbID, "kb", "", "scope to one knowledge base")
	return cmd
}
