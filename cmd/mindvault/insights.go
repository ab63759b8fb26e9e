package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// newSuggestCmd creates the suggest command.
func newSuggestCmd() *cobra.Command {
	var (
		kbID string
		max  int
		save bool
	)
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Propose projects you could build from what you know",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := api()
			stop := newSpinner("analyzing your knowledge base...")
			suggestions, err := c.Suggestions(cmd.Context(), kbID, max)
			stop()
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(suggestions)
			}

			for i, s := range suggestions {
				if noColor {
					fmt.Printf("\n%d. %s\n", i+1, s.Title)
				} else {
					color.New(color.FgMagenta, color.Bold).Printf("\n%d. %s\n", i+1, s.Title)
				}
				fmt.Println(s.Description)
				keyValue("difficulty", s.Difficulty)
				keyValue("effort", s.EffortEstimate)
				keyValue("coverage", fmt.Sprintf("%.0f%%", s.KnowledgeCoverage*100))
				if len(s.RequiredSkills) > 0 {
					keyValue("skills", strings.Join(s.RequiredSkills, ", "))
				}
				if len(s.MissingKnowledge) > 0 {
					keyValue("to learn", strings.Join(s.MissingKnowledge, ", "))
				}
				for _, step := range s.StarterSteps {
					fmt.Printf("    - %s\n", step)
				}
			}
			if len(suggestions) == 0 {
				info("no suggestions")
				return nil
			}

			if save {
				for _, s := range suggestions {
					if _, err := c.SaveIdea(cmd.Context(), kbID, s); err != nil {
						return err
					}
				}
				success("saved %d ideas", len(suggestions))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kbID, "kb", "", "knowledge base to analyze")
	cmd.Flags().IntVarP(&max, "max", "m", 0, "maximum suggestions (1-10)")
	cmd.Flags().BoolVar(&save, "save", false, "save every suggestion as an idea")
	return cmd
}

// newIdeasCmd creates the ideas command tree.
func newIdeasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ideas",
		Short: "Track saved build ideas",
	}
	cmd.AddCommand(newIdeasListCmd())
	cmd.AddCommand(newIdeasStatusCmd())
	return cmd
}

func newIdeasListCmd() *cobra.Command {
	var (
		kbID   string
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved ideas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ideas, err := api().Ideas(cmd.Context(), kbID, status)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(ideas)
			}
			if len(ideas) == 0 {
				info("no ideas; run `mindvault suggest --save` to capture some")
				return nil
			}
			rows := make([][]string, 0, len(ideas))
			for _, idea := range ideas {
				rows = append(rows, []string{
					idea.ID,
					truncate(idea.Title, 40),
					idea.Difficulty,
					idea.Status,
					idea.EffortEstimate,
				})
			}
			table([]string{"ID", "TITLE", "DIFFICULTY", "STATUS", "EFFORT"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&kbID, "kb", "", "scope to one knowledge base")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (suggested, saved, dismissed, completed)")
	return cmd
}

func newIdeasStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <idea-id> <status>",
		Short: "Move an idea through its lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api().UpdateIdeaStatus(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			success("idea %s is now %s", args[0], args[1])
			return nil
		},
	}
}

// newUsageCmd creates the usage command.
func newUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show consumption against plan limits for the current period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := api().Usage(cmd.Context())
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(u)
			}
			keyValue("plan", u.Plan)
			keyValue("period", fmt.Sprintf("%s to %s",
				u.PeriodStart.Format("2006-01-02"), u.PeriodEnd.Format("2006-01-02")))
			table([]string{"COUNTER", "USED", "LIMIT"}, [][]string{
				{"api_calls", fmt.Sprint(u.Counters.APICalls), limitCell(u.Limits.APICallsPerDay) + "/day"},
				{"documents_uploaded", fmt.Sprint(u.Counters.DocumentsUploaded), limitCell(u.Limits.DocumentsPerMonth) + "/month"},
				{"ai_requests", fmt.Sprint(u.Counters.AIRequests), limitCell(u.Limits.AIRequestsPerDay) + "/day"},
				{"search_queries", fmt.Sprint(u.Counters.SearchQueries), "-"},
				{"build_suggestions", fmt.Sprint(u.Counters.BuildSuggestions), "-"},
				{"storage", formatBytes(u.Counters.StorageBytes), limitCell(u.Limits.StorageMB) + " MB"},
			})
			return nil
		},
	}
}

func limitCell(limit int64) string {
	if limit < 0 {
		return "unlimited"
	}
	return fmt.Sprint(limit)
}

// newOverviewCmd creates the overview command.
func newOverviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overview",
		Short: "Summarize everything you have ingested",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := api().Overview(cmd.Context())
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(o)
			}
			keyValue("knowledge bases", o.TotalKnowledgeBases)
			keyValue("documents", o.TotalDocuments)
			keyValue("concepts", o.TotalConcepts)
			keyValue("clusters", o.TotalClusters)
			keyValue("indexed chunks", o.IndexedChunks)
			keyValue("content", formatBytes(o.ContentBytes))
			if len(o.TopConcepts) > 0 {
				fmt.Println()
				rows := make([][]string, 0, len(o.TopConcepts))
				for _, tc := range o.TopConcepts {
					rows = append(rows, []string{
						tc.Name,
						tc.Category,
						fmt.Sprint(tc.DocumentCount),
						fmt.Sprintf("%.2f", tc.MaxConfidence),
					})
				}
				table([]string{"CONCEPT", "CATEGORY", "DOCS", "CONFIDENCE"}, rows)
			}
			return nil
		},
	}
}
