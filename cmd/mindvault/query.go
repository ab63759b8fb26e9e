package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// newQueryCmd creates the query command.
func newQueryCmd() *cobra.Command {
	var (
		kbID string
		topK int
	)
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask a question answered from your knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stop := newSpinner("thinking...")
			ans, err := api().Query(cmd.Context(), args[0], kbID, topK)
			stop()
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(ans)
			}

			fmt.Println(ans.Answer)
			if len(ans.Citations) > 0 {
				fmt.Println()
				cites := make([]string, len(ans.Citations))
				for i, id := range ans.Citations {
					cites[i] = strconv.FormatInt(id, 10)
				}
				info("sources: documents %v (%d chunks used)", cites, ans.ChunksUsed)
			}
			if ans.Degraded {
				warning("answered in degraded mode: dense retrieval was unavailable")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kbID, "kb", "", "knowledge base to search (default: your default base)")
	cmd.Flags().IntVarP(&topK, "top", "k", 0, "number of context chunks to retrieve")
	return cmd
}

// newSearchCmd creates the search command.
func newSearchCmd() *cobra.Command {
	var (
		kbID string
		topK int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run hybrid retrieval without answer synthesis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stop := newSpinner("searching...")
			resp, err := api().Search(cmd.Context(), args[0], kbID, topK)
			stop()
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(resp)
			}

			if len(resp.Results) == 0 {
				info("no matches")
				return nil
			}
			rows := make([][]string, 0, len(resp.Results))
			for _, hit := range resp.Results {
				rows = append(rows, []string{
					strconv.FormatInt(hit.DocID, 10),
					fmt.Sprintf("%.3f", hit.Score),
					truncate(hit.Filename, 30),
					truncate(hit.Content, 72),
				})
			}
			table([]string{"DOC", "SCORE", "FILE", "CONTENT"}, rows)
			if resp.Degraded {
				warning("lexical scores only: dense retrieval was unavailable")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kbID, "kb", "", "knowledge base to search")
	cmd.Flags().IntVarP(&topK, "top", "k", 0, "number of results")
	return cmd
}
