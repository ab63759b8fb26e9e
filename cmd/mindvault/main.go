// Package main provides the MindVault CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mindvault-ai/mindvault/pkg/client"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var (
	// Global flags
	serverURL  string
	userName   string
	authToken  string
	outputJSON bool
	noColor    bool
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "mindvault",
	Short: "MindVault CLI for ingesting, querying, and managing personal knowledge",
	Long: `MindVault CLI talks to a MindVault API server.

Use this tool to:
- Ingest text, URLs, files, and images into knowledge bases
- Ask questions and search across your notes
- Follow background ingestion jobs
- Generate and track build-next project ideas
- Inspect usage against plan limits

The server address, identity, and token can also come from the
MINDVAULT_SERVER, MINDVAULT_USER, and MINDVAULT_TOKEN environment
variables. All commands support --json for automation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("MINDVAULT_SERVER", client.DefaultBaseURL), "MindVault API server address")
	rootCmd.PersistentFlags().StringVarP(&userName, "user", "u", envOr("MINDVAULT_USER", ""), "caller identity for servers running without auth")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", envOr("MINDVAULT_TOKEN", ""), "bearer token for authenticated servers")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newQueryCmd())
	rootCmd.AddCommand(newSearchCmd())
	rootCmd.AddCommand(newKBCmd())
	rootCmd.AddCommand(newDocsCmd())
	rootCmd.AddCommand(newClustersCmd())
	rootCmd.AddCommand(newJobsCmd())
	rootCmd.AddCommand(newSuggestCmd())
	rootCmd.AddCommand(newIdeasCmd())
	rootCmd.AddCommand(newUsageCmd())
	rootCmd.AddCommand(newOverviewCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

// api builds the HTTP client from the global flags.
func api() *client.Client {
	return client.New(client.Config{
		BaseURL: serverURL,
		User:    userName,
		Token:   authToken,
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mindvault %s\n", version)
		},
	}
}
