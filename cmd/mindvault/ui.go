// Package main provides output utilities for the MindVault CLI.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"

	"github.com/mindvault-ai/mindvault/pkg/client"
)

// printJSON marshals v as indented JSON to stdout.
func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// printError renders a failure, keeping the server's error kind
// visible so scripts can match on it.
func printError(err error) {
	if apiErr, ok := client.AsAPIError(err); ok {
		paint(color.FgRed, os.Stderr, "✗ %s: %s\n", apiErr.Kind, apiErr.Message)
		switch apiErr.Kind {
		case "quota":
			fmt.Fprintf(os.Stderr, "  limit %d, current %d", apiErr.Limit, apiErr.Current)
			if !apiErr.ResetsAt.IsZero() {
				fmt.Fprintf(os.Stderr, ", resets %s", apiErr.ResetsAt.Format(time.RFC3339))
			}
			fmt.Fprintln(os.Stderr)
		case "validation":
			if len(apiErr.URLs) > 0 {
				fmt.Fprintln(os.Stderr, "  submit each URL separately:")
				for _, u := range apiErr.URLs {
					fmt.Fprintf(os.Stderr, "    %s\n", u)
				}
			}
		}
		return
	}
	paint(color.FgRed, os.Stderr, "✗ %v\n", err)
}

func success(format string, args ...interface{}) {
	if outputJSON {
		return
	}
	paint(color.FgGreen, os.Stdout, "✓ %s\n", fmt.Sprintf(format, args...))
}

func info(format string, args ...interface{}) {
	if outputJSON {
		return
	}
	paint(color.FgCyan, os.Stdout, "ℹ %s\n", fmt.Sprintf(format, args...))
}

func warning(format string, args ...interface{}) {
	if outputJSON {
		return
	}
	paint(color.FgYellow, os.Stdout, "⚠ %s\n", fmt.Sprintf(format, args...))
}

func paint(attr color.Attribute, w *os.File, format string, args ...interface{}) {
	if noColor {
		fmt.Fprintf(w, format, args...)
		return
	}
	color.New(attr).Fprintf(w, format, args...)
}

// table prints rows under headers using elastic tab stops.
func table(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	separator := make([]string, len(headers))
	for i := range separator {
		separator[i] = strings.Repeat("-", len(headers[i]))
	}
	fmt.Fprintln(w, strings.Join(separator, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

func keyValue(key string, value interface{}) {
	if noColor {
		fmt.Printf("  %s: %v\n", key, value)
		return
	}
	color.New(color.FgYellow).Printf("  %s: ", key)
	fmt.Printf("%v\n", value)
}

// newSpinner shows indeterminate progress on stderr. The returned stop
// function is safe to call in JSON mode where nothing is shown.
func newSpinner(message string) func() {
	if outputJSON || !isTerminal() {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = os.Stderr
	s.Start()
	return s.Stop
}

// isTerminal checks if stdout is a terminal.
func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// formatBytes formats bytes in a human-readable way.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// truncate shortens s for table cells.
func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
