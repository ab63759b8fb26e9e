package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"

	"github.com/mindvault-ai/mindvault/pkg/client"
)

// newIngestCmd creates the ingest command tree.
func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Add content to a knowledge base",
	}
	cmd.AddCommand(newIngestTextCmd())
	cmd.AddCommand(newIngestURLCmd())
	cmd.AddCommand(newIngestFileCmd())
	cmd.AddCommand(newIngestImageCmd())
	return cmd
}

func newIngestTextCmd() *cobra.Command {
	var (
		kbID string
		name string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "text [content]",
		Short: "Ingest inline text (reads stdin when no argument or \"-\")",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) == 1 && args[0] != "-" {
				text = args[0]
			} else {
				raw, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(raw)
			}

			c := api()
			receipt, err := c.IngestText(cmd.Context(), client.TextSubmission{
				Text:     text,
				KBID:     kbID,
				Filename: name,
			})
			if err != nil {
				return err
			}
			return finishIngest(cmd.Context(), c, receipt, "text", wait)
		},
	}
	cmd.Flags().StringVar(&kbID, "kb", "", "target knowledge base id (default: your default base)")
	cmd.Flags().StringVar(&name, "name", "", "display name for the note")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for processing to finish")
	return cmd
}

func newIngestURLCmd() *cobra.Command {
	var (
		kbID string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "url <url>",
		Short: "Fetch a web page and ingest its main content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := api()
			receipt, err := c.IngestURL(cmd.Context(), args[0], kbID)
			if err != nil {
				return err
			}
			return finishIngest(cmd.Context(), c, receipt, args[0], wait)
		},
	}
	cmd.Flags().StringVar(&kbID, "kb", "", "target knowledge base id")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for processing to finish")
	return cmd
}

func newIngestFileCmd() *cobra.Command {
	var (
		kbID string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "file <path>...",
		Short: "Upload one or more files (pdf, docx, xlsx, pptx, ipynb, epub, zip, source code, ...)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ingestPaths(cmd.Context(), args, kbID, wait, func(ctx context.Context, c *client.Client, name string, r io.Reader) (*client.IngestReceipt, error) {
				return c.IngestFile(ctx, kbID, name, r)
			})
		},
	}
	cmd.Flags().StringVar(&kbID, "kb", "", "target knowledge base id")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for processing to finish")
	return cmd
}

func newIngestImageCmd() *cobra.Command {
	var (
		kbID string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "image <path>...",
		Short: "Upload images; extracted text becomes the document body",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ingestPaths(cmd.Context(), args, kbID, wait, func(ctx context.Context, c *client.Client, name string, r io.Reader) (*client.IngestReceipt, error) {
				return c.IngestImage(ctx, kbID, name, r)
			})
		},
	}
	cmd.Flags().StringVar(&kbID, "kb", "", "target knowledge base id")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for processing to finish")
	return cmd
}

type uploadFunc func(ctx context.Context, c *client.Client, name string, r io.Reader) (*client.IngestReceipt, error)

// ingestPaths uploads each path and optionally follows the pipeline
// jobs. Several files waited on together share one multi-bar display.
func ingestPaths(ctx context.Context, paths []string, kbID string, wait bool, upload uploadFunc) error {
	c := api()

	receipts := make([]*client.IngestReceipt, 0, len(paths))
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		receipt, err := upload(ctx, c, filepath.Base(path), f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		receipts = append(receipts, receipt)
		if !wait {
			if outputJSON {
				if err := printJSON(receipt); err != nil {
					return err
				}
				continue
			}
			success("queued %s (doc %d, job %s)", path, receipt.DocID, receipt.JobID)
		}
	}
	if !wait {
		return nil
	}
	if len(receipts) == 1 {
		return finishIngest(ctx, c, receipts[0], paths[0], true)
	}
	return awaitBatch(ctx, c, paths, receipts)
}

// finishIngest reports the receipt and, when asked, follows the job to
// a terminal state with a progress bar.
func finishIngest(ctx context.Context, c *client.Client, receipt *client.IngestReceipt, label string, wait bool) error {
	if !wait {
		if outputJSON {
			return printJSON(receipt)
		}
		success("queued %s (doc %d, job %s)", label, receipt.DocID, receipt.JobID)
		info("follow with: mindvault jobs watch %s", receipt.JobID)
		return nil
	}

	var bar *progressbar.ProgressBar
	if !outputJSON && isTerminal() {
		bar = progressbar.NewOptions64(100,
			progressbar.OptionSetWidth(50),
			progressbar.OptionSetDescription(truncate(label, 30)),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprint(os.Stderr, "\n")
			}),
			progressbar.OptionSetRenderBlankState(true),
		)
	}

	job, err := c.AwaitJob(ctx, receipt.JobID, 500*time.Millisecond, func(j *client.Job) {
		if bar != nil {
			_ = bar.Set64(int64(j.Progress.Percent))
			if j.Progress.Message != "" {
				bar.Describe(truncate(j.Progress.Message, 30))
			}
		}
	})
	if err != nil {
		return err
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return reportJob(job, receipt)
}

// awaitBatch follows several jobs at once, one bar per file.
func awaitBatch(ctx context.Context, c *client.Client, paths []string, receipts []*client.IngestReceipt) error {
	var progress *mpb.Progress
	if !outputJSON && isTerminal() {
		progress = mpb.New(mpb.WithWidth(64))
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := make([]*client.Job, len(receipts))
	for i := range receipts {
		i := i
		var bar *mpb.Bar
		if progress != nil {
			name := truncate(filepath.Base(paths[i]), 24)
			bar = progress.AddBar(100,
				mpb.PrependDecorators(
					decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR}),
				),
				mpb.AppendDecorators(
					decor.Percentage(decor.WC{W: 5}),
					decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 10}),
				),
			)
		}
		g.Go(func() error {
			job, err := c.AwaitJob(gctx, receipts[i].JobID, 500*time.Millisecond, func(j *client.Job) {
				if bar != nil {
					bar.SetCurrent(int64(j.Progress.Percent))
				}
			})
			if err != nil {
				return err
			}
			if bar != nil {
				bar.SetCurrent(100)
			}
			jobs[i] = job
			return nil
		})
	}
	err := g.Wait()
	if progress != nil {
		progress.Wait()
	}
	if err != nil {
		return err
	}

	failed := 0
	for i, job := range jobs {
		if rerr := reportJob(job, receipts[i]); rerr != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(jobs))
	}
	return nil
}

// reportJob prints the terminal job state. A FAILURE becomes the
// command's error.
func reportJob(job *client.Job, receipt *client.IngestReceipt) error {
	if outputJSON {
		return printJSON(job)
	}
	if job.State == client.JobSuccess {
		success("document %d processed", receipt.DocID)
		return nil
	}
	return fmt.Errorf("document %d failed: %s", receipt.DocID, job.Error)
}
