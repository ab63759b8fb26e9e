package client

import (
	"context"
	"io"
	"net/http"
)

// TextSubmission is inline text to ingest.
type TextSubmission struct {
	Text     string `json:"text"`
	KBID     string `json:"kb_id,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// IngestText submits inline text. The returned receipt's job can be
// polled with Job or AwaitJob.
func (c *Client) IngestText(ctx context.Context, sub TextSubmission) (*IngestReceipt, error) {
	var receipt IngestReceipt
	if err := c.doJSON(ctx, http.MethodPost, "/v1/ingest/text", sub, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// IngestURL submits a single http(s) URL for fetching and extraction.
func (c *Client) IngestURL(ctx context.Context, rawURL, kbID string) (*IngestReceipt, error) {
	body := struct {
		URL  string `json:"url"`
		KBID string `json:"kb_id,omitempty"`
	}{URL: rawURL, KBID: kbID}
	var receipt IngestReceipt
	if err := c.doJSON(ctx, http.MethodPost, "/v1/ingest/url", body, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// IngestFile streams one file as a multipart upload. The server
// detects the format from the filename extension.
func (c *Client) IngestFile(ctx context.Context, kbID, filename string, r io.Reader) (*IngestReceipt, error) {
	return c.upload(ctx, "/v1/ingest/file", kbID, filename, r)
}

// IngestImage streams one image for text extraction. The original
// bytes are retained server-side.
func (c *Client) IngestImage(ctx context.Context, kbID, filename string, r io.Reader) (*IngestReceipt, error) {
	return c.upload(ctx, "/v1/ingest/image", kbID, filename, r)
}
