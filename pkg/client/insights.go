package client

import (
	"context"
	"net/http"
)

// Usage returns the caller's consumption against plan limits for the
// current billing period.
func (c *Client) Usage(ctx context.Context) (*Usage, error) {
	var u Usage
	if err := c.doJSON(ctx, http.MethodGet, "/v1/usage", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Overview returns aggregate statistics across all the caller's
// knowledge bases.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var o Overview
	if err := c.doJSON(ctx, http.MethodGet, "/v1/analytics/overview", nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}
