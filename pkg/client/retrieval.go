package client

import (
	"context"
	"net/http"
)

// Query asks a question over the caller's notes and returns a grounded
// answer with citations. topK bounds the retrieved context; zero means
// the server default.
func (c *Client) Query(ctx context.Context, question, kbID string, topK int) (*Answer, error) {
	body := struct {
		Question string `json:"question"`
		KBID     string `json:"kb_id,omitempty"`
		TopK     int    `json:"top_k,omitempty"`
	}{Question: question, KBID: kbID, TopK: topK}
	var ans Answer
	if err := c.doJSON(ctx, http.MethodPost, "/v1/query", body, &ans); err != nil {
		return nil, err
	}
	return &ans, nil
}

// Search runs hybrid retrieval without answer synthesis.
func (c *Client) Search(ctx context.Context, q, kbID string, topK int) (*SearchResponse, error) {
	body := struct {
		Query string `json:"query"`
		KBID  string `json:"kb_id,omitempty"`
		TopK  int    `json:"top_k,omitempty"`
	}{Query: q, KBID: kbID, TopK: topK}
	var resp SearchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/search", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Suggestions proposes projects buildable from the knowledge base.
// max bounds the list; zero means the server default.
func (c *Client) Suggestions(ctx context.Context, kbID string, max int) ([]*Suggestion, error) {
	path := "/v1/suggestions" + query(
		"kb_id", kbID,
		"max", positive(max),
	)
	var out struct {
		Suggestions []*Suggestion `json:"suggestions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Suggestions, nil
}

// SaveIdea persists a suggestion so it survives regeneration.
func (c *Client) SaveIdea(ctx context.Context, kbID string, s *Suggestion) (*Idea, error) {
	body := struct {
		KBID       string      `json:"kb_id,omitempty"`
		Suggestion *Suggestion `json:"suggestion"`
	}{KBID: kbID, Suggestion: s}
	var idea Idea
	if err := c.doJSON(ctx, http.MethodPost, "/v1/ideas", body, &idea); err != nil {
		return nil, err
	}
	return &idea, nil
}

// Ideas lists saved ideas, optionally filtered by status ("suggested",
// "saved", "dismissed", "completed").
func (c *Client) Ideas(ctx context.Context, kbID, status string) ([]*Idea, error) {
	path := "/v1/ideas" + query(
		"kb_id", kbID,
		"status", status,
	)
	var out struct {
		Ideas []*Idea `json:"ideas"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Ideas, nil
}

// UpdateIdeaStatus moves a saved idea through its lifecycle.
func (c *Client) UpdateIdeaStatus(ctx context.Context, ideaID, status string) error {
	body := struct {
		Status string `json:"status"`
	}{Status: status}
	return c.doJSON(ctx, http.MethodPatch, "/v1/ideas/"+ideaID, body, nil)
}
