package client

import (
	"context"
	"net/http"
	"strconv"
)

// KnowledgeBases lists the caller's knowledge bases.
func (c *Client) KnowledgeBases(ctx context.Context) ([]*KnowledgeBase, error) {
	var out struct {
		KnowledgeBases []*KnowledgeBase `json:"knowledge_bases"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/kbs", nil, &out); err != nil {
		return nil, err
	}
	return out.KnowledgeBases, nil
}

// CreateKnowledgeBase creates a named knowledge base.
func (c *Client) CreateKnowledgeBase(ctx context.Context, name string) (*KnowledgeBase, error) {
	body := struct {
		Name string `json:"name"`
	}{Name: name}
	var kb KnowledgeBase
	if err := c.doJSON(ctx, http.MethodPost, "/v1/kbs", body, &kb); err != nil {
		return nil, err
	}
	return &kb, nil
}

// RenameKnowledgeBase changes a base's display name.
func (c *Client) RenameKnowledgeBase(ctx context.Context, kbID, name string) error {
	body := struct {
		Name string `json:"name"`
	}{Name: name}
	return c.doJSON(ctx, http.MethodPatch, "/v1/kbs/"+kbID, body, nil)
}

// DeleteKnowledgeBase removes an empty, non-default base.
func (c *Client) DeleteKnowledgeBase(ctx context.Context, kbID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/kbs/"+kbID, nil, nil)
}

// Documents lists documents, optionally scoped to one base. limit and
// offset page through large collections; zero values mean the server
// defaults.
func (c *Client) Documents(ctx context.Context, kbID string, limit, offset int) ([]*Document, error) {
	path := "/v1/documents" + query(
		"kb_id", kbID,
		"limit", positive(limit),
		"offset", positive(offset),
	)
	var out struct {
		Documents []*Document `json:"documents"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

// Document fetches one document by id.
func (c *Client) Document(ctx context.Context, docID int64) (*Document, error) {
	var doc Document
	path := "/v1/documents/" + strconv.FormatInt(docID, 10)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteDocument removes a document and everything derived from it.
func (c *Client) DeleteDocument(ctx context.Context, docID int64) error {
	path := "/v1/documents/" + strconv.FormatInt(docID, 10)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// Clusters lists concept clusters, optionally scoped to one base.
func (c *Client) Clusters(ctx context.Context, kbID string) ([]*Cluster, error) {
	var out struct {
		Clusters []*Cluster `json:"clusters"`
	}
	path := "/v1/clusters" + query("kb_id", kbID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Clusters, nil
}

func positive(n int) string {
	if n <= 0 {
		return ""
	}
	return strconv.Itoa(n)
}
