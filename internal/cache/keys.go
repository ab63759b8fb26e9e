package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Namespace groups cache keys by the read path they serve. Each
// namespace carries its own TTL and is invalidated as a unit when the
// underlying knowledge base changes.
type Namespace string

const (
	NamespaceSearch      Namespace = "search"
	NamespaceAnalytics   Namespace = "analytics"
	NamespaceSuggestions Namespace = "build_suggestions"
)

// TTL returns how long entries in the namespace stay fresh.
func (n Namespace) TTL() time.Duration {
	switch n {
	case NamespaceAnalytics:
		return 10 * time.Minute
	case NamespaceSuggestions:
		return 30 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// Key builds a cache key scoped to one user and knowledge base. The
// variable parts (query text, parameters) are hashed so keys stay short
// and never leak user content into key listings.
func Key(ns Namespace, owner, kbID string, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return KBPrefix(ns, owner, kbID) + hex.EncodeToString(h[:16])
}

// OwnerKey builds a cache key scoped to one user across knowledge
// bases. Analytics keys live here: the overview rolls up every KB the
// user owns.
func OwnerKey(ns Namespace, owner string, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return OwnerPrefix(ns, owner) + hex.EncodeToString(h[:16])
}

// KBPrefix is the shared prefix of every key in one namespace for one
// knowledge base. Invalidation deletes by this prefix.
func KBPrefix(ns Namespace, owner, kbID string) string {
	return OwnerPrefix(ns, owner) + kbID + ":"
}

// OwnerPrefix is the shared prefix of every key in one namespace for
// one user.
func OwnerPrefix(ns Namespace, owner string) string {
	return string(ns) + ":" + owner + ":"
}

// GetJSON reads a cached value and unmarshals it into out.
func GetJSON(ctx context.Context, c Client, key string, out interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// SetJSON marshals v and stores it under key. Marshal failures are
// returned; cache write failures are the caller's to log and ignore.
func SetJSON(ctx context.Context, c Client, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

// Invalidator drops derived reads when their source data changes.
type Invalidator struct {
	cache Client
}

// NewInvalidator creates an invalidator over the given cache.
func NewInvalidator(c Client) *Invalidator {
	return &Invalidator{cache: c}
}

// KnowledgeBaseChanged removes every cached read derived from the
// knowledge base: searches, analytics, and build suggestions. Called
// after ingest commits and after document deletes.
func (i *Invalidator) KnowledgeBaseChanged(ctx context.Context, owner, kbID string) error {
	for _, ns := range []Namespace{NamespaceSearch, NamespaceSuggestions} {
		if err := i.cache.DeleteByPrefix(ctx, KBPrefix(ns, owner, kbID)); err != nil {
			return err
		}
	}
	// Analytics roll up across knowledge bases, so any change drops the
	// owner's whole namespace.
	return i.cache.DeleteByPrefix(ctx, OwnerPrefix(NamespaceAnalytics, owner))
}
