package plugins

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// ErrMalformed marks a record whose payload cannot be parsed for its
// collection. Callers drop such records instead of retrying them.
var ErrMalformed = errors.New("malformed record")

// RecordContext carries one record through a plugin call.
type RecordContext struct {
	URI        string
	CID        string
	DID        string
	Collection string
	RKey       string
	Record     json.RawMessage
	IndexedAt  time.Time
}

// Plugin maintains the typed table, aggregates and notifications for one
// collection. All methods run inside the caller's transaction so the typed
// rows commit or roll back together with the generic record row.
type Plugin interface {
	Collection() string
	Insert(ctx context.Context, tx *sql.Tx, rc RecordContext) error
	Update(ctx context.Context, tx *sql.Tx, rc RecordContext) error
	Delete(ctx context.Context, tx *sql.Tx, uri string) error
}

// Registry maps collection NSIDs to plugins. Records from collections with
// no plugin still land in the generic record table; they just have no typed
// projection.
type Registry struct {
	byCollection map[string]Plugin
}

func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{byCollection: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		r.byCollection[p.Collection()] = p
	}
	return r
}

// Default returns a registry with every built-in plugin.
func Default() *Registry {
	return NewRegistry(
		&Post{},
		&Like{},
		&Repost{},
		&Follow{},
		&Block{},
		&Profile{},
		&List{},
		&ListItem{},
		&StarterPack{},
		&FeedGenerator{},
	)
}

func (r *Registry) Get(collection string) (Plugin, bool) {
	p, ok := r.byCollection[collection]
	return p, ok
}

func (r *Registry) Collections() []string {
	out := make([]string, 0, len(r.byCollection))
	for c := range r.byCollection {
		out = append(out, c)
	}
	return out
}
