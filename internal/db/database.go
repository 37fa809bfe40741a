package db

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Options configures a Database
type Options struct {
	// Namespace is appended to the database name. A new namespace starts
	// from empty collections on a persistent backend.
	Namespace string
	// Backend persists collections. nil keeps everything in memory.
	Backend Backend
	// SubscriptionBuffer is the default bound of change subscriptions (0 = unbounded)
	SubscriptionBuffer int
	Logger             *slog.Logger
}

// Database groups the collections of one application
type Database struct {
	name   string
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	collections map[string]*Collection
	closed      bool
}

// NewDatabase creates a database. Collections are opened on first use.
func NewDatabase(name string, opts Options) (*Database, error) {
	if name == "" || strings.ContainsAny(name, ".:\x00") {
		return nil, fmt.Errorf("invalid database name %q", name)
	}
	if opts.Namespace != "" {
		name = name + "-" + opts.Namespace
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Database{
		name:        name,
		opts:        opts,
		logger:      logger,
		collections: make(map[string]*Collection),
	}, nil
}

// Name returns the database name including the namespace
func (d *Database) Name() string {
	return d.name
}

// Collection returns the named collection, opening it if needed
func (d *Database) Collection(name string) (*Collection, error) {
	if name == "" || strings.ContainsAny(name, ".:\x00") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if c, ok := d.collections[name]; ok {
		return c, nil
	}

	c, err := NewCollection(d.name+"."+name, CollectionOptions{
		Backend:            d.opts.Backend,
		SubscriptionBuffer: d.opts.SubscriptionBuffer,
		Logger:             d.logger,
	})
	if err != nil {
		return nil, err
	}
	d.collections[name] = c
	d.logger.Info("Collection opened", "database", d.name, "collection", name, "seq", c.Seq())
	return c, nil
}

// Collections returns the names of the open collections, sorted
func (d *Database) Collections() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.collections))
	for name := range d.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every collection. The backend is owned by the caller.
func (d *Database) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, c := range d.collections {
		c.Close()
	}
}
