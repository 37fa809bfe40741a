package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/skshohagmiah/livedoc/internal/db"
	"github.com/skshohagmiah/livedoc/internal/logging"
	"github.com/skshohagmiah/livedoc/pkg/client"
)

const (
	version = "1.0.0"
	banner  = `
╔═══════════════════════════════════════╗
║   livedoc - Reactive Document Store   ║
║   Version: %s                      ║
╚═══════════════════════════════════════╝
`
	defaultCollection = "heroes"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		fmt.Printf(banner, version)
		return
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	}

	if _, err := logging.Setup(os.Getenv("LIVEDOC_LOG_LEVEL")); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, env("LIVEDOC_NETWORK", "tcp"), env("LIVEDOC_ADDR", "127.0.0.1:7420"), client.DefaultOptions())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	heroes := c.Collection(env("LIVEDOC_COLLECTION", defaultCollection))
	if err := run(ctx, heroes, os.Args[1:], os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Printf("Error: %v\n", err)
		c.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, coll *client.Collection, args []string, out io.Writer) error {
	switch args[0] {
	case "add":
		if len(args) < 3 {
			return errors.New("usage: livedoc-cli add <name> <color>")
		}
		return runAdd(ctx, coll, args[1], args[2], out)

	case "list", "ls":
		return runList(ctx, coll, out)

	case "get":
		if len(args) < 2 {
			return errors.New("usage: livedoc-cli get <id>")
		}
		return runGet(ctx, coll, args[1], out)

	case "color":
		if len(args) < 3 {
			return errors.New("usage: livedoc-cli color <id> <color>")
		}
		return runColor(ctx, coll, args[1], args[2], out)

	case "remove", "rm":
		if len(args) < 2 {
			return errors.New("usage: livedoc-cli remove <id>")
		}
		return runRemove(ctx, coll, args[1], out)

	case "watch":
		if len(args) > 1 && args[1] == "--changes" {
			return runWatchChanges(ctx, coll, out)
		}
		return runWatch(ctx, coll, out)

	default:
		printUsage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, banner, version)
	fmt.Fprintln(w, `Usage: livedoc-cli <command> [arguments]

Commands:
  add <name> <color>       Add a hero
  list                     List heroes sorted by name
  get <id>                 Show one hero
  color <id> <color>       Change the color of a hero
  remove <id>              Remove a hero
  watch                    Show the hero list every time it changes
  watch --changes          Show change events as they happen
  version                  Show version information
  help                     Show this help message

Examples:
  livedoc-cli add Superman red
  livedoc-cli watch

Environment Variables:
  LIVEDOC_NETWORK          Host network: tcp or unix (default: tcp)
  LIVEDOC_ADDR             Host address (default: 127.0.0.1:7420)
  LIVEDOC_COLLECTION       Collection (default: heroes)
  LIVEDOC_LOG_LEVEL        Log level (default: info)`)
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func byName() db.Descriptor {
	return db.NewQueryBuilder().OrderByAsc("name").Build()
}

func runAdd(ctx context.Context, coll *client.Collection, name, color string, out io.Writer) error {
	doc, err := coll.Insert(ctx, db.Document{"name": name, "color": color})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Added %s (%s)\n", name, doc.ID())
	return nil
}

func runList(ctx context.Context, coll *client.Collection, out io.Writer) error {
	docs, err := coll.Find(ctx, byName())
	if err != nil {
		return err
	}
	printHeroes(out, docs)
	return nil
}

func runGet(ctx context.Context, coll *client.Collection, id string, out io.Writer) error {
	doc, err := coll.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("%w: %s", db.ErrNotFound, id)
	}
	printHeroes(out, []db.Document{doc})
	return nil
}

func runColor(ctx context.Context, coll *client.Collection, id, color string, out io.Writer) error {
	doc, err := coll.Update(ctx, id, func(doc db.Document) error {
		doc["color"] = color
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Updated %s to revision %d\n", id, doc.Rev())
	return nil
}

func runRemove(ctx context.Context, coll *client.Collection, id string, out io.Writer) error {
	if _, err := coll.Remove(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "Removed %s\n", id)
	return nil
}

// runWatch prints the sorted hero list on every change until ctx ends
func runWatch(ctx context.Context, coll *client.Collection, out io.Writer) error {
	handle, err := coll.Live(ctx, byName())
	if err != nil {
		return err
	}
	defer handle.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-handle.Snapshots():
			if !ok {
				return handle.Err()
			}
			fmt.Fprintf(out, "--- %d heroes (seq %d)\n", len(snap.Documents), snap.Seq)
			printHeroes(out, snap.Documents)
		}
	}
}

// runWatchChanges prints the change events written after it started
func runWatchChanges(ctx context.Context, coll *client.Collection, out io.Writer) error {
	since, err := coll.Seq(ctx)
	if err != nil {
		return err
	}

	feed, err := coll.Watch(ctx, since)
	if err != nil {
		return err
	}
	defer feed.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-feed.C():
			if !ok {
				return feed.Err()
			}
			origin := ev.Origin
			if origin == db.OriginLocal {
				origin = "local"
			}
			fmt.Fprintf(out, "#%d %s %s rev=%d origin=%s\n", ev.Seq, ev.Kind, ev.ID, ev.Rev, origin)
		}
	}
}

func printHeroes(out io.Writer, docs []db.Document) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCOLOR\tID\tREV")
	for _, doc := range docs {
		fmt.Fprintf(w, "%v\t%v\t%s\t%d\n", doc["name"], doc["color"], doc.ID(), doc.Rev())
	}
	w.Flush()
	if len(docs) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
}
