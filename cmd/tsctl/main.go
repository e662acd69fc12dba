package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/cybersemics/thoughtspace/pkg/config"
	"github.com/cybersemics/thoughtspace/pkg/crdt"
	"github.com/cybersemics/thoughtspace/pkg/doclog"
	"github.com/cybersemics/thoughtspace/pkg/docname"
	"github.com/cybersemics/thoughtspace/pkg/kvstore"
	"github.com/cybersemics/thoughtspace/pkg/logger"
	"github.com/cybersemics/thoughtspace/pkg/provider"
	"github.com/cybersemics/thoughtspace/pkg/replication"
	"github.com/cybersemics/thoughtspace/pkg/viz"
)

const TsctlVersion = "0.1.0"

const usage = `Thoughtspace control.

Usage:
    tsctl log [--url=<url>] --token=<token> [--lexemes] [--delete] [--settle=<settle>] [-v] <tsid> <id>...
    tsctl replicate [--url=<url>] --token=<token> [--store=<dsn>] [--count=<count>] [-v] <tsid>
    tsctl cursors [--store=<dsn>] <tsid>
    tsctl inspect [--store=<dsn>] <name>
    tsctl render [--store=<dsn>] [--out=<out>] [--path=<key>] <name>
    tsctl -h | --help
    tsctl --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    -v                 Log debug output to stderr.
    --url=<url>        Server websocket url [default: ws://localhost:8080].
    --token=<token>    Access token of the space.
    --lexemes          Log lexeme entries instead of thought entries.
    --delete           Log deletes instead of updates.
    --settle=<settle>  How long to keep syncing after logging [default: 500ms].
    --store=<dsn>      Store dsn [default: sqlite:thoughtspace.db].
    --count=<count>    Exit after this many replicated entries.
    --out=<out>        Output svg path, a temp file when omitted.
    --path=<key>       Root key whose value labels each change.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], TsctlVersion)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	verbose, _ := opts.Bool("-v")
	level := "warn"
	if verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Config{Level: level})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	commands := []struct {
		name string
		run  func(context.Context, docopt.Opts) error
	}{
		{"log", logEntries},
		{"replicate", replicate},
		{"cursors", cursors},
		{"inspect", inspect},
		{"render", render},
	}
	for _, command := range commands {
		if selected, _ := opts.Bool(command.name); selected {
			err = command.run(ctx, opts)
			break
		}
	}
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func openLog(ctx context.Context, opts docopt.Opts) (*doclog.Log, *provider.Loader, error) {
	url, _ := opts.String("--url")
	token, _ := opts.String("--token")
	tsid, _ := opts.String("<tsid>")
	loader := provider.NewLoader(url, token, provider.Options{})
	l, err := doclog.Open(ctx, tsid, loader, doclog.Options{})
	if err != nil {
		loader.Close()
		return nil, nil, err
	}
	return l, loader, nil
}

// logEntries appends entries the way an editing client does, through a controller
// whose own writes are never replicated back to it.
func logEntries(ctx context.Context, opts docopt.Opts) error {
	settleStr, _ := opts.String("--settle")
	settle, err := time.ParseDuration(settleStr)
	if err != nil {
		return fmt.Errorf("invalid --settle: %w", err)
	}
	l, loader, err := openLog(ctx, opts)
	if err != nil {
		return err
	}
	defer loader.Close()
	defer l.Close()

	controller, err := replication.New(replication.Options{
		Log:     l,
		Next:    func(context.Context, replication.Item) error { return nil },
		Storage: kvstore.NewMemory(),
	})
	if err != nil {
		return err
	}

	ids, _ := opts["<id>"].([]string)
	entries := make([]doclog.Entry, len(ids))
	deleting, _ := opts.Bool("--delete")
	for i, id := range ids {
		if deleting {
			entries[i] = doclog.Delete(id)
		} else {
			entries[i] = doclog.Update(id)
		}
	}
	var thoughts, lexemes []doclog.Entry
	if lex, _ := opts.Bool("--lexemes"); lex {
		lexemes = entries
	} else {
		thoughts = entries
	}
	if err := controller.Log(ctx, thoughts, lexemes); err != nil {
		return err
	}
	slog.Info("logged entries", "count", len(entries), "block", l.ActiveBlock())

	select {
	case <-time.After(settle):
	case <-ctx.Done():
	}
	return nil
}

// replicate prints every entry appended by other clients, one JSON object per line.
func replicate(ctx context.Context, opts docopt.Opts) error {
	limit := 0
	if countStr, _ := opts.String("--count"); countStr != "" {
		if _, err := fmt.Sscanf(countStr, "%d", &limit); err != nil {
			return fmt.Errorf("invalid --count: %w", err)
		}
	}
	store, err := openStore(opts)
	if err != nil {
		return err
	}
	defer store.Close()

	l, loader, err := openLog(ctx, opts)
	if err != nil {
		return err
	}
	defer loader.Close()
	defer l.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var seen atomic.Int64
	enc := json.NewEncoder(os.Stdout)
	controller, err := replication.New(replication.Options{
		Log:         l,
		Concurrency: 1,
		Storage:     store,
		Next: func(_ context.Context, item replication.Item) error {
			if err := enc.Encode(item); err != nil {
				return err
			}
			if limit > 0 && seen.Add(1) >= int64(limit) {
				cancel()
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	return controller.Run(ctx)
}

func openStore(opts docopt.Opts) (kvstore.Store, error) {
	dsn, _ := opts.String("--store")
	if v := strings.TrimSpace(os.Getenv(config.StoreDSNEnv)); v != "" {
		dsn = v
	}
	return kvstore.Open(dsn)
}

func cursors(ctx context.Context, opts docopt.Opts) error {
	store, err := openStore(opts)
	if err != nil {
		return err
	}
	defer store.Close()
	tsid, _ := opts.String("<tsid>")
	cs, err := replication.LoadCursors(ctx, store, tsid)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cs)
}

func loadStored(ctx context.Context, opts docopt.Opts) (*crdt.Doc, string, error) {
	name, _ := opts.String("<name>")
	if _, err := docname.ParseStrict(name); err != nil {
		return nil, "", err
	}
	store, err := openStore(opts)
	if err != nil {
		return nil, "", err
	}
	defer store.Close()
	chunks, err := store.GetDocument(ctx, name)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(chunks) == 0 {
		return nil, "", fmt.Errorf("%s: %w", name, kvstore.ErrNotFound)
	}
	doc, err := crdt.Load("", chunks...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load doc: %w", err)
	}
	return doc, name, nil
}

func inspect(ctx context.Context, opts docopt.Opts) error {
	doc, name, err := loadStored(ctx, opts)
	if err != nil {
		return err
	}
	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	fork, err := doc.Fork()
	if err != nil {
		return err
	}
	fmt.Printf("document: %s\n", name)
	fmt.Printf("contents: %s\n", fork.RootMap().GoString())
	fmt.Printf("heads:    %v\n", doc.Heads())
	fmt.Printf("changes:  %d\n", len(changes))
	for i, change := range changes {
		fmt.Printf("%4d %s %s@%d deps=%v\n", i, change.Hash(), change.ActorID(), change.ActorSeq(), change.Dependencies())
	}
	return nil
}

func render(ctx context.Context, opts docopt.Opts) error {
	doc, name, err := loadStored(ctx, opts)
	if err != nil {
		return err
	}
	var path []interface{}
	if key, _ := opts.String("--path"); key != "" {
		path = append(path, key)
	}
	out, _ := opts.String("--out")
	if out == "" {
		if out, err = viz.RenderToTemp(doc, path...); err != nil {
			return err
		}
	} else if err := viz.RenderDocToSvg(doc, out, path...); err != nil {
		return err
	}
	fmt.Printf("rendered %s to file://%s\n", name, out)
	return nil
}
