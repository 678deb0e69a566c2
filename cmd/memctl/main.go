// Package main is the memctl command, an operator CLI for per-book tutoring
// memory logs.
//
// memctl appends and reads records of a book's streams, writes unit
// summaries, runs id/time lookups, rebuilds index files, and snapshots a
// book directory into git. Configuration is read from CLI flags and an
// optional YAML file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/JinBoatus1/AI-tutor/internal/gitlog"
	"github.com/JinBoatus1/AI-tutor/internal/memory"
	"github.com/JinBoatus1/AI-tutor/internal/watch"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const usageText = `Usage: memctl [flags] <command> [args]

Commands:
  write <address> <content>     Append a record to a stream
  read <address>                Print every record of a stream
  summary <address> <text>      Append a summary record to a unit
  latest-summary <address>      Print a unit's most recent summary
  get <id>                      Look up one record anywhere in the book
  query                         Look up records by time window (see query flags)
  rebuild-index [address]       Rebuild a unit index, or the global index
  snapshot                      Commit the book directory to git
`

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "memctl: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", "memctl.yaml", "Path to YAML config file")
	root := flag.String("root", "", "Storage root directory (overrides config)")
	book := flag.String("book", "", "Book id (overrides config)")
	fsync := flag.Bool("fsync", false, "Fsync every append before reporting success")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	follow := flag.Bool("follow", false, "With read: keep the stream open and print new records as they arrive")
	stream := flag.String("stream", "", `With query/rebuild-index: "events" or "summary"`)
	since := flag.String("since", "", "With query: window start, RFC 3339")
	until := flag.String("until", "", "With query: window end, RFC 3339")
	addr := flag.String("address", "", "With query: restrict to one unit address")
	limit := flag.Int("limit", 0, "With query: cap the number of records (0 = no cap)")
	sources := flag.String("sources", "", "With summary: comma-separated source record ids")
	message := flag.String("m", "", "With snapshot: commit message")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usageText, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		printVersion()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	if err := ll.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", *logLevel)
	}
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)

	explicitConfig := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicitConfig = true
		}
	})
	cfg, err := loadConfig(*configPath, explicitConfig)
	if err != nil {
		return err
	}
	if *root != "" {
		cfg.Root = *root
	}
	if *book != "" {
		cfg.Book = *book
	}
	if *fsync {
		cfg.Fsync = true
	}
	if cfg.Root == "" {
		cfg.Root = "./data"
	}
	if cfg.Book == "" {
		return fmt.Errorf("no book id; pass -book or set it in the config file")
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("missing command")
	}

	var opts []memory.Option
	if cfg.Fsync {
		opts = append(opts, memory.WithSync())
	}
	m, err := memory.Open(cfg.Root, cfg.Book, opts...)
	if err != nil {
		return err
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "write":
		if len(rest) != 2 {
			return fmt.Errorf("usage: memctl write <address> <content>")
		}
		if err := checkStatus(m.Write(rest[0], rest[1])); err != nil {
			return err
		}
		return autoSnapshot(ctx, cfg, m.BookDir(), fmt.Sprintf("write %s", rest[0]))
	case "read":
		if len(rest) != 1 {
			return fmt.Errorf("usage: memctl read <address>")
		}
		if *follow {
			return watch.Tail(ctx, m, rest[0], printRecord)
		}
		st, recs := m.Read(rest[0])
		if st == memory.NotFound {
			return nil
		}
		if err := checkStatus(st); err != nil {
			return err
		}
		for _, rec := range recs {
			printRecord(rec)
		}
		return nil
	case "summary":
		if len(rest) != 2 {
			return fmt.Errorf("usage: memctl summary <address> <text>")
		}
		var ids []string
		if *sources != "" {
			ids = strings.Split(*sources, ",")
		}
		if err := checkStatus(m.WriteSummary(rest[0], rest[1], ids)); err != nil {
			return err
		}
		return autoSnapshot(ctx, cfg, m.BookDir(), fmt.Sprintf("summarize %s", rest[0]))
	case "latest-summary":
		if len(rest) != 1 {
			return fmt.Errorf("usage: memctl latest-summary <address>")
		}
		st, rec := m.LatestSummary(rest[0])
		if err := checkStatus(st); err != nil {
			return err
		}
		printRecord(*rec)
		return nil
	case "get":
		if len(rest) != 1 {
			return fmt.Errorf("usage: memctl get <id>")
		}
		st, rec := m.GetByID(rest[0])
		if err := checkStatus(st); err != nil {
			return err
		}
		printRecord(*rec)
		return nil
	case "query":
		if len(rest) != 0 {
			return fmt.Errorf("usage: memctl query [-since t] [-until t] [-address a] [-stream s] [-limit n]")
		}
		q := memory.TimeQuery{Address: *addr, Stream: *stream, Limit: *limit}
		if q.Start, err = parseTimeFlag(*since); err != nil {
			return err
		}
		if q.End, err = parseTimeFlag(*until); err != nil {
			return err
		}
		st, recs := m.QueryByTime(q)
		if err := checkStatus(st); err != nil {
			return err
		}
		for _, rec := range recs {
			printRecord(rec)
		}
		return nil
	case "rebuild-index":
		var st memory.Status
		switch len(rest) {
		case 0:
			st = m.RebuildGlobalIndex()
		case 1:
			st = m.RebuildUnitIndex(rest[0], *stream)
		default:
			return fmt.Errorf("usage: memctl rebuild-index [address]")
		}
		return checkStatus(st)
	case "snapshot":
		msg := *message
		if msg == "" {
			msg = "memctl snapshot"
		}
		l, err := gitlog.Open(m.BookDir())
		if err != nil {
			return err
		}
		hash, err := l.Snapshot(ctx, msg)
		if err != nil {
			return err
		}
		if hash == "" {
			slog.Info("nothing to snapshot")
			return nil
		}
		fmt.Println(hash)
		return nil
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// checkStatus converts a non-OK store status into a process error.
func checkStatus(st memory.Status) error {
	if st != memory.OK {
		return fmt.Errorf("status %s", st)
	}
	return nil
}

func printRecord(rec memory.Record) {
	b, err := json.Marshal(&rec)
	if err != nil {
		slog.Error("failed to encode record", "id", rec.ID, "err", err)
		return
	}
	fmt.Println(string(b))
}

func parseTimeFlag(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (want RFC 3339): %w", v, err)
	}
	return t, nil
}

// autoSnapshot commits the book directory after a mutation when the config
// asks for it.
func autoSnapshot(ctx context.Context, cfg *config, dir, msg string) error {
	if !cfg.AutoSnapshot {
		return nil
	}
	l, err := gitlog.Open(dir)
	if err != nil {
		return err
	}
	if _, err := l.Snapshot(ctx, msg); err != nil {
		return err
	}
	return nil
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("memctl %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
