// Command prepdocs walks files and directories and ingests every supported
// document into the goprep store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/goprep"
	"github.com/brunobiangulo/goprep/parser"
)

func main() {
	configPath := flag.String("config", "goprep.yaml", "Path to config file (YAML)")
	dryRun := flag.Bool("dry-run", false, "Parse only and print pages as JSON lines")
	force := flag.Bool("force", false, "Re-ingest documents whose content is unchanged")
	concurrency := flag.Int("concurrency", 0, "Documents processed at once (default from config)")
	localOnly := flag.Bool("local-only", false, "Never call the recognition service for PDFs")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: prepdocs [flags] <file-or-dir>...\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := goprep.LoadConfig(*configPath)
	if err != nil {
		log.Error("loading config", "error", err)
		os.Exit(1)
	}
	if *concurrency > 0 {
		cfg.Concurrency = *concurrency
	}
	if *localOnly {
		cfg.PDF.LocalOnly = true
	}

	opts := []goprep.Option{goprep.WithLogger(log)}
	if *dryRun {
		opts = append(opts, goprep.WithoutStore())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := goprep.New(ctx, cfg, opts...)
	if err != nil {
		log.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	files, err := collectFiles(flag.Args(), engine.Formats())
	if err != nil {
		log.Error("collecting files", "error", err)
		os.Exit(1)
	}
	log.Info("prepdocs: starting", "files", len(files), "concurrency", cfg.Concurrency, "dry_run", *dryRun)

	r := &runner{engine: engine, log: log, out: json.NewEncoder(os.Stdout), force: *force}
	failed := r.run(ctx, files, cfg.Concurrency, *dryRun)

	log.Info("prepdocs: done", "files", len(files), "failed", failed)
	if failed > 0 {
		os.Exit(1)
	}
}

type runner struct {
	engine goprep.Engine
	log    *slog.Logger
	force  bool

	mu  sync.Mutex
	out *json.Encoder
}

// run processes files with at most limit in flight. A failed document is
// logged and counted; it does not stop the others.
func (r *runner) run(ctx context.Context, files []string, limit int, dryRun bool) int {
	var failed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, path := range files {
		g.Go(func() error {
			var err error
			if dryRun {
				err = r.parse(ctx, path)
			} else {
				err = r.ingest(ctx, path)
			}
			if err != nil {
				failed.Add(1)
				r.log.Error("prepdocs: document failed", "file", path, "error", err)
			}
			return nil
		})
	}
	g.Wait()
	return int(failed.Load())
}

func (r *runner) ingest(ctx context.Context, path string) error {
	var opts []goprep.IngestOption
	if r.force {
		opts = append(opts, goprep.WithForceReparse())
	}
	id, err := r.engine.Ingest(ctx, path, opts...)
	if err != nil {
		return err
	}
	r.log.Info("prepdocs: ingested", "file", path, "doc_id", id)
	return nil
}

// parse prints one JSON line per page.
func (r *runner) parse(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := r.engine.Parse(ctx, path, f)
	if err != nil {
		return err
	}

	type pageLine struct {
		Document string `json:"document"`
		Mode     string `json:"mode"`
		Citation string `json:"citation"`
		*parser.Page
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range res.Pages {
		if err := r.out.Encode(pageLine{
			Document: res.Document,
			Mode:     res.Mode,
			Citation: parser.Citation(res.Document, p.PageNum),
			Page:     p,
		}); err != nil {
			return err
		}
	}
	return nil
}

// collectFiles expands directories recursively and keeps files whose
// extension is in formats. Explicitly named files are kept regardless so
// an unsupported one is reported instead of silently skipped.
func collectFiles(args []string, formats []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != arg && d.Name()[0] == '.' {
					return filepath.SkipDir
				}
				return nil
			}
			if slices.Contains(formats, parser.FormatOf(path)) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}
