// Command sri-pipeline is the administrative control surface of the
// electronic invoicing pipeline: it creates and processes documents,
// resumes stuck ones, polls authorizations and manages sequence counters.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/repuestocontrol/sri/pkg/archive"
	"github.com/repuestocontrol/sri/pkg/comprobante"
	"github.com/repuestocontrol/sri/pkg/config"
	"github.com/repuestocontrol/sri/pkg/mailer"
	"github.com/repuestocontrol/sri/pkg/pipeline"
	"github.com/repuestocontrol/sri/pkg/ride"
	"github.com/repuestocontrol/sri/pkg/sequence"
	"github.com/repuestocontrol/sri/pkg/soap"
	"github.com/repuestocontrol/sri/pkg/store"
	"github.com/repuestocontrol/sri/pkg/xsd"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	ctx := context.Background()
	switch args[1] {
	case "process":
		return runProcess(ctx, args[2:], stdout, stderr)
	case "reprocess":
		return runReprocess(ctx, args[2:], stdout, stderr)
	case "poll":
		return runPoll(ctx, args[2:], stdout, stderr)
	case "reset-sequence":
		return runResetSequence(ctx, args[2:], stdout, stderr)
	case "pending":
		return runPending(ctx, args[2:], stdout, stderr)
	case "emitter":
		return runEmitter(ctx, args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: sri-pipeline <command>

Commands:
  process        -sale <ref> | -id <document-id>   run a document through the pipeline
  reprocess      -id <document-id>                 resume a document, regenerate artifacts
  poll           -id <document-id> | -all [-limit N]  authorization lookup, single or lote
  reset-sequence -estab 001 -point 001 [-doc 01] -next N
  pending        [-state RECEIVED] [-limit 20]     list documents in a state
  emitter        -save | -show                     manage the stored emitter configuration`)
}

// app holds the wired pipeline for one invocation.
type app struct {
	pipeline *pipeline.Pipeline
	store    *store.DocumentStore
	db       *sql.DB
}

func (a *app) Close() { _ = a.db.Close() }

func buildApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg := config.Load()
	setupLogging(stderr, cfg.LogLevel)

	db, dialect, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	emitter, err := loadEmitter(ctx, db, cfg.EmitterProfile)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	allocOpts := []sequence.Option{sequence.WithDialect(dialect)}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		allocOpts = append(allocOpts,
			sequence.WithCache(sequence.NewCache(redis.NewClient(opt), time.Minute)))
	}
	alloc, err := sequence.NewAllocator(db, allocOpts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	docs, err := store.NewDocumentStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	validator, err := xsd.NewValidator(cfg.SchemaDir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	soapCfg := cfg.SOAP
	soapCfg.Environment = emitter.Environment

	opts := []pipeline.Option{
		pipeline.WithValidator(validator),
		pipeline.WithRenderer(ride.NewRenderer(emitter)),
	}
	if cfg.SMTP.Host != "" {
		opts = append(opts, pipeline.WithMailer(
			mailer.New(cfg.SMTP, mailer.WithTemplate(emitter.EmailTemplate))))
	}
	if cfg.Archive.Enabled() {
		archiver, err := archive.NewS3Store(ctx, archive.Config{
			Bucket:   cfg.Archive.Bucket,
			Region:   cfg.Archive.Region,
			Endpoint: cfg.Archive.Endpoint,
			Prefix:   cfg.Archive.Prefix,
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		opts = append(opts, pipeline.WithArchiver(archiver))
	}

	p := pipeline.New(docs, alloc, emitter,
		soap.NewClient(soapCfg), newFileSaleSource(cfg.SalesDir), opts...)
	return &app{pipeline: p, store: docs, db: db}, nil
}

// loadEmitter prefers the administratively saved configuration row and
// falls back to the YAML profile.
func loadEmitter(ctx context.Context, db *sql.DB, profilePath string) (*comprobante.EmitterConfig, error) {
	es, err := store.NewEmitterStore(db)
	if err != nil {
		return nil, err
	}
	emitter, err := es.Load(ctx)
	if err == nil {
		return emitter, nil
	}
	if err != store.ErrNoEmitterConfig {
		return nil, err
	}
	return config.LoadEmitterProfile(profilePath)
}

func openDatabase(url string) (*sql.DB, sequence.Dialect, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, sequence.Postgres{}, nil
	}
	db, err := sql.Open("sqlite", url)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Serialize writers; SQLite has a single-writer lock anyway.
	db.SetMaxOpenConns(1)
	return db, sequence.SQLite{}, nil
}

func setupLogging(w io.Writer, level string) {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})))
}

func runProcess(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(stderr)
	saleRef := fs.String("sale", "", "sale reference to invoice")
	docID := fs.String("id", "", "existing document id to resume")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (*saleRef == "") == (*docID == "") {
		_, _ = fmt.Fprintln(stderr, "process: exactly one of -sale or -id is required")
		return 2
	}

	a, err := buildApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer a.Close()

	id := *docID
	if *saleRef != "" {
		doc, err := a.pipeline.CreateFromSale(ctx, *saleRef)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "error:", err)
			return 1
		}
		id = doc.ID
	}

	err = a.pipeline.Process(ctx, id)
	return report(ctx, a, id, err, stdout, stderr)
}

func runReprocess(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reprocess", flag.ContinueOnError)
	fs.SetOutput(stderr)
	docID := fs.String("id", "", "document id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *docID == "" {
		_, _ = fmt.Fprintln(stderr, "reprocess: -id is required")
		return 2
	}

	a, err := buildApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer a.Close()

	err = a.pipeline.Reprocess(ctx, *docID)
	return report(ctx, a, *docID, err, stdout, stderr)
}

func runPoll(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("poll", flag.ContinueOnError)
	fs.SetOutput(stderr)
	docID := fs.String("id", "", "document id")
	all := fs.Bool("all", false, "poll every RECEIVED document in one lote query")
	limit := fs.Int("limit", 50, "maximum documents per lote query")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (*docID != "") == *all {
		_, _ = fmt.Fprintln(stderr, "poll: exactly one of -id or -all is required")
		return 2
	}

	a, err := buildApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer a.Close()

	if *all {
		n, err := a.pipeline.PollBatch(ctx, *limit)
		_, _ = fmt.Fprintf(stdout, "%d document(s) reached a terminal state\n", n)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "poll:", err)
			return 1
		}
		return 0
	}

	res, err := a.pipeline.Poll(ctx, *docID)
	if res != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"access_key":           res.AccessKey,
			"status":               res.Status,
			"authorization_number": res.Number,
			"authorized_at":        res.AuthorizedAt,
		})
	}
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "poll:", err)
		if comprobante.Retryable(err) {
			return 3
		}
		return 1
	}
	return 0
}

func runResetSequence(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reset-sequence", flag.ContinueOnError)
	fs.SetOutput(stderr)
	estab := fs.String("estab", "", "establishment code (3 digits)")
	point := fs.String("point", "", "emission point code (3 digits)")
	docType := fs.String("doc", "01", "comprobante type code")
	next := fs.Uint("next", 0, "next sequential to hand out")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *estab == "" || *point == "" || *next == 0 {
		_, _ = fmt.Fprintln(stderr, "reset-sequence: -estab, -point and -next are required")
		return 2
	}

	a, err := buildApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer a.Close()

	key := sequence.Key{
		EmitterCode:   *estab,
		EmissionPoint: *point,
		DocType:       comprobante.DocType(*docType),
	}
	if err := a.pipeline.ResetSequence(ctx, key, uint32(*next)); err != nil {
		_, _ = fmt.Fprintln(stderr, "reset-sequence:", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "counter %s set, next sequential %d\n", key, *next)
	return 0
}

func runPending(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	fs.SetOutput(stderr)
	state := fs.String("state", string(comprobante.StateReceived), "pipeline state to list")
	limit := fs.Int("limit", 20, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := buildApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer a.Close()

	docs, err := a.store.ListByState(ctx, comprobante.State(*state), *limit)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "pending:", err)
		return 1
	}
	for _, d := range docs {
		_, _ = fmt.Fprintf(stdout, "%s  %s  %s  %s\n", d.ID, d.Number(), d.State, d.AccessKey)
	}
	return 0
}

func runEmitter(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("emitter", flag.ContinueOnError)
	fs.SetOutput(stderr)
	save := fs.Bool("save", false, "save the YAML profile into the config store")
	show := fs.Bool("show", false, "print the effective emitter configuration")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *save == *show {
		_, _ = fmt.Fprintln(stderr, "emitter: exactly one of -save or -show is required")
		return 2
	}

	cfg := config.Load()
	setupLogging(stderr, cfg.LogLevel)
	db, _, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	es, err := store.NewEmitterStore(db)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	if *save {
		emitter, err := config.LoadEmitterProfile(cfg.EmitterProfile)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "emitter:", err)
			return 1
		}
		if err := es.Save(ctx, emitter); err != nil {
			_, _ = fmt.Fprintln(stderr, "emitter:", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "emitter configuration saved for RUC %s\n", emitter.RUC)
		return 0
	}

	emitter, err := loadEmitter(ctx, db, cfg.EmitterProfile)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "emitter:", err)
		return 1
	}
	redacted := *emitter
	redacted.CertificatePassword = ""
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(redacted)
	return 0
}

// report prints the final document state and maps the pipeline error to
// an exit code: 0 done, 3 retry later, 1 terminal failure.
func report(ctx context.Context, a *app, id string, runErr error, stdout, stderr io.Writer) int {
	doc, err := a.store.Get(ctx, id)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "document %s  %s  state=%s", doc.ID, doc.Number(), doc.State)
	if doc.AuthorizationNumber != "" {
		_, _ = fmt.Fprintf(stdout, "  authorization=%s", doc.AuthorizationNumber)
	}
	_, _ = fmt.Fprintln(stdout)

	if runErr == nil {
		return 0
	}
	_, _ = fmt.Fprintln(stderr, "pipeline:", runErr)
	if comprobante.Retryable(runErr) {
		return 3
	}
	return 1
}
