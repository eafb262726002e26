// Command archivecore wires together the archive store, model gateway,
// search backends, run controller, and notifier, then dispatches to the
// domain operations (analyze, preview, classify, reindex, search, status) from the
// command line. The HTTP surface and authentication are deliberately out of
// scope here (treated as external collaborators) — this binary stands in for
// the request executor and the worker executor discussed throughout the
// design as a single-process driver over the same core.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"archivecore/internal/analyzer"
	"archivecore/internal/archive"
	"archivecore/internal/classifier"
	"archivecore/internal/config"
	"archivecore/internal/indexer"
	"archivecore/internal/modelgateway"
	"archivecore/internal/notify"
	"archivecore/internal/observability"
	"archivecore/internal/persistence/databases"
	"archivecore/internal/runcontrol"
	"archivecore/internal/search"
	"archivecore/internal/windowstream"
)

// app holds every wired core component, constructed once in main and handed
// to whichever subcommand the caller asked for.
type app struct {
	cfg        config.Config
	store      archive.Store
	dbs        databases.Manager
	gateway    *modelgateway.Gateway
	runs       *runcontrol.Controller
	notifier   *notify.Notifier
	indexer    *indexer.Indexer
	classifier *classifier.Classifier
	analyzer   *analyzer.Analyzer
	searcher   *search.Searcher
}

func main() {
	// Load .env (or fall back to example.env) before anything else reads the
	// environment, so LOG_PATH/LOG_LEVEL and provider API keys are in place
	// before the logger and config are initialized.
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	observability.InitLogger("archivecore.log", "info")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	shutdown, err := observability.InitOTel(ctx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdown = nil
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	a, err := build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire archivecore")
	}
	defer a.store.Close()
	defer a.dbs.Close()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	if err := a.dispatch(ctx, os.Args[1], os.Args[2:]); err != nil {
		log.Error().Err(err).Str("command", os.Args[1]).Msg("command failed")
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: archivecore <command> [flags]

commands:
  analyze  -room <id> [-run <id>] [-mode full|incremental]  run the discussion analyzer
  preview  -room <id>                                        preview an incremental analysis run
  classify [-room <id>] [-run <id>]                          run the topic classifier
  reindex  [-room <id>] [-run <id>] [-kinds message,discussion,person,topic]
  search   -q <text> [-scope all|messages|discussions|people|topics] [-page 1] [-page_size 20]
  status   -room <id> -kind discussion_analysis|topic_classification|reindex`)
}

func build(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := buildStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("build archive store: %w", err)
	}

	dbs, err := databases.NewManager(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("build databases manager: %w", err)
	}

	gateway, err := buildGateway(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build model gateway: %w", err)
	}

	locker, err := buildLocker(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("build run lock: %w", err)
	}
	runs := runcontrol.New(store.Runs(), locker, cfg.Runs)

	var notifier *notify.Notifier
	if cfg.Kafka.Enabled {
		writer, err := notify.NewWriter(cfg.Kafka.Brokers)
		if err != nil {
			return nil, fmt.Errorf("build kafka writer: %w", err)
		}
		notifier = notify.New(writer, cfg.Kafka)
	}

	return &app{
		cfg:        cfg,
		store:      store,
		dbs:        dbs,
		gateway:    gateway,
		runs:       runs,
		notifier:   notifier,
		indexer:    indexer.New(store, dbs.Vector, gateway, cfg.Index),
		classifier: classifier.New(store, gateway),
		analyzer:   analyzer.New(store, gateway, cfg.Analyzer),
		searcher:   search.New(store, dbs.Vector, dbs.Search, gateway, cfg.Search),
	}, nil
}

// buildStore resolves the archive store backend: Postgres when a DSN is
// configured, an in-memory store otherwise (dependency-free dev/test runs).
func buildStore(ctx context.Context, cfg config.DBConfig) (archive.Store, error) {
	if cfg.DefaultDSN == "" {
		log.Info().Msg("archive store: no database.default_dsn set, using in-memory store")
		return archive.NewMemoryStore(), nil
	}
	pool, err := pgxpool.New(ctx, cfg.DefaultDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return archive.NewPostgresStore(ctx, pool)
}

// buildGateway selects the configured generation/embedding provider and
// wires the ClickHouse usage sink when enabled.
func buildGateway(ctx context.Context, cfg config.Config) (*modelgateway.Gateway, error) {
	var provider modelgateway.Provider
	switch cfg.Model.Provider {
	case "", "anthropic":
		provider = modelgateway.NewAnthropicProvider(cfg.Model.APIKey, cfg.Model.BaseURL, cfg.Model.GenerationModelID, cfg.Model.EmbeddingModelID)
	case "openai":
		provider = modelgateway.NewOpenAIProvider(cfg.Model.APIKey, cfg.Model.BaseURL, cfg.Model.GenerationModelID, cfg.Model.EmbeddingModelID)
	case "gemini":
		p, err := modelgateway.NewGeminiProvider(ctx, cfg.Model.APIKey, cfg.Model.GenerationModelID, cfg.Model.EmbeddingModelID)
		if err != nil {
			return nil, fmt.Errorf("init gemini provider: %w", err)
		}
		provider = p
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.Model.Provider)
	}

	var opts []modelgateway.Option
	if cfg.ClickHouse.Enabled {
		sink, err := modelgateway.NewClickHouseUsageSink(ctx, cfg.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("init clickhouse usage sink: %w", err)
		}
		opts = append(opts, modelgateway.WithUsageSink(sink))
	}
	if cfg.Model.StructuredRepairRetries > 0 {
		opts = append(opts, modelgateway.WithStructuredRepairRetries(cfg.Model.StructuredRepairRetries))
	}

	return modelgateway.New(provider, cfg.Model.RateLimitTokensPerMin, cfg.Model.MaxToolLoopTurns, opts...), nil
}

// buildLocker resolves the run controller's distributed lock: Redis when
// configured, an in-process fallback otherwise — the same shape as
// buildStore's Postgres-or-memory choice.
func buildLocker(cfg config.RedisConfig) (runcontrol.Locker, error) {
	if !cfg.Enabled {
		log.Info().Msg("run controller: redis disabled, using in-memory lock (single-instance only)")
		return runcontrol.NewMemoryLocker(), nil
	}
	return runcontrol.NewRedisLocker(cfg.Addr, cfg.Password, cfg.DB)
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "analyze":
		return a.cmdAnalyze(ctx, args)
	case "preview":
		return a.cmdPreview(ctx, args)
	case "classify":
		return a.cmdClassify(ctx, args)
	case "reindex":
		return a.cmdReindex(ctx, args)
	case "search":
		return a.cmdSearch(ctx, args)
	case "status":
		return a.cmdStatus(ctx, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) cmdAnalyze(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	room := fs.String("room", "", "room id")
	runID := fs.String("run", "", "run id")
	mode := fs.String("mode", "incremental", "full|incremental")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *room == "" {
		return fmt.Errorf("analyze requires -room")
	}
	id := orNewRunID(*runID)

	run, err := a.runs.Start(ctx, *room, archive.RunKindDiscussionAnalysis, *mode, id)
	if err != nil {
		return err
	}
	report, runErr := a.analyzer.Run(ctx, *room, windowstream.Mode(*mode), id)
	a.finish(ctx, run, runErr, report.StartMessageID, report.EndMessageID)
	if runErr != nil {
		return runErr
	}
	return printJSON(report)
}

// previewResponse is the {incremental_available, new_messages,
// context_messages, last_analysis?} payload PreviewIncremental returns.
type previewResponse struct {
	IncrementalAvailable bool                 `json:"incremental_available"`
	NewMessages          int                  `json:"new_messages"`
	ContextMessages      int                  `json:"context_messages"`
	LastAnalysis         *archive.AnalysisRun `json:"last_analysis,omitempty"`
}

func (a *app) cmdPreview(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("preview", flag.ExitOnError)
	room := fs.String("room", "", "room id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *room == "" {
		return fmt.Errorf("preview requires -room")
	}
	result, err := a.analyzer.PreviewIncremental(ctx, *room)
	if err != nil {
		return err
	}
	resp := previewResponse{
		IncrementalAvailable: result.IncrementalAvailable,
		NewMessages:          result.NewMessageCount,
		ContextMessages:      result.ContextMessageCount,
	}
	if result.IncrementalAvailable {
		run := result.LastAnalysisRun
		resp.LastAnalysis = &run
	}
	return printJSON(resp)
}

func (a *app) cmdClassify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	room := fs.String("room", "", "room id (recorded on the run, classification is globally exclusive)")
	runID := fs.String("run", "", "run id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id := orNewRunID(*runID)

	run, err := a.runs.Start(ctx, *room, archive.RunKindTopicClassification, "", id)
	if err != nil {
		return err
	}
	report, runErr := a.classifier.Run(ctx, *room, id)
	a.finish(ctx, run, runErr, "", "")
	if runErr != nil {
		return runErr
	}
	return printJSON(report)
}

func (a *app) cmdReindex(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reindex", flag.ExitOnError)
	room := fs.String("room", "", "room id to scope the reindex to (only this room's entities are collected; an empty id matches none)")
	runID := fs.String("run", "", "run id")
	kindsFlag := fs.String("kinds", "", "comma-separated subset of message,discussion,person,topic (empty means all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id := orNewRunID(*runID)

	run, err := a.runs.Start(ctx, *room, archive.RunKindReindex, "", id)
	if err != nil {
		return err
	}
	report, runErr := a.indexer.Reindex(ctx, *room, id, parseKinds(*kindsFlag))
	a.finish(ctx, run, runErr, "", "")
	if runErr != nil {
		return runErr
	}
	return printJSON(report)
}

// orNewRunID returns explicit if the caller supplied one, else generates a
// fresh run id — the worker executor's own jobs never need a human to hand
// one in.
func orNewRunID(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return uuid.NewString()
}

func parseKinds(raw string) []indexer.Kind {
	if raw == "" {
		return nil
	}
	var kinds []indexer.Kind
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				kinds = append(kinds, indexer.Kind(raw[start:i]))
			}
			start = i + 1
		}
	}
	return kinds
}

func (a *app) cmdSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	q := fs.String("q", "", "search text")
	scope := fs.String("scope", "all", "all|messages|discussions|people|topics")
	page := fs.Int("page", 1, "page number")
	pageSize := fs.Int("page_size", 20, "results per page")
	if err := fs.Parse(args); err != nil {
		return err
	}
	results, err := a.searcher.Search(ctx, search.Query{
		Text:     *q,
		Scope:    search.Scope(*scope),
		Page:     *page,
		PageSize: *pageSize,
	}, "cli-search")
	if err != nil {
		return err
	}
	return printJSON(results)
}

func (a *app) cmdStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	room := fs.String("room", "", "room id")
	kind := fs.String("kind", "", "discussion_analysis|topic_classification|reindex")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *kind == "" {
		return fmt.Errorf("status requires -kind")
	}
	run, found, err := a.runs.Status(ctx, *room, archive.RunKind(*kind))
	if err != nil {
		return err
	}
	if !found {
		fmt.Println(`{"active":false}`)
		return nil
	}
	return printJSON(run)
}

// finish marks a started run terminal and publishes the run-completed event,
// mirroring how the dedicated worker executor would close out a job it ran
// to completion or failure. startMessageID/endMessageID are the message
// range a discussion-analysis run covered (empty for classify/reindex), and
// are only persisted when the run actually completed.
func (a *app) finish(ctx context.Context, run archive.AnalysisRun, runErr error, startMessageID, endMessageID string) {
	var finishErr error
	if runErr != nil {
		finishErr = a.runs.Fail(ctx, run.ID, runErr.Error())
	} else {
		finishErr = a.runs.Complete(ctx, run.ID, startMessageID, endMessageID)
	}
	if finishErr != nil {
		log.Error().Err(finishErr).Str("run_id", run.ID).Msg("failed to record run completion")
	}
	if a.notifier == nil {
		return
	}
	status := archive.RunStatusCompleted
	errMsg := ""
	if runErr != nil {
		status = archive.RunStatusFailed
		errMsg = runErr.Error()
	}
	a.notifier.RunCompleted(ctx, notify.RunCompletedEvent{
		RunID:      run.ID,
		RoomID:     run.RoomID,
		Kind:       run.Kind,
		Status:     status,
		Error:      errMsg,
		FinishedAt: time.Now(),
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
