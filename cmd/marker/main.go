package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/marker/internal/cache"
	"github.com/pavelanni/marker/internal/grader"
	"github.com/pavelanni/marker/internal/handler"
	appI18n "github.com/pavelanni/marker/internal/i18n"
	"github.com/pavelanni/marker/internal/llm"
	"github.com/pavelanni/marker/internal/observability"
	"github.com/pavelanni/marker/internal/override"
	"github.com/pavelanni/marker/internal/rubric"
	"github.com/pavelanni/marker/internal/scoring"
	"github.com/pavelanni/marker/internal/store"
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "marker",
		Short: "GCSE language exam marking and override service",
	}

	serve := serveCmd()
	root.AddCommand(serve, scoreCmd(), reconcileCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `marker --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db-driver", store.DriverSQLite, "Database driver (sqlite, postgres)")
	f.String("db", "marker.db", "SQLite path or PostgreSQL connection string")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addLLMFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Duration("llm-timeout", grader.DefaultTimeout, "Timeout for each grading call")
	f.Float32("llm-temperature", grader.DefaultTemperature, "Sampling temperature for grading")
	f.Int("workers", scoring.DefaultWorkers, "Questions graded concurrently per attempt")
	f.StringP("lang", "l", "en", "Feedback language (en, es)")
}

func addSummaryFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("redis-url", "", "Redis URL for the dashboard summary cache (empty disables it)")
	f.Duration("summary-ttl", cache.DefaultTTL, "Lifetime of cached dashboard summaries")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP marking server",
		RunE:  runServe,
	}
	addStoreFlags(cmd)
	addLLMFlags(cmd)
	addSummaryFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSliceP("questions", "q", nil, "Paths to question JSON files (repeatable)")
	f.StringSlice("cors-origins", nil, "Allowed CORS origins")
	return cmd
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score <attempt.json>",
		Short: "Score an attempt file against stored questions",
		Args:  cobra.ExactArgs(1),
		RunE:  runScore,
	}
	addStoreFlags(cmd)
	addLLMFlags(cmd)
	addSummaryFlags(cmd)
	f := cmd.Flags()
	f.Bool("save", false, "Store the result and refresh dashboard summaries")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute totals and refresh dashboard summaries for stored attempts",
		RunE:  runReconcile,
	}
	addStoreFlags(cmd)
	addSummaryFlags(cmd)
	cmd.Flags().String("assessment-id", "", "Limit to one assessment")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export attempt results and override history as JSON",
		RunE:  runExport,
	}
	addStoreFlags(cmd)
	f := cmd.Flags()
	f.String("assessment-id", "", "Limit to one assessment")
	f.String("date", "", "Export date in YYYY-MM-DD format (default today)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("MARKER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("marker")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/marker")
	v.AddConfigPath("/etc/marker")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(ctx context.Context, v *viper.Viper) (*store.Store, error) {
	db, err := store.Open(ctx, v.GetString("db-driver"), v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// summarySinks returns the stores that receive dashboard summaries. The
// cache is nil when no Redis URL is configured.
func summarySinks(ctx context.Context, v *viper.Viper, db *store.Store) ([]override.Sink, *cache.SummaryCache, func(), error) {
	sinks := []override.Sink{{Name: "sql", Writer: db}}
	url := v.GetString("redis-url")
	if url == "" {
		return sinks, nil, func() {}, nil
	}
	client, err := cache.Connect(ctx, url)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	sc := cache.NewSummaryCache(client, v.GetDuration("summary-ttl"))
	sinks = append(sinks, override.Sink{Name: "redis", Writer: sc})
	return sinks, sc, func() { _ = client.Close() }, nil
}

func newOrchestrator(ctx context.Context, v *viper.Viper, catalog *rubric.Catalog, ping bool) (*scoring.Orchestrator, error) {
	llmClient := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"))
	if ping {
		if err := llmClient.Ping(ctx); err != nil {
			return nil, fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}
	g := grader.New(llmClient,
		grader.WithTimeout(v.GetDuration("llm-timeout")),
		grader.WithTemperature(float32(v.GetFloat64("llm-temperature"))),
		grader.WithLogger(slog.Default()),
	)
	return scoring.New(catalog, g,
		scoring.WithWorkers(v.GetInt("workers")),
		scoring.WithLogger(slog.Default()),
	), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := loadQuestions(ctx, db, v.GetStringSlice("questions")); err != nil {
		return fmt.Errorf("load questions: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	catalog, err := rubric.Default()
	if err != nil {
		return fmt.Errorf("load rubrics: %w", err)
	}
	scorer, err := newOrchestrator(ctx, v, catalog, true)
	if err != nil {
		return err
	}

	sinks, sc, closeCache, err := summarySinks(ctx, v, db)
	if err != nil {
		return err
	}
	defer closeCache()

	observability.RegisterMetrics()

	h, err := handler.New(handler.Deps{
		Store:     db,
		Catalog:   catalog,
		Scorer:    scorer,
		Overrides: override.New(db, override.WithSinks(sinks...), override.WithLogger(slog.Default())),
		Cache:     sc,
		Logger:    slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if origins := v.GetStringSlice("cors-origins"); len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Accept-Language", "Content-Type"},
			MaxAge:         300,
		}))
	}
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"db_driver", v.GetString("db-driver"),
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"workers", v.GetInt("workers"),
		"summary_cache", sc != nil,
		"rubrics", len(catalog.All()),
	)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// attemptFile is the input of the score command.
type attemptFile struct {
	scoring.Attempt
	Responses map[string]json.RawMessage `json:"responses"`
}

func runScore(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	var in attemptFile
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}
	if !in.Language.Valid() {
		return fmt.Errorf("%s: unsupported language %q", args[0], in.Language)
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	questions, err := db.ListQuestions(ctx, in.AssessmentID)
	if err != nil {
		return fmt.Errorf("list questions: %w", err)
	}
	if len(questions) == 0 {
		return fmt.Errorf("no questions stored for assessment %q", in.AssessmentID)
	}

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	catalog, err := rubric.Default()
	if err != nil {
		return fmt.Errorf("load rubrics: %w", err)
	}
	scorer, err := newOrchestrator(ctx, v, catalog, false)
	if err != nil {
		return err
	}

	ar := scorer.ScoreAttempt(ctx, in.Attempt, questions, in.Responses)

	if v.GetBool("save") {
		if err := db.CreateAttemptResult(ctx, &ar); err != nil {
			return fmt.Errorf("store attempt result: %w", err)
		}
		sinks, _, closeCache, err := summarySinks(ctx, v, db)
		if err != nil {
			return err
		}
		defer closeCache()
		engine := override.New(db, override.WithSinks(sinks...), override.WithLogger(slog.Default()))
		if err := engine.PropagateSummary(ctx, ar); err != nil {
			slog.Warn("summary propagation incomplete", "attempt_id", ar.ID, "error", err)
		}
	}

	return writeOutput(v.GetString("output"), ar)
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	sinks, _, closeCache, err := summarySinks(ctx, v, db)
	if err != nil {
		return err
	}
	defer closeCache()
	engine := override.New(db, override.WithSinks(sinks...), override.WithLogger(slog.Default()))

	results, err := db.ListAttemptResults(ctx, v.GetString("assessment-id"))
	if err != nil {
		return fmt.Errorf("list attempt results: %w", err)
	}
	failed := 0
	for _, ar := range results {
		if _, err := engine.Reconcile(ctx, ar.ID); err != nil {
			failed++
			slog.Error("reconcile failed", "attempt_id", ar.ID, "error", err)
		}
	}
	slog.Info("reconcile finished", "attempts", len(results), "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d attempts could not be reconciled", failed, len(results))
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	export, err := db.ExportAttempts(ctx, v.GetString("assessment-id"))
	if err != nil {
		return fmt.Errorf("export attempts: %w", err)
	}
	export.Date = v.GetString("date")
	if export.Date == "" {
		export.Date = time.Now().Format(time.DateOnly)
	} else if _, err := time.Parse(time.DateOnly, export.Date); err != nil {
		return fmt.Errorf("invalid date %q: want YYYY-MM-DD", export.Date)
	}

	return writeOutput(v.GetString("output"), export)
}

func writeOutput(outPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}

func loadQuestions(ctx context.Context, db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		res, err := db.ImportQuestions(ctx, path, data)
		if err != nil {
			return err
		}
		if res.Unchanged {
			slog.Info("questions file unchanged, skipping", "path", path)
			continue
		}
		slog.Info("imported questions", "path", path, "assessment_id", res.AssessmentID, "count", res.Imported)
	}
	return nil
}
