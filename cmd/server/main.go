// Lookout ingests Kubernetes error logs, suppresses duplicates and asks an
// LLM for a root-cause judgment on each new error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/lookout/internal/analysis"
	"github.com/linnemanlabs/lookout/internal/analysis/memstore"
	"github.com/linnemanlabs/lookout/internal/analysis/pgstore"
	vc "github.com/linnemanlabs/lookout/internal/cfg"
	"github.com/linnemanlabs/lookout/internal/dedup"
	"github.com/linnemanlabs/lookout/internal/ingestapi"
	"github.com/linnemanlabs/lookout/internal/llm/claude"
	"github.com/linnemanlabs/lookout/internal/logctx"
	"github.com/linnemanlabs/lookout/internal/notify/slack"
	"github.com/linnemanlabs/lookout/internal/postgres"
	"github.com/linnemanlabs/lookout/internal/throttle"
)

const appName = "lookout"
const component = "server"

// rawBodyCeiling bounds any request body before handlers see it.
const rawBodyCeiling = 256 << 20

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// LOOKOUT_* env vars fill anything not set on the command line
	cfg.FillFromEnv(flag.CommandLine, "LOOKOUT_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Spans cover ingest requests and every outbound call
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	analysisMetrics := analysis.NewMetrics(m.Registry())

	// pgstore queries report through the postgres observer
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lookout_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	var recordStore analysis.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		recordStore = pgStore
		L.Info(ctx, "using postgres store")
	} else {
		recordStore = memstore.New(appCfg.ResultsCapacity)
		L.Info(ctx, "using in-memory store (no database-url configured)", "capacity", appCfg.ResultsCapacity)
	}

	claudeProvider := claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel, claudeLimits(&appCfg))
	L.Info(ctx, "initialized LLM provider",
		"provider", "claude",
		"model", claudeProvider.Model(),
		"request_timeout_seconds", appCfg.ClaudeRequestTimeoutSeconds,
		"max_retries", claudeProvider.Limits().MaxRetries,
	)

	// Recent pod logs from Loki enrich the prompt when an endpoint is configured
	var contextSource analysis.ContextSource
	if appCfg.LokiEndpoint != "" {
		contextSource = logctx.NewLoki(appCfg.LokiEndpoint, appCfg.LokiTenantID)
		L.Info(ctx, "log context enabled", "source", "loki", "endpoint", appCfg.LokiEndpoint)
	}

	engine := analysis.NewEngine(claudeProvider, contextSource, L, analysisMetrics.EngineHooks())

	// Dedup cache is process-wide, shared by every batch and swept by the janitor.
	dedupTTL := time.Duration(appCfg.DedupTTLSeconds) * time.Second
	dedupCache := dedup.New(dedupTTL)
	janitor := dedup.NewJanitor(dedupCache, time.Duration(appCfg.JanitorIntervalSeconds)*time.Second, L, analysisMetrics.JanitorHooks())
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		janitor.Run(ctx)
	}()

	// Throttle is process-wide so concurrent batches share the same cap.
	th := throttle.New(appCfg.MaxConcurrency, analysisMetrics.ThrottleHooks())

	orch := analysis.NewOrchestrator(dedupCache, th, engine,
		time.Duration(appCfg.AnalysisTimeoutSeconds)*time.Second, L, analysisMetrics.OrchestratorHooks())

	L.Info(ctx, "analysis pipeline configured",
		"dedup_ttl", dedupTTL.String(),
		"janitor_interval_seconds", appCfg.JanitorIntervalSeconds,
		"max_concurrency", appCfg.MaxConcurrency,
		"analysis_timeout_seconds", appCfg.AnalysisTimeoutSeconds,
	)

	var notifier analysis.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	analysisSvc := analysis.NewService(recordStore, orch, L, analysisMetrics.ServiceHooks(), notifier)

	// Readiness fails once shutdown starts so the load balancer drains us first
	var shutdownGate health.ShutdownGate
	readiness := health.All(shutdownGate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// Metrics, health and pprof stay on the admin port, never on the ingest port
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	ingestHTTP := ingestapi.New(L, analysisSvc, ingestapi.Options{
		MaxBodyBytes: appCfg.MaxBodyBytes,
		APIToken:     appCfg.APIToken,
	})
	h := newAPIHandler(apiHandlerConfig{
		Logger:      L,
		API:         ingestHTTP,
		Liveness:    liveness,
		Readiness:   readiness,
		TrustedHops: httpmwCfg.TrustedProxyHops,
		Instrument:  m.Middleware,
	})

	ingestOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	ingestHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, ingestOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ingest http listener")
		return err
	}
	defer func() { _ = ingestHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// systemd kills us after its start timeout if this really mattered
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Batches already admitted keep running through the drain period
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	stopAll(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, []stopFn{
		{"ingest http server", ingestHTTPStop},
		{"dedup janitor", waitFor(janitorDone)},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	})

	L.Info(context.Background(), "shutdown complete")
	return nil
}

func claudeLimits(c *vc.Config) claude.Limits {
	return claude.Limits{
		RequestTimeout: time.Duration(c.ClaudeRequestTimeoutSeconds) * time.Second,
		MaxRetries:     c.ClaudeMaxRetries,
	}
}

// apiHandlerConfig holds what the ingest listener's handler is built from.
type apiHandlerConfig struct {
	Logger      log.Logger
	API         *ingestapi.API
	Liveness    health.Probe
	Readiness   health.Probe
	TrustedHops int
	// Instrument records request metrics; nil skips it.
	Instrument func(http.Handler) http.Handler
}

// newAPIHandler builds the ingest router and wraps it in the middleware
// chain, outermost first.
func newAPIHandler(c apiHandlerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(withDBMethod)
	r.Use(httpmw.AccessLog())
	// The configured cap is enforced again after gzip decompression
	r.Use(httpmw.MaxBody(rawBodyCeiling))

	r.Get("/-/healthy", health.HealthzHandler(c.Liveness))
	r.Get("/-/ready", health.ReadyzHandler(c.Readiness))
	c.API.RegisterRoutes(r)

	return httpmw.Chain(r,
		// needs the server's own ResponseWriter
		ingestapi.AnalyzeWriteDeadline(c.Logger),
		httpmw.SecurityHeaders,
		httpmw.Recover(c.Logger, nil),
		httpmw.RequestID("X-Request-Id"),
		httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{TrustedHops: c.TrustedHops}),
		c.Instrument,
		otelhttp.NewMiddleware("http.server",
			otelhttp.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
			}),
			// AnnotateHTTPRoute renames the span to the chi pattern
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
		),
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		httpmw.WithLogger(c.Logger),
	)
}

// withDBMethod labels pgstore query metrics with the request method.
func withDBMethod(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
	})
}

type stopFn struct {
	name string
	fn   func(context.Context) error
}

// stopAll runs each non-nil stop function in order. Each gets an equal
// slice of budget, capped by what is left of the whole.
func stopAll(L log.Logger, budget time.Duration, fns []stopFn) {
	live := 0
	for _, s := range fns {
		if s.fn != nil {
			live++
		}
	}
	if live == 0 {
		return
	}
	perComponent := budget / time.Duration(live)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range fns {
		if s.fn == nil {
			continue
		}
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}
}

// waitFor adapts a done channel to the stop signature.
func waitFor(done <-chan struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func notifySystemd() error {
	// set when started under systemd with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd, unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
