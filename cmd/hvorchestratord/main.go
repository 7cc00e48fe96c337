package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hvorchestrator/pkg/auth"
	"github.com/cuemby/hvorchestrator/pkg/config"
	"github.com/cuemby/hvorchestrator/pkg/envelope"
	"github.com/cuemby/hvorchestrator/pkg/httpapi"
	"github.com/cuemby/hvorchestrator/pkg/inventory"
	"github.com/cuemby/hvorchestrator/pkg/jobservice"
	"github.com/cuemby/hvorchestrator/pkg/log"
	"github.com/cuemby/hvorchestrator/pkg/notification"
	"github.com/cuemby/hvorchestrator/pkg/scheduler"
	"github.com/cuemby/hvorchestrator/pkg/transport"
	"github.com/cuemby/hvorchestrator/pkg/wshub"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "hvorchestratord",
	Short:   "hvorchestratord - control-plane core for a Hyper-V host fleet",
	Long:    `hvorchestratord dispatches VM/disk/NIC operations to a fleet of Hyper-V hosts through a remote PowerShell agent, tracks job state, and maintains a live inventory of hosts, clusters, and VMs.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"hvorchestratord version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator core and HTTP/WebSocket API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", ":8443", "HTTP listen address")
	serveCmd.Flags().StringSlice("hosts", nil, "Hyper-V hostnames to manage")
	serveCmd.Flags().Int("min-workers", 2, "Scheduler minimum SHORT-lane workers")
	serveCmd.Flags().Int("max-workers", 16, "Scheduler maximum SHORT-lane workers")
	serveCmd.Flags().Duration("idle-seconds", 60*time.Second, "Scheduler idle-worker retirement window")
	serveCmd.Flags().Int("scale-up-backlog", 4, "Queued-task threshold that triggers scale-up")
	serveCmd.Flags().Duration("scale-up-duration-threshold", 2*time.Second, "Rolling average task duration below which a backlog may trigger scale-up")
	serveCmd.Flags().Duration("refresh-interval", 30*time.Second, "Inventory refresh cadence")
	serveCmd.Flags().Duration("initial-refresh-budget", 10*time.Second, "How long startup waits for the first inventory refresh before continuing; /readyz stays not-ready until a refresh completes")
	serveCmd.Flags().String("oidc-issuer", "", "OIDC issuer URL")
	serveCmd.Flags().String("oidc-jwks-url", "", "OIDC JWKS endpoint")
	serveCmd.Flags().String("oidc-authorize-url", "", "OIDC authorization endpoint")
	serveCmd.Flags().String("oidc-token-url", "", "OIDC token endpoint")
	serveCmd.Flags().String("oidc-client-id", "", "OIDC client ID")
	serveCmd.Flags().String("oidc-client-secret", "", "OIDC client secret")
	serveCmd.Flags().String("oidc-redirect-url", "", "OIDC redirect URL for this process")
	serveCmd.Flags().StringSlice("oidc-audiences", nil, "Accepted token audiences")
	serveCmd.Flags().StringSlice("oidc-role-prefixes", nil, "Prefixes stripped from IdP role/group claim values")
	serveCmd.Flags().Duration("session-max-age", 12*time.Hour, "Cookie session lifetime")
	serveCmd.Flags().Duration("max-token-age", 0, "Maximum accepted bearer token iat drift (0 disables the check)")
}

func buildConfig(cmd *cobra.Command) (config.Config, error) {
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	hosts, _ := cmd.Flags().GetStringSlice("hosts")
	minWorkers, _ := cmd.Flags().GetInt("min-workers")
	maxWorkers, _ := cmd.Flags().GetInt("max-workers")
	idleSeconds, _ := cmd.Flags().GetDuration("idle-seconds")
	scaleUpBacklog, _ := cmd.Flags().GetInt("scale-up-backlog")
	scaleUpDurationThreshold, _ := cmd.Flags().GetDuration("scale-up-duration-threshold")
	refreshInterval, _ := cmd.Flags().GetDuration("refresh-interval")
	initialRefreshBudget, _ := cmd.Flags().GetDuration("initial-refresh-budget")
	issuer, _ := cmd.Flags().GetString("oidc-issuer")
	jwksURL, _ := cmd.Flags().GetString("oidc-jwks-url")
	authorizeURL, _ := cmd.Flags().GetString("oidc-authorize-url")
	tokenURL, _ := cmd.Flags().GetString("oidc-token-url")
	clientID, _ := cmd.Flags().GetString("oidc-client-id")
	clientSecret, _ := cmd.Flags().GetString("oidc-client-secret")
	redirectURL, _ := cmd.Flags().GetString("oidc-redirect-url")
	audiences, _ := cmd.Flags().GetStringSlice("oidc-audiences")
	rolePrefixes, _ := cmd.Flags().GetStringSlice("oidc-role-prefixes")
	sessionMaxAge, _ := cmd.Flags().GetDuration("session-max-age")
	maxTokenAge, _ := cmd.Flags().GetDuration("max-token-age")

	cfg := config.Config{
		HTTPAddr: httpAddr,
		Hosts:    hosts,
		Scheduler: config.SchedulerConfig{
			MinWorkers:               minWorkers,
			MaxWorkers:               maxWorkers,
			IdleSeconds:              idleSeconds,
			ScaleUpBacklog:           scaleUpBacklog,
			ScaleUpDurationThreshold: scaleUpDurationThreshold,
		},
		Inventory: config.InventoryConfig{
			RefreshInterval:      refreshInterval,
			InitialRefreshBudget: initialRefreshBudget,
		},
		Auth: config.AuthConfig{
			Issuer:        issuer,
			JWKSURL:       jwksURL,
			AuthorizeURL:  authorizeURL,
			TokenURL:      tokenURL,
			ClientID:      clientID,
			ClientSecret:  clientSecret,
			RedirectURL:   redirectURL,
			Audiences:     audiences,
			RolePrefixes:  rolePrefixes,
			SessionMaxAge: sessionMaxAge,
			MaxTokenAge:   maxTokenAge,
		},
	}

	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("main")

	cfg, cfgErr := buildConfig(cmd)
	if cfgErr != nil {
		logger.Error().Err(cfgErr).Msg("invalid configuration")
	}

	sched := scheduler.New(cfg.Scheduler.ToScheduler())

	sessions := transport.NewCache(agentSessionFactory)

	jwks := auth.NewJWKSCache(cfg.Auth.JWKSURL, cfg.Auth.JWKSTTL, log.WithComponent("jwks"))
	validator := auth.NewValidator(jwks, cfg.Auth.TokenConfig())
	sessionStore := auth.NewSessionStore(cfg.Auth.SessionMaxAge)

	hub := wshub.New()
	notify := notification.New(hub)
	jobs := jobservice.New(sched, sessions, agentExecutor{}, notify, hub)
	inv := inventory.New(cfg.Inventory.ToInventory(), sched, agentCollector{}, notify, hub, cfg.Hosts)

	// Spec §7 ConfigError policy: on a startup configuration error, the
	// job and inventory services do not start — only /readyz reports
	// config_error. The services are still constructed above so the
	// HTTP server has non-nil handles to wire into the router.
	if cfgErr == nil {
		sched.Start()
		inv.Start()
	} else {
		logger.Warn().Msg("configuration error present; scheduler and inventory refresh will not start")
	}

	srv := &httpapi.Server{
		Jobs:          jobs,
		Inventory:     inv,
		Notifications: notify,
		Hub:           hub,
		Validator:     validator,
		Sessions:      sessionStore,
		OIDC: httpapi.OIDCConfig{
			AuthorizeURL: cfg.Auth.AuthorizeURL,
			TokenURL:     cfg.Auth.TokenURL,
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			RedirectURL:  cfg.Auth.RedirectURL,
		},
		Build:       httpapi.BuildInfo{Version: Version, Build: Commit},
		ConfigError: cfgErr,
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	inv.Stop()
	sched.Stop()
	sessions.CloseAll()

	fmt.Println("shutdown complete")
	return nil
}

// agentSession, agentSessionFactory, agentExecutor, and agentCollector
// satisfy the transport.Session/Factory, jobservice.Executor, and
// inventory.Collector seams. The real PowerShell-agent wire protocol,
// the transport library, and Kerberos credential acquisition are
// external collaborators this core never implements; these stand in
// until an operator-provided transport package is linked in their
// place.

type agentSession struct{ hostname string }

func (s agentSession) Hostname() string { return s.hostname }
func (s agentSession) Close() error     { return nil }

func agentSessionFactory(hostname string) (transport.Session, error) {
	return agentSession{hostname: hostname}, nil
}

type agentExecutor struct{}

func (agentExecutor) Execute(ctx context.Context, sess transport.Session, req envelope.JobRequest, onOutput jobservice.OutputFunc) (envelope.JobResultEnvelope, error) {
	return envelope.JobResultEnvelope{}, fmt.Errorf("agent transport not configured for host %s: link a management-transport implementation", sess.Hostname())
}

type agentCollector struct{}

func (agentCollector) Collect(ctx context.Context, hostname string) (inventory.Snapshot, error) {
	return inventory.Snapshot{}, fmt.Errorf("agent transport not configured for host %s: link a management-transport implementation", hostname)
}

