package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/dcmproxy/dcmproxy/internal/api"
	"github.com/dcmproxy/dcmproxy/internal/audit"
	"github.com/dcmproxy/dcmproxy/internal/buildinfo"
	"github.com/dcmproxy/dcmproxy/internal/config"
	"github.com/dcmproxy/dcmproxy/internal/dimse"
	"github.com/dcmproxy/dcmproxy/internal/metrics"
	"github.com/dcmproxy/dcmproxy/internal/proxy"
	"github.com/dcmproxy/dcmproxy/internal/retry"
	"github.com/dcmproxy/dcmproxy/internal/rule"
	"github.com/dcmproxy/dcmproxy/internal/service"
	"github.com/dcmproxy/dcmproxy/internal/spool"
)

const (
	shutdownTimeout   = 5 * time.Second
	templateCacheSize = 256
)

type dcmproxyApp struct {
	envCfg     *config.EnvConfig
	runtime    *service.Runtime
	metrics    *metrics.Metrics
	store      *spool.Store
	handler    *proxy.Handler
	scheduler  *retry.Scheduler
	auditRepo  *audit.Repo
	auditSvc   *audit.Service
	natsSink   *audit.NATSSink
	aggregator *audit.Aggregator
	apiSrv     *api.Server
	apiLn      net.Listener
	dicomLn    dimse.Listener
	dicomStop  context.CancelFunc
}

func runServe() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	if config.IsWeakToken(envCfg.AdminToken) {
		log.Println("WARNING: DCMPROXY_ADMIN_TOKEN is weak; use a long random token")
	}
	if envCfg.AuditPeriodTooShort(time.Now()) {
		log.Printf("WARNING: DCMPROXY_AUDIT_SCHEDULE %q fires more often than twice DCMPROXY_RETRY_INTERVAL (%s)",
			envCfg.AuditSchedule, envCfg.RetryInterval)
	}

	app, err := newDcmproxyApp(envCfg)
	if err != nil {
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newDcmproxyApp(envCfg *config.EnvConfig) (*dcmproxyApp, error) {
	app := &dcmproxyApp{envCfg: envCfg, metrics: metrics.New()}
	osFs := afero.NewOsFs()

	templates := rule.NewScriptTemplate(osFs, templateCacheSize)
	rt, err := service.NewRuntime(envCfg.DeviceConfigPath, config.LoadDevice, templates)
	if err != nil {
		return nil, fmt.Errorf("device config: %w", err)
	}
	app.runtime = rt

	store, err := spool.New(osFs, envCfg.SpoolDir)
	if err != nil {
		return nil, err
	}
	reset, removed, err := store.ResetInFlight()
	if err != nil {
		return nil, fmt.Errorf("spool reset: %w", err)
	}
	log.Printf("Spool %s ready (%d claimed items reset, %d partial writes removed)", envCfg.SpoolDir, reset, removed)
	app.store = store

	dialer, err := app.buildDICOMTransport()
	if err != nil {
		return nil, err
	}
	resolver := &rule.Resolver{Template: templates}

	app.handler = proxy.NewHandler(proxy.HandlerConfig{
		Devices:        rt,
		Dialer:         dialer,
		Store:          store,
		Resolver:       resolver,
		Metrics:        app.metrics,
		ConnectTimeout: envCfg.ConnectTimeout,
	})
	app.scheduler = retry.New(retry.Config{
		Devices:        rt,
		Store:          store,
		Dialer:         dialer,
		Resolver:       resolver,
		Metrics:        app.metrics,
		Interval:       envCfg.RetryInterval,
		Workers:        envCfg.ForwardThreads,
		ConnectTimeout: envCfg.ConnectTimeout,
		PartMaxAge:     envCfg.PartMaxAge,
	})

	if err := app.initAudit(); err != nil {
		app.closeAudit()
		return nil, err
	}

	startedAt := time.Now().UTC()
	cp := &service.ControlPlaneService{
		Runtime:   rt,
		Store:     store,
		Handler:   app.handler,
		Scheduler: app.scheduler,
		AuditRepo: app.auditRepo,
	}
	app.apiSrv = api.NewServer(api.ServerConfig{
		ListenAddress: envCfg.ListenAddress,
		Port:          envCfg.APIPort,
		AdminToken:    envCfg.AdminToken,
		MaxBodyBytes:  int64(envCfg.APIMaxBodyBytes),
		MaxConns:      envCfg.APIMaxConns,
		Metrics:       app.metrics.Handler(),
	}, service.SystemInfo{
		Version:   buildinfo.Version,
		GitCommit: buildinfo.GitCommit,
		BuildTime: buildinfo.BuildTime,
		StartedAt: startedAt,
		Hostname:  audit.Hostname(),
	}, cp)
	app.apiLn, err = net.Listen("tcp", net.JoinHostPort(envCfg.ListenAddress, strconv.Itoa(envCfg.APIPort)))
	if err != nil {
		app.closeAudit()
		return nil, fmt.Errorf("api server listen: %w", err)
	}

	app.startBackgroundServices()
	return app, nil
}

// buildDICOMTransport resolves the configured network transport. Without one
// the proxy still accepts HTTP ingest and delivers to file-drop destinations.
func (a *dcmproxyApp) buildDICOMTransport() (dimse.Dialer, error) {
	dialer := dimse.MultiDialer{Dir: dimse.DirDialer{Fs: afero.NewOsFs()}}
	if a.envCfg.Transport == "" {
		log.Println("No DICOM transport configured; network destinations fail with a configuration error")
		return dialer, nil
	}
	t, err := dimse.LookupTransport(a.envCfg.Transport)
	if err != nil {
		return nil, err
	}
	ln, err := t.Listen(net.JoinHostPort(a.envCfg.ListenAddress, strconv.Itoa(a.envCfg.DICOMPort)))
	if err != nil {
		return nil, fmt.Errorf("dicom listen: %w", err)
	}
	a.dicomLn = ln
	dialer.Network = t
	return dialer, nil
}

func (a *dcmproxyApp) initAudit() error {
	a.auditRepo = audit.NewRepo(filepath.Join(a.envCfg.StateDir, "audit.db"))
	if err := a.auditRepo.Open(); err != nil {
		a.auditRepo = nil
		return fmt.Errorf("audit repo open: %w", err)
	}
	a.auditSvc = audit.NewService(audit.ServiceConfig{
		Repo:           a.auditRepo,
		QueueSize:      a.envCfg.AuditQueueSize,
		FlushBatch:     a.envCfg.AuditQueueFlushBatch,
		FlushInterval:  a.envCfg.AuditQueueFlushInterval,
		EnqueueTimeout: a.envCfg.AuditEnqueueTimeout,
	})
	sinks := audit.MultiSink{a.auditSvc}
	if a.envCfg.NATSURL != "" {
		sink, err := audit.DialNATS(a.envCfg.NATSURL, a.envCfg.NATSSubject)
		if err != nil {
			return err
		}
		a.natsSink = sink
		sinks = append(sinks, sink)
	}

	agg, err := audit.NewAggregator(audit.AggregatorConfig{
		Devices:       a.runtime,
		Store:         a.store,
		Sink:          sinks,
		Metrics:       a.metrics,
		Schedule:      a.envCfg.AuditSchedule,
		RetryInterval: a.envCfg.RetryInterval,
		Hostname:      audit.Hostname(),
	})
	if err != nil {
		return err
	}
	a.aggregator = agg
	return nil
}

func (a *dcmproxyApp) startBackgroundServices() {
	a.auditSvc.Start()
	log.Println("Audit service started")
	a.aggregator.Lifecycle(audit.ApplicationStart)
	a.aggregator.Start()
	log.Printf("Audit aggregator started (%s)", a.envCfg.AuditSchedule)
	a.scheduler.Start()
	log.Printf("Retry scheduler started (interval %s, %d threads)", a.envCfg.RetryInterval, a.envCfg.ForwardThreads)
}

func (a *dcmproxyApp) startServers() <-chan error {
	serverErrCh := make(chan error, 2)
	reportServerErr := func(name string, err error) {
		if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
			return
		}
		wrapped := fmt.Errorf("%s: %w", name, err)
		select {
		case serverErrCh <- wrapped:
		default:
		}
	}

	go func() {
		log.Printf("API server starting on %s", a.apiLn.Addr())
		reportServerErr("api server", a.apiSrv.Serve(a.apiLn))
	}()

	if a.dicomLn != nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.dicomStop = cancel
		go func() {
			log.Printf("DICOM listener (%s) starting on port %d", a.envCfg.Transport, a.envCfg.DICOMPort)
			reportServerErr("dicom listener", a.dicomLn.Serve(ctx, a.handler))
		}()
	}
	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Received server runtime error (%v), shutting down...", err)
		return err
	}
}

func (a *dcmproxyApp) shutdown(ctx context.Context) {
	if a.dicomStop != nil {
		a.dicomStop()
	}
	if a.dicomLn != nil {
		if err := a.dicomLn.Close(); err != nil {
			log.Printf("DICOM listener close error: %v", err)
		}
	}
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("API server shutdown error: %v", err)
	}

	a.scheduler.Stop()
	log.Println("Retry scheduler stopped")
	if reset, removed, err := a.store.ResetInFlight(); err != nil {
		log.Printf("Spool reset error: %v", err)
	} else if reset+removed > 0 {
		log.Printf("Spool reset on stop: %d claimed items, %d partial writes", reset, removed)
	}

	a.aggregator.Stop()
	a.aggregator.Lifecycle(audit.ApplicationStop)
	a.closeAudit()
	log.Println("Server stopped")
}

func (a *dcmproxyApp) closeAudit() {
	if a.auditSvc != nil {
		a.auditSvc.Stop()
	}
	if a.natsSink != nil {
		if err := a.natsSink.Close(); err != nil {
			log.Printf("NATS close error: %v", err)
		}
	}
	if a.auditRepo != nil {
		if err := a.auditRepo.Close(); err != nil {
			log.Printf("Audit repo close error: %v", err)
		}
	}
}
