// Command labcontroller runs the lab controller process: it serves the
// HTTP/SSE API (pkg/api) and drives the background workers (image
// refresh, prepuller tick, lab reconcile, file-server reconcile, pod
// watch) under a single supervised scheduler (pkg/scheduler).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/lsst-sqre/nublado/internal/config"
	"github.com/lsst-sqre/nublado/pkg/api"
	"github.com/lsst-sqre/nublado/pkg/events"
	"github.com/lsst-sqre/nublado/pkg/fileserver"
	"github.com/lsst-sqre/nublado/pkg/images"
	"github.com/lsst-sqre/nublado/pkg/k8s"
	"github.com/lsst-sqre/nublado/pkg/lab"
	"github.com/lsst-sqre/nublado/pkg/prepuller"
	"github.com/lsst-sqre/nublado/pkg/scheduler"
	"github.com/lsst-sqre/nublado/pkg/shared/logging"
)

func main() {
	configPath := flag.String("config", "/etc/labcontroller/config.yaml", "path to the controller's YAML config file")
	development := flag.Bool("development", false, "use a development (console) log encoder instead of JSON")
	flag.Parse()

	if err := run(*configPath, *development); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, development bool) error {
	zl, log, err := logging.New(development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zl.Sync() //nolint:errcheck

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	watcher := config.NewWatcher(configPath, cfg, log)

	clientset, err := buildClientset(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		return fmt.Errorf("build kubernetes clientset: %w", err)
	}
	kc := k8s.NewUnifiedClient(clientset, k8s.Config{RequestTimeout: cfg.Kubernetes.RequestTimeout}, log)

	source, err := buildImageSource(cfg.Images)
	if err != nil {
		return fmt.Errorf("build image source: %w", err)
	}
	source = images.WithCircuitBreaker(source, cfg.Images.CircuitBreakerMax)

	imageSvc := images.NewService(source, kc, images.ServiceConfig{
		RepoPrefix:     cfg.Images.Repository,
		RecommendedTag: cfg.Images.RecommendedTag,
		NumPerClass: map[images.TagClass]int{
			images.ClassRelease: cfg.Images.NumReleases,
			images.ClassWeekly:  cfg.Images.NumWeeklies,
			images.ClassDaily:   cfg.Images.NumDailies,
		},
		Pins:         cfg.Images.Pins,
		CycleFilter:  cfg.Images.CycleFilter,
		NodeSelector: cfg.Images.NodeSelector,
		Tolerations:  toCoreTolerations(cfg.Images.Tolerations),
	}, log)

	busRegistry := events.NewRegistry(cfg.Lab.EventBufferSize)

	labManager := lab.NewManager(cfg.Lab, kc, imageSvc, busRegistry, log)
	fileServerManager := fileserver.NewManager(cfg.FileServer, kc, log)
	prepullerRunner := prepuller.NewRunner(kc, prepuller.Config{
		Namespace:      "prepuller",
		ConcurrencyCap: cfg.Prepuller.ConcurrencyLimit,
		Tolerations:    toCoreTolerations(cfg.Images.Tolerations),
	}, log)

	reg := prometheus.NewRegistry()
	metrics := api.NewMetrics(reg)
	server := api.NewServer(labManager, fileServerManager, imageSvc, cfg.Prepuller, metrics, log)

	sched := scheduler.New(scheduler.Config{MaxBackoff: cfg.Prepuller.MaxBackoff}, log)
	sched.Add("image-refresh", scheduler.Periodic(cfg.Images.RefreshInterval, imageSvc.Refresh, func(err error) {
		log.Error(err, "image refresh failed")
	}))
	sched.Add("prepuller-tick", scheduler.Periodic(cfg.Prepuller.Tick, func(ctx context.Context) error {
		prepullerRunner.Tick(ctx, imageSvc.Snapshot(), imageSvc.NodeView())
		return nil
	}, func(err error) {
		log.Error(err, "prepuller tick failed")
	}))
	sched.Add("lab-reconcile", scheduler.Periodic(cfg.Lab.ReconcileInterval, labManager.Reconcile, func(err error) {
		log.Error(err, "lab reconcile failed")
	}))
	sched.Add("fileserver-reconcile", scheduler.Periodic(cfg.FileServer.ReconcileInterval, func(ctx context.Context) error {
		fileServerManager.ReconcileSweep(ctx)
		return nil
	}, func(err error) {
		log.Error(err, "file server reconcile failed")
	}))
	sched.Add("lab-pod-watch", labManager.RunPodWatch)
	sched.OnShutdown(busRegistry.CloseAll)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schedErrCh := make(chan error, 1)
	go func() { schedErrCh <- sched.Run(ctx) }()

	mainSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	metricsSrv := &http.Server{
		Addr:    cfg.Server.MetricsAddr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	srvErrCh := make(chan error, 2)
	go func() { srvErrCh <- listenAndServe(mainSrv, "api") }()
	go func() { srvErrCh <- listenAndServe(metricsSrv, "metrics") }()
	go watchReloadSignal(ctx, watcher, log)

	if err := imageSvc.Refresh(ctx); err != nil {
		log.Error(err, "initial image refresh failed, serving with an empty catalog")
	}

	log.Info("labcontroller started", "listenAddr", cfg.Server.ListenAddr, "metricsAddr", cfg.Server.MetricsAddr)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-srvErrCh:
		log.Error(err, "http server exited unexpectedly")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mainSrv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "api server shutdown error")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "metrics server shutdown error")
	}

	if err := <-schedErrCh; err != nil {
		log.Error(err, "scheduler shutdown error")
	}
	return nil
}

func listenAndServe(srv *http.Server, name string) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// watchReloadSignal reloads the config file on SIGHUP rather than
// carrying an fsnotify dependency for a concern this small.
func watchReloadSignal(ctx context.Context, w *config.Watcher, log logr.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := w.Reload(); err != nil {
				log.Error(err, "config reload failed")
			}
		}
	}
}

// buildClientset builds a real clientset: in-cluster config when
// kubeconfig is empty (the normal in-pod deployment), otherwise the
// named kubeconfig file (local development against a real or kind
// cluster).
func buildClientset(kubeconfig string) (kubernetes.Interface, error) {
	restCfg, err := buildRESTConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restCfg)
}

func buildRESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		return rest.InClusterConfig()
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

func buildImageSource(cfg config.ImagesSettings) (images.ImageSource, error) {
	switch cfg.SourceKind {
	case "", "registry":
		return images.NewRegistrySource(images.RegistryConfig{
			Repository:             cfg.Repository,
			TokenEndpointAllowlist: cfg.TokenEndpoints,
		})
	default:
		return nil, fmt.Errorf("unsupported image source kind %q", cfg.SourceKind)
	}
}

func toCoreTolerations(in []config.Toleration) []corev1.Toleration {
	out := make([]corev1.Toleration, 0, len(in))
	for _, t := range in {
		out = append(out, corev1.Toleration{
			Key:      t.Key,
			Operator: corev1.TolerationOperator(t.Operator),
			Value:    t.Value,
			Effect:   corev1.TaintEffect(t.Effect),
		})
	}
	return out
}
