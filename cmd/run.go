package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/modkit/internal/bundles"
	"github.com/zjrosen/modkit/internal/config"
	"github.com/zjrosen/modkit/internal/framework"
	"github.com/zjrosen/modkit/internal/journal"
	"github.com/zjrosen/modkit/internal/ldap"
	"github.com/zjrosen/modkit/internal/log"
	"github.com/zjrosen/modkit/internal/metrics"
	"github.com/zjrosen/modkit/internal/pubsub"
	"github.com/zjrosen/modkit/internal/service"
	"github.com/zjrosen/modkit/internal/tracing"
	"github.com/zjrosen/modkit/internal/watcher"
)

var runDuration time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the framework and the configured bundles",
	Long: `Start the framework, install the bundles listed in the config file and
start those not marked start: false. Runs until interrupted, or for
--duration.

Metrics, the event journal, tracing and config reloading are enabled from
the config file.

Example:
  modkit run
  modkit run --duration 10s --log-level debug`,
	RunE: runFramework,
}

func init() {
	runCmd.Flags().DurationVarP(&runDuration, "duration", "d", 0, "stop after this long (0 runs until interrupted)")
	rootCmd.AddCommand(runCmd)
}

func runFramework(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runDuration)
		defer cancel()
	}

	rt, err := startNode(cfg, cmd.OutOrStdout(), log.Default())
	if err != nil {
		return err
	}

	if cfg.WatchConfig && viper.ConfigFileUsed() != "" {
		w, err := watchLogLevel(viper.ConfigFileUsed(), rt.logger)
		if err != nil {
			rt.logger.Warn(log.CatWatcher, "config reload disabled", "error", err)
		} else {
			defer func() { _ = w.Stop() }()
		}
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "framework %s started with %d bundles\n", rt.fw.UUID(), len(rt.fw.Bundles())-1)
	if rt.metrics != nil {
		_, _ = fmt.Fprintf(out, "metrics on http://%s/metrics\n", rt.metrics.Addr())
	}

	<-ctx.Done()
	_, _ = fmt.Fprintln(out, "shutting down")
	return rt.shutdown()
}

// node is everything `run` starts.
type node struct {
	fw      *framework.Framework
	logger  *log.Logger
	tracing *tracing.Provider
	metrics *metrics.Server
	db      *journal.DB
	journal *journal.Journal
	filters *ldap.Cache
	done    chan struct{}
}

func startNode(c config.Config, out io.Writer, logger *log.Logger) (*node, error) {
	rt := &node{logger: logger, done: make(chan struct{})}

	tp, err := tracing.NewProvider(c.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	rt.tracing = tp

	var regOpts []service.Option
	if c.Metrics.Enabled {
		collector := metrics.NewCollector(true)
		rt.metrics = metrics.NewServer(c.Metrics.ListenAddr, collector, logger)
		if err := rt.metrics.Start(); err != nil {
			_ = tp.Shutdown(context.Background())
			return nil, err
		}
		regOpts = append(regOpts, service.WithObserver(collector))
	}

	if c.Registry.FilterCache.Enabled {
		rt.filters = ldap.NewCache(c.Registry.FilterCache.Expiration, c.Registry.FilterCache.CleanupInterval, logger)
	}

	rt.fw = framework.New(
		framework.WithLogger(logger),
		framework.WithTracer(tp.RegistryTracer()),
		framework.WithFilterCache(rt.filters),
		framework.WithRegistryOptions(regOpts...),
	)
	go rt.logEvents(rt.fw.Events(context.Background()))
	if err := rt.fw.Start(); err != nil {
		return nil, errors.Join(err, rt.shutdown())
	}

	if c.Journal.Enabled {
		if err := rt.openJournal(c.Journal.Path); err != nil {
			return nil, errors.Join(err, rt.shutdown())
		}
	}

	catalog := bundles.Default(out, logger)
	for _, bc := range c.Bundles {
		b, err := catalog.Install(rt.fw, bc.Name, bc.Properties)
		if err != nil {
			logger.Warn(log.CatBundle, "install failed", "bundle", bc.Name, "error", err)
			continue
		}
		if !bc.ShouldStart() {
			continue
		}
		if err := b.Start(); err != nil {
			logger.Warn(log.CatBundle, "start failed", "bundle", bc.Name, "error", err)
		}
	}
	return rt, nil
}

func (rt *node) openJournal(path string) error {
	db, err := journal.NewDB(path)
	if err != nil {
		return err
	}
	j, err := journal.Begin(db, rt.fw.UUID(), rt.logger)
	if err != nil {
		_ = db.Close()
		return err
	}
	if err := j.Attach(rt.fw.SystemBundle().Context()); err != nil {
		_ = db.Close()
		return err
	}
	rt.db, rt.journal = db, j
	return nil
}

// logEvents reports framework errors and warnings until the broker closes.
func (rt *node) logEvents(events <-chan pubsub.Message[framework.Event]) {
	defer close(rt.done)
	for msg := range events {
		ev := msg.Payload
		switch ev.Kind {
		case framework.EventError:
			rt.logger.ErrorErr(log.CatBundle, "framework error", ev.Err, "bundle", ev.Bundle)
		case framework.EventWarning:
			rt.logger.Warn(log.CatBundle, "framework warning", "bundle", ev.Bundle, "error", ev.Err)
		}
	}
}

func (rt *node) shutdown() error {
	var errs []error
	if rt.fw != nil {
		errs = append(errs, rt.fw.Stop())
		<-rt.done
	}
	if rt.journal != nil {
		errs = append(errs, rt.journal.Close(), rt.db.Close())
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rt.metrics != nil {
		errs = append(errs, rt.metrics.Shutdown(shutdownCtx))
	}
	if rt.filters != nil {
		hits, misses, size := rt.filters.Stats()
		rt.logger.Debug(log.CatLDAP, "filter cache", "hits", hits, "misses", misses, "size", size)
	}
	errs = append(errs, rt.tracing.Shutdown(shutdownCtx))
	return errors.Join(errs...)
}

// watchLogLevel applies log.level from path every time the file changes.
func watchLogLevel(path string, logger *log.Logger) (*watcher.Watcher, error) {
	wcfg := watcher.DefaultConfig(path)
	wcfg.Logger = logger
	w, err := watcher.New(wcfg)
	if err != nil {
		return nil, err
	}
	changes, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return nil, err
	}
	go func() {
		for range changes {
			reloadLogLevel(path, logger)
		}
	}()
	return w, nil
}

func reloadLogLevel(path string, logger *log.Logger) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		logger.Warn(log.CatConfig, "config reload failed", "error", err)
		return
	}
	level, err := log.ParseLevel(v.GetString("log.level"))
	if err != nil {
		logger.Warn(log.CatConfig, "config reload failed", "error", err)
		return
	}
	if level != logger.Level() {
		logger.SetLevel(level)
		logger.Info(log.CatConfig, "log level changed", "level", level.String())
	}
}
