// Package main contains the entrypoint of the correlation worker,
// which periodically delivers the ready send message instances
// to the process engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/get-eventually/go-correlator/correlate"
	"github.com/get-eventually/go-correlator/correlation"
	"github.com/get-eventually/go-correlator/logger"
	"github.com/get-eventually/go-correlator/logger/zaplogger"
	"github.com/get-eventually/go-correlator/opentelemetry"
	"github.com/get-eventually/go-correlator/process"
	"github.com/get-eventually/go-correlator/process/httpengine"
	"github.com/get-eventually/go-correlator/registry"
)

func run(ctx context.Context) error {
	config, err := parseConfig()
	if err != nil {
		return fmt.Errorf("correlator.main: failed to parse config, %v", err)
	}

	log, err := zaplogger.New(config.LogLevel)
	if err != nil {
		return fmt.Errorf("correlator.main: failed to initialize logger, %v", err)
	}

	//nolint:errcheck // No need for this error to come up if it happens.
	defer log.Zap().Sync()

	definition, err := registry.LoadFile(config.RegistryFile)
	if err != nil {
		return fmt.Errorf("correlator.main: failed to load registry, %v", err)
	}

	store, closer, err := openStore(ctx, config)
	if err != nil {
		return err
	}

	defer func() {
		if err := closer.Close(); err != nil {
			logger.Error(log, "failed to close message store", logger.Err(err))
		}
	}()

	instrumentedStore, err := opentelemetry.NewInstrumentedMessageStore(store)
	if err != nil {
		return fmt.Errorf("correlator.main: %v", err)
	}

	engine, err := opentelemetry.NewInstrumentedEngine(httpengine.NewClient(config.Engine.URL,
		httpengine.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
		httpengine.WithTimeout(config.Engine.Timeout),
	))
	if err != nil {
		return fmt.Errorf("correlator.main: %v", err)
	}

	coordinator := &correlate.Coordinator{
		Store: instrumentedStore,
		Matcher: correlation.Matcher{
			Extractor: correlation.Extractor{
				Registry:  definition.Registry,
				Evaluator: definition.Evaluator,
			},
		},
		Instantiator: process.Instantiator{Routes: definition.Routes, Engine: engine},
		Engine:       engine,
		Logger:       log,
		ClaimTimeout: config.Correlation.ClaimTimeout,
	}

	correlator, err := opentelemetry.NewInstrumentedCorrelator(coordinator)
	if err != nil {
		return fmt.Errorf("correlator.main: %v", err)
	}

	logger.Info(log, "correlation workers started",
		logger.With("store", config.Store.Kind),
		logger.With("workers", config.Correlation.Workers),
		logger.With("engine", config.Engine.URL),
	)

	group, ctx := errgroup.WithContext(ctx)

	for i := range config.Correlation.Workers {
		runner := correlate.Runner{
			Correlator:  correlator,
			Logger:      logger.WithFields(log, logger.With("worker", i)),
			Interval:    config.Correlation.Interval,
			MaxInterval: config.Correlation.MaxInterval,
		}

		group.Go(func() error { return runner.Run(ctx) })
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("correlator.main: correlation workers exited with error, %v", err)
	}

	logger.Info(log, "correlation workers stopped")

	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		panic(err)
	}
}
