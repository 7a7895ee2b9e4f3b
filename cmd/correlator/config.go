package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/get-eventually/go-correlator/correlate"
)

// Store kinds supported by the worker.
const (
	storeMemory    = "memory"
	storePostgres  = "postgres"
	storeBolt      = "bolt"
	storeFirestore = "firestore"
)

type config struct {
	LogLevel string `default:"info" split_words:"true"`

	// RegistryFile is the YAML definition of the correlation properties
	// and message start routes.
	RegistryFile string `required:"true" split_words:"true"`

	Store struct {
		Kind             string        `default:"memory"`
		PostgresDSN      string        `split_words:"true"`
		BoltPath         string        `default:"correlator.boltdb" split_words:"true"`
		FirestoreProject string        `split_words:"true"`
		OpenTimeout      time.Duration `default:"10s" split_words:"true"`
	}

	Engine struct {
		URL     string        `required:"true"`
		Timeout time.Duration `default:"10s"`
	}

	Correlation struct {
		Workers      int           `default:"1"`
		Interval     time.Duration `default:"1s"`
		MaxInterval  time.Duration `default:"30s" split_words:"true"`
		ClaimTimeout time.Duration `default:"5m" split_words:"true"`
	}
}

func parseConfig() (*config, error) {
	var config config

	if err := envconfig.Process("correlator", &config); err != nil {
		return nil, fmt.Errorf("config: failed to parse from env, %v", err)
	}

	switch config.Store.Kind {
	case storeMemory, storeBolt:
	case storePostgres:
		if config.Store.PostgresDSN == "" {
			return nil, fmt.Errorf("config: CORRELATOR_STORE_POSTGRES_DSN is required by the %s store", storePostgres)
		}
	case storeFirestore:
		if config.Store.FirestoreProject == "" {
			return nil, fmt.Errorf("config: CORRELATOR_STORE_FIRESTORE_PROJECT is required by the %s store", storeFirestore)
		}
	default:
		return nil, fmt.Errorf("config: unsupported store kind '%s'", config.Store.Kind)
	}

	if config.Correlation.Workers < 1 {
		return nil, fmt.Errorf("config: at least one correlation worker is required, got %d", config.Correlation.Workers)
	}

	if config.Correlation.ClaimTimeout <= 0 {
		config.Correlation.ClaimTimeout = correlate.DefaultClaimTimeout
	}

	// A claim must outlive the engine call made while holding it,
	// or another worker could reclaim it and deliver the message again.
	if config.Engine.Timeout <= 0 || config.Engine.Timeout >= config.Correlation.ClaimTimeout {
		return nil, fmt.Errorf(
			"config: engine timeout must be positive and shorter than the claim timeout, got %s and %s",
			config.Engine.Timeout, config.Correlation.ClaimTimeout,
		)
	}

	return &config, nil
}
