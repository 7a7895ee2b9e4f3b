package main

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/firestore"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/get-eventually/go-correlator/boltdb"
	correlatorfirestore "github.com/get-eventually/go-correlator/firestore"
	"github.com/get-eventually/go-correlator/message"
	"github.com/get-eventually/go-correlator/postgres"
)

type closerFunc func() error

func (fn closerFunc) Close() error { return fn() }

var nopCloser = closerFunc(func() error { return nil })

// openStore opens the message.Store selected by the configuration.
// The returned io.Closer releases the resources held by the store.
func openStore(ctx context.Context, config *config) (message.Store, io.Closer, error) {
	ctx, cancel := context.WithTimeout(ctx, config.Store.OpenTimeout)
	defer cancel()

	switch config.Store.Kind {
	case storePostgres:
		if err := postgres.RunMigrations(config.Store.PostgresDSN); err != nil {
			return nil, nil, fmt.Errorf("correlator.openStore: failed to run migrations, %v", err)
		}

		conn, err := pgxpool.New(ctx, config.Store.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("correlator.openStore: failed to connect to postgres, %v", err)
		}

		return postgres.NewMessageStore(conn), closerFunc(func() error {
			conn.Close()
			return nil
		}), nil

	case storeBolt:
		store, err := boltdb.Open(ctx, config.Store.BoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("correlator.openStore: %v", err)
		}

		return store, store, nil

	case storeFirestore:
		client, err := firestore.NewClient(ctx, config.Store.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("correlator.openStore: failed to create firestore client, %v", err)
		}

		return correlatorfirestore.MessageStore{Client: client}, client, nil

	default:
		return message.NewInMemoryStore(), nopCloser, nil
	}
}
