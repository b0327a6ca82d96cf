package main

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusti/possync/internal/checkout"
	"github.com/nexusti/possync/internal/connectivity"
	"github.com/nexusti/possync/internal/daemon"
	"github.com/nexusti/possync/internal/documents"
	"github.com/nexusti/possync/internal/orchestrator"
	"github.com/nexusti/possync/internal/remote"
	"github.com/nexusti/possync/internal/store"
	"github.com/nexusti/possync/internal/syncer"
)

// app is everything a command needs, wired from cfg.
type app struct {
	db       *store.DB
	client   *remote.HTTPClient
	checker  connectivity.Checker
	worker   syncer.Worker
	docs     *documents.Pipeline
	orch     *orchestrator.Orchestrator
	post     *daemon.PostCheckout
	checkout *checkout.Processor
	events   *eventRelay
}

// eventRelay lets the orchestrator be built before the dashboard that
// consumes its events.
type eventRelay struct {
	sink orchestrator.EventSink
}

func (r *eventRelay) Publish(ev orchestrator.Event) {
	if r.sink != nil {
		r.sink.Publish(ev)
	}
}

// openApp opens the local store and wires the sync stack.
func openApp() (*app, error) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	client := remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL: cfg.Remote.BaseURL,
		Token:   cfg.Remote.Token,
		Timeout: cfg.Remote.Timeout,
	})

	var checker connectivity.Checker = connectivity.DialChecker{
		Address: cfg.Remote.ProbeAddress,
		Timeout: cfg.Remote.ProbeTimeout,
	}
	if cfg.Remote.ProbeAddress == "" {
		addr := connectivity.ProbeAddress(cfg.Remote.BaseURL)
		if addr == "" {
			_ = db.Close()
			return nil, fmt.Errorf("cannot derive a probe address from remote.base_url %q", cfg.Remote.BaseURL)
		}
		checker = connectivity.DialChecker{Address: addr, Timeout: cfg.Remote.ProbeTimeout}
	}

	worker := syncer.New(db, client, syncer.Config{
		MaxRetries: cfg.Sync.MaxRetries,
		Timeout:    cfg.Sync.Timeout,
	}, logger.Named("syncer"))

	docs := documents.New(db, client, client, documents.PDFRenderer{StoreName: cfg.Checkout.StoreName}, documents.Config{
		SpoolDir:   cfg.SpoolDir,
		MaxRetries: cfg.Sync.DocMaxRetries,
		Timeout:    cfg.Sync.Timeout,
		KeepLocal:  cfg.Sync.KeepDocuments,
	}, logger.Named("documents"))

	events := &eventRelay{}
	orch := orchestrator.New(checker, db, worker, docs, events, logger.Named("orchestrator"))

	post := daemon.NewPostCheckout(docs, worker, checker, cfg.Checkout.EagerSync, logger.Named("checkout"))
	opts := checkout.Options{
		OutboxMode:    checkout.OutboxMode(cfg.Checkout.OutboxMode),
		StockPolicy:   checkout.StockPolicy(cfg.Checkout.StockPolicy),
		NumberingMode: checkout.NumberingMode(cfg.Checkout.Numbering),
		AfterCommit:   post.Hook,
	}
	proc := checkout.New(db, checkout.StaticSession(cfg.UserID), opts, logger.Named("checkout"))

	return &app{
		db:       db,
		client:   client,
		checker:  checker,
		worker:   worker,
		docs:     docs,
		orch:     orch,
		post:     post,
		checkout: proc,
		events:   events,
	}, nil
}

// close waits for background pushes and closes the store.
func (a *app) close() {
	a.post.Wait()
	if err := a.db.Close(); err != nil {
		logger.Warn("failed to close database", zap.Error(err))
	}
}

func mustOpenApp() *app {
	a, err := openApp()
	if err != nil {
		exitf("%v", err)
	}
	return a
}

func taxPercent() decimal.Decimal {
	return decimal.NewFromFloat(cfg.Checkout.TaxPercent)
}
