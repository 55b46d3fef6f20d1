package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/okko/fennica/activitypub"
	"github.com/okko/fennica/db"
	"github.com/okko/fennica/util"
	"github.com/okko/fennica/web"
)

func main() {
	conf, err := util.ReadConf()
	if err != nil {
		log.Fatal("Could not read configuration", "err", err)
	}
	if conf.Conf.Domain == "" {
		log.Fatal("No domain configured, refusing to federate")
	}

	store, err := db.New(util.ResolveFilePath(conf.Conf.DbPath))
	if err != nil {
		log.Fatal("Could not open database", "err", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := activitypub.NewWorker(store, conf)
	go worker.Run(ctx)

	server := web.NewServer(conf, store)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler: server.Engine(),
	}

	go func() {
		log.Info("Starting federation server", "addr", httpServer.Addr, "domain", conf.Conf.Domain, "version", util.Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Forced shutdown", "err", err)
		os.Exit(1)
	}
}
