package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tabeth/sqslocal/config"
	"github.com/tabeth/sqslocal/logging"
	"github.com/tabeth/sqslocal/reaper"
	"github.com/tabeth/sqslocal/service"
	"github.com/tabeth/sqslocal/store"
	"github.com/tabeth/sqslocal/waitregistry"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	addrFlag, dbFlag, cfgFlag := config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*cfgFlag)
	if err != nil {
		logging.Error(err)
		os.Exit(1)
	}
	config.ApplyFlags(cfg, addrFlag, dbFlag)

	logging.Init("sqslocal", cfg.LogLevel)

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		logging.WithFields(logging.Fields{"error": err}).Error("failed to open storage")
		os.Exit(1)
	}
	defer db.Close()

	registry := waitregistry.New()
	baseURL := "http://" + hostFor(cfg.Listen.Address)
	svc := service.New(db, registry, baseURL, nil)

	rp := reaper.New(db, registry, cfg.ReaperInterval(), nil)
	rp.Start()
	defer rp.Stop()

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	app := &App{Service: svc}
	app.RegisterRoutes(r)

	server := &http.Server{Addr: cfg.Listen.Address, Handler: r}

	go func() {
		logging.WithFields(logging.Fields{"addr": cfg.Listen.Address}).Info("sqslocal listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.WithFields(logging.Fields{"error": err}).Error("server exited")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logging.Info("shutting down")
	_ = server.Close()
}

// hostFor returns a host:port suitable for building queue URLs from a
// listen address like ":9324" or "0.0.0.0:9324".
func hostFor(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return fmt.Sprintf("localhost%s", addr)
	}
	return addr
}
