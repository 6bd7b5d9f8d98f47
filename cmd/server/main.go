package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/portal-session/internal/config"
	"github.com/jrsteele09/portal-session/reconcile"
	"github.com/jrsteele09/portal-session/server"
	"github.com/jrsteele09/portal-session/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	for {
		if err := run(); err != nil {
			log.Fatal().Err(err).Msg("error running server")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	c, err := config.New()
	if err != nil {
		return err
	}
	setupLogging(c)
	if err := c.Validate(); err != nil {
		return err
	}
	displayAppname(c.GetAppName())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := buildStore(ctx, c)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := buildProvider(ctx, c)
	if err != nil {
		return err
	}

	engine, err := reconcile.New(store,
		reconcile.WithDeadline(c.GetReconcileDeadline()),
		reconcile.WithCanonicalCollection(c.GetCanonicalCollection()),
	)
	if err != nil {
		return err
	}

	machine, err := session.New(provider, store, engine,
		session.WithDeadlines(c.GetSubscriptionDeadline(), c.GetGlobalDeadline()),
		session.WithReconcileDeadline(engine.Deadline()),
		session.WithIdleThreshold(c.GetIdleThreshold()),
		session.WithCanonicalCollection(c.GetCanonicalCollection()),
	)
	if err != nil {
		return err
	}
	machineDone := make(chan struct{})
	go func() {
		defer close(machineDone)
		if err := machine.Run(ctx); err != nil {
			log.Err(err).Msg("session machine exited")
		}
	}()

	handler, err := server.New(c, machine, provider)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              c.GetPort(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- listenAndServe(srv)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			returnError = err
		}
	case <-waitForStopSignal():
		returnError = shutdown(srv)
	}

	cancel()
	<-machineDone
	return returnError
}

func setupLogging(c config.Config) {
	level, err := zerolog.ParseLevel(c.GetLogLevel())
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if c.GetEnv() == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
	log.Logger = log.With().Str("app", c.GetAppName()).Logger()
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
