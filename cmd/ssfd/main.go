// Command ssfd is the server executable: it accepts tunnel sessions one
// after another until interrupted, hosts the admin service of each, and
// instantiates whatever user services each client requests.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/ssf-go/ssftun/config"
	"github.com/ssf-go/ssftun/link"
	"github.com/ssf-go/ssftun/services"
	"github.com/ssf-go/ssftun/session"
	"github.com/ssf-go/ssftun/ssflog"
)

func main() {
	configPath := flag.String("config", "ssfd.json", "path to the server configuration document")
	listenAddr := flag.String("listen", "0.0.0.0:8011", "physical TCP listen address")
	logLevel := flag.String("log-level", "info", "log level: error|warning|info|debug|trace")
	flag.Parse()

	level, ok := ssflog.ParseLevel(*logLevel)
	if !ok {
		level = ssflog.LevelInfo
	}
	logger := ssflog.New("ssfd", level)

	doc, err := config.Load(*configPath)
	if err != nil {
		logger.ELogf("load config: %v", err)
		os.Exit(1)
	}

	tlsCtx, err := session.LoadTLSFromConfig(doc.TLS)
	if err != nil {
		logger.ELogf("load tls context: %v", err)
		os.Exit(1)
	}

	tcpAcceptor, err := link.MakeTCPAcceptorEndpoint(link.ParamSet{"address": *listenAddr}, logger)
	if err != nil {
		logger.ELogf("build tcp acceptor: %v", err)
		os.Exit(1)
	}
	tlsAcceptor, err := link.MakeTLSAcceptorEndpoint(tcpAcceptor, tlsCtx, logger)
	if err != nil {
		logger.ELogf("build tls acceptor: %v", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := session.NewServer(tlsAcceptor, logger)
	for {
		demux, svc, err := srv.ServeOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WLogf("session failed: %v", err)
			continue
		}
		registry := services.NewRegistry(demux, logger)
		registry.Install(svc)
		go func() {
			if err := svc.Run(ctx); err != nil {
				logger.ILogf("session ended: %v", err)
			}
		}()
	}
}
