// Command ssfc is the client executable: it dials out through the
// configured link stack (TCP, optional proxy traversal, optional circuit
// relay, TLS), then asks the server to instantiate the configured services.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ssf-go/ssftun/admin"
	"github.com/ssf-go/ssftun/config"
	"github.com/ssf-go/ssftun/link"
	"github.com/ssf-go/ssftun/session"
	"github.com/ssf-go/ssftun/ssflog"
)

func main() {
	configPath := flag.String("config", "ssfc.json", "path to the client configuration document")
	logLevel := flag.String("log-level", "info", "log level: error|warning|info|debug|trace")
	flag.Parse()

	level, ok := ssflog.ParseLevel(*logLevel)
	if !ok {
		level = ssflog.LevelInfo
	}
	logger := ssflog.New("ssfc", level)

	doc, err := config.Load(*configPath)
	if err != nil {
		logger.ELogf("load config: %v", err)
		os.Exit(1)
	}

	layer, err := buildClientLayer(doc, logger)
	if err != nil {
		logger.ELogf("build link stack: %v", err)
		os.Exit(1)
	}

	requests := make([]struct {
		Req   admin.CreateServiceRequest
		Local admin.LocalService
	}, 0, len(doc.Services))
	for _, svcCfg := range doc.Services {
		requests = append(requests, struct {
			Req   admin.CreateServiceRequest
			Local admin.LocalService
		}{
			Req: admin.CreateServiceRequest{
				ServiceID: admin.NextServiceID(),
				Kind:      svcCfg.Kind,
				Params:    svcCfg.Params,
				Reverse:   svcCfg.Reverse,
			},
			Local: loggingLocalService{logger: logger, kind: svcCfg.Kind},
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := session.NewClient(layer, session.ClientConfig{
		MaxRetryInterval: 30 * time.Second,
		MaxRetryCount:    -1,
	}, logger)
	if err := client.Run(ctx, requests); err != nil {
		logger.ELogf("session ended: %v", err)
		os.Exit(1)
	}
}

// buildClientLayer composes the client-side link stack from the
// configuration document: physical TCP, then whichever of proxy traversal
// or circuit relaying is configured (mutually exclusive per §6), then TLS.
func buildClientLayer(doc *config.Document, logger ssflog.Logger) (link.Layer, error) {
	// The physical dial (direct, or through a SOCKS/HTTP proxy) must reach
	// the first circuit hop when a circuit is configured, not the final
	// target: the target is only reachable by relaying through the chain.
	physicalHost, physicalPort := doc.TargetHost, doc.TargetPort
	if len(doc.Circuit) > 0 {
		physicalHost, physicalPort = doc.Circuit[0].Host, doc.Circuit[0].Port
	}
	physicalTarget := fmt.Sprintf("%s:%d", physicalHost, physicalPort)

	var current link.Layer
	switch {
	case doc.SOCKSProxy != nil:
		tcp, err := link.MakeTCPEndpoint(link.ParamSet{
			"address": fmt.Sprintf("%s:%d", doc.SOCKSProxy.Host, doc.SOCKSProxy.Port),
		}, logger)
		if err != nil {
			return nil, err
		}
		version := link.SOCKS5
		if doc.SOCKSProxy.Version == 4 {
			version = link.SOCKS4
		}
		current = &link.SOCKSLayer{Inner: tcp, Version: version, Target: physicalTarget, Logger: logger}
	case doc.HTTPProxy != nil:
		tcp, err := link.MakeTCPEndpoint(link.ParamSet{
			"address": fmt.Sprintf("%s:%d", doc.HTTPProxy.Host, doc.HTTPProxy.Port),
		}, logger)
		if err != nil {
			return nil, err
		}
		httpLayer := &link.HTTPConnectLayer{Inner: tcp, Target: physicalTarget, Logger: logger}
		if doc.HTTPProxy.Username != "" {
			httpLayer.Auth = &link.ProxyAuth{
				Username: doc.HTTPProxy.Username,
				Domain:   doc.HTTPProxy.Domain,
				Password: doc.HTTPProxy.Password,
			}
		}
		current = httpLayer
	default:
		tcp, err := link.MakeTCPEndpoint(link.ParamSet{"address": physicalTarget}, logger)
		if err != nil {
			return nil, err
		}
		current = tcp
	}

	if len(doc.Circuit) > 0 {
		hops := make([]link.CircuitHop, len(doc.Circuit))
		for i := range doc.Circuit {
			hops[i] = link.CircuitHop{Host: doc.Circuit[i].Host, Port: doc.Circuit[i].Port}
		}
		current = &link.CircuitLayer{
			Inner:  current,
			Hops:   hops,
			Target: link.CircuitHop{Host: doc.TargetHost, Port: doc.TargetPort},
			Logger: logger,
		}
	}

	tlsCtx, err := session.LoadTLSFromConfig(doc.TLS)
	if err != nil {
		return nil, err
	}
	return link.MakeTLSClientEndpoint(current, tlsCtx, logger)
}

// loggingLocalService reports remote service instantiation outcomes; the
// client has no local state tied to a remote service instance beyond
// knowing whether it came up.
type loggingLocalService struct {
	logger ssflog.Logger
	kind   string
}

func (l loggingLocalService) OnRemoteReady(runtimeID uint32) {
	l.logger.ILogf("service %s ready as remote id %d", l.kind, runtimeID)
}

func (l loggingLocalService) OnInitFailed(err error) {
	l.logger.WLogf("service %s failed to initialize: %v", l.kind, err)
}
