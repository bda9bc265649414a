// Copyright (C) 2024 The relaysrv Authors.

package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pwalski/ya-relay-go/lib/nat"
	"github.com/pwalski/ya-relay-go/lib/relay/server"
)

var (
	listen string
	debug  bool = false

	sessionTimeout         time.Duration = 10 * time.Minute
	sessionCleanerInterval time.Duration = time.Minute
	forwardRate            int           = server.ForwarderRateLimit

	statusAddr string
	natMethod  string
)

func main() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	flag.StringVar(&listen, "listen", ":7477", "UDP listen address")
	flag.DurationVar(&sessionTimeout, "session-timeout", sessionTimeout, "Liveness window after which an idle session is evicted")
	flag.DurationVar(&sessionCleanerInterval, "session-cleaner-interval", sessionCleanerInterval, "How often the session-expiry sweep runs")
	flag.IntVar(&forwardRate, "forward-rate", forwardRate, "Per-sender forwarding budget in bytes per second")
	flag.BoolVar(&debug, "debug", debug, "Enable debug output")
	flag.StringVar(&statusAddr, "status-srv", "", "Listen address for the status service (disabled unless set)")
	flag.StringVar(&natMethod, "nat", "none", "NAT traversal method: any, upnp, pmp, extip:<IP>, or none")
	flag.Parse()

	srv, err := server.Bind(listen, server.Config{
		SessionTimeout:         sessionTimeout,
		SessionCleanerInterval: sessionCleanerInterval,
		ForwardRate:            forwardRate,
		Debug:                  debug,
	})
	if err != nil {
		log.Fatalf("relaysrv: binding %s: %v", listen, err)
	}
	log.Printf("relaysrv: listening on %s", srv.LocalAddr())

	var mapper *nat.Mapper
	if gw, err := nat.Discover(natMethod); err != nil {
		log.Printf("relaysrv: NAT discovery failed, continuing without port mapping: %v", err)
	} else if gw != nil {
		mapper = nat.NewMapper(gw, srv.LocalAddr().Port, "ya-relay-go")
		go mapper.Run()
		if ip, err := mapper.ExternalAddr(); err == nil {
			log.Printf("relaysrv: mapped external address %s:%d", ip, srv.LocalAddr().Port)
		}
	}

	if statusAddr != "" {
		go statusService(statusAddr, srv)
	}

	go func() {
		if err := srv.Run(); err != nil {
			log.Fatalf("relaysrv: %v", err)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	log.Println("relaysrv: shutting down")
	if mapper != nil {
		mapper.Stop()
	}
	srv.Stop()
}
