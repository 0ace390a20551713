// Command gatewayd is the diagnostic gateway daemon: it enumerates
// available adapters, opens the configured transport, and serves the
// client-facing websocket API until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bmwdiag/gateway/internal/catalog"
	"github.com/bmwdiag/gateway/internal/config"
	"github.com/bmwdiag/gateway/internal/datastore"
	"github.com/bmwdiag/gateway/internal/dispatcher"
	"github.com/bmwdiag/gateway/internal/timing"
	"github.com/bmwdiag/gateway/internal/transport"
	"github.com/bmwdiag/gateway/internal/wsapi"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "gatewayd.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("gatewayd: loading config: %v", err)
	}

	fmt.Println("Available adapters:")
	for _, a := range transport.ListAdapters() {
		fmt.Printf("  [%d] %s (serial %s)\n", a.Index, a.Description, a.Serial)
	}

	port, err := transport.Open(cfg.GetTransportConfig())
	if err != nil {
		log.Fatalf("gatewayd: opening transport: %v", err)
	}

	store, sink, err := datastore.Open(&datastore.Config{
		SQLitePath:     cfg.Datastore.SQLite.Path,
		InfluxDBURL:    cfg.Datastore.InfluxDB.URL,
		InfluxDBOrg:    cfg.Datastore.InfluxDB.Org,
		InfluxDBToken:  cfg.Datastore.InfluxDB.Token,
		InfluxDBBucket: cfg.Datastore.InfluxDB.Bucket,
	})
	if err != nil {
		log.Fatalf("gatewayd: opening datastore: %v", err)
	}
	defer store.Close()
	if sink != nil {
		defer sink.Close()
	}

	var cat *catalog.Catalog
	if cfg.Catalog.Path != "" {
		cat, err = catalog.Load(cfg.Catalog.Path)
		if err != nil {
			log.Fatalf("gatewayd: loading catalog: %v", err)
		}
	}

	clock := timing.New()
	disp := dispatcher.New(port, clock, cfg.Dispatcher.TesterAddress, cat)

	stopKeepalive := make(chan struct{})
	go keepaliveLoop(disp, stopKeepalive)
	defer close(stopKeepalive)

	server := wsapi.New(disp)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if cfg.Server.Port == 0 {
		addr = fmt.Sprintf("%s:3003", cfg.Server.Host)
	}

	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}
	go func() {
		log.Printf("gatewayd: listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gatewayd: serving: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("gatewayd: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
}

// keepaliveLoop drives the subordinate keep-alive goroutine of spec §5: it
// requests the same bus lease as every client call and never preempts one.
func keepaliveLoop(disp *dispatcher.Dispatcher, stop <-chan struct{}) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			disp.KeepaliveTick()
		case <-stop:
			return
		}
	}
}
