// Command geowatch runs the geofence service.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/cobrun/geowatch/bootstrap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.Initialize(ctx, "geowatch")
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	svc.Logger.Info("geowatch ready", "addr", svc.Server.Addr())
	if err := svc.Run(ctx); err != nil {
		svc.Logger.Fatal("service exited with error", "error", err)
	}
}
