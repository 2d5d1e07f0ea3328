package lib

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/logger"
)

// Terminable is a running service that can be stopped. Both the app and its
// HTTP server satisfy it.
type Terminable interface {
	// Shutdown attempts to gracefully terminate.
	Shutdown(context.Context) error
	// Close does a fast (force) termination.
	Close()
}

// ServeSignals translates process signals into service shutdown. SIGTERM
// performs a graceful shutdown bounded by the timeout. The first SIGINT
// starts the same shutdown in the background so in-flight issuance
// callbacks can land; a second SIGINT forces an immediate stop.
func ServeSignals(service Terminable, shutdownTimeout time.Duration) {
	log := logger.Standard()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(signals)

	graceful := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("Shutting down the credential service gracefully")
		if err := service.Shutdown(ctx); err != nil {
			log.WithError(err).Warning("Graceful shutdown failed, forcing a stop")
			service.Close()
		}
	}

	interrupted := false
	for sig := range signals {
		switch sig {
		case syscall.SIGTERM:
			graceful()
			return
		case syscall.SIGINT:
			if interrupted {
				service.Close()
				return
			}
			interrupted = true
			go graceful()
		}
	}
}
