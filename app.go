package main

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/correlation"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/credential"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/gateway"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/ingress"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/job"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/logger"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/revocation"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/store"
	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/token"
)

// initTimeout is used to bound execution time of the startup health check.
const initTimeout = time.Second * 5

// App contains global application state.
type App struct {
	conf Config

	mainJob job.ServiceJob

	*job.Process
}

// NewApp initializes a new credential service app and returns it.
func NewApp(conf Config) (*App, error) {
	app := &App{conf: conf}
	app.mainJob = job.NewServiceJob(app.run)
	return app, nil
}

// Run initializes and runs the HTTP server and the queue consumers.
func (a *App) Run(ctx context.Context) error {
	a.Process = job.NewProcess(ctx)
	a.SpawnCriticalJob(a.mainJob)
	<-a.Process.Done()
	return a.Err()
}

// Err returns the error app finished with.
func (a *App) Err() error {
	return trace.Wrap(a.mainJob.Err())
}

// WaitReady waits for the app to start up.
func (a *App) WaitReady(ctx context.Context) (bool, error) {
	return a.mainJob.WaitReady(ctx)
}

func (a *App) run(ctx context.Context) error {
	log := logger.Get(ctx)
	log.Infof("Starting tis-trainee-credentials %s:%s", Version, Gitref)

	clock := clockwork.NewRealClock()

	resolver, err := token.NewResolver(token.ResolverConfig{
		Host:         a.conf.Gateway.Host,
		TokenIssuers: a.conf.Gateway.TokenIssuers,
		JWKSEndpoint: a.conf.Gateway.JWKSEndpoint,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	a.checkGateway(ctx, resolver)

	codec, err := token.NewCodec(a.conf.Signing, clock)
	if err != nil {
		return trace.Wrap(err)
	}
	gw, err := gateway.NewClient(a.conf.Gateway)
	if err != nil {
		return trace.Wrap(err)
	}
	st, err := store.NewStore(a.conf.Storage, clock)
	if err != nil {
		return trace.Wrap(err)
	}

	var publisher revocation.Publisher
	var sqsClient *sqs.SQS
	if a.conf.AWS.Enabled() || a.conf.AWS.RevocationTopic != "" {
		session, err := ingress.NewSession(a.conf.AWS)
		if err != nil {
			return trace.Wrap(err)
		}
		if a.conf.AWS.RevocationTopic != "" {
			publisher = revocation.NewSNSPublisher(session, a.conf.AWS.RevocationTopic)
		}
		if a.conf.AWS.Enabled() {
			sqsClient = sqs.New(session)
		}
	}

	cache := correlation.NewCache(clock)
	a.Spawn(func(ctx context.Context) {
		cache.RunSweeper(ctx)
	})

	engine := revocation.NewEngine(st, gw, publisher, clock)

	server, err := NewServer(a.conf, ServerDeps{
		Cache:    cache,
		Resolver: resolver,
		Codec:    codec,
		Gateway:  gw,
		Store:    st,
		Engine:   engine,
		Clock:    clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	httpJob := server.ServiceJob()
	a.SpawnCriticalJob(httpJob)
	if _, err := httpJob.WaitReady(ctx); err != nil {
		return trace.Wrap(err)
	}

	if sqsClient != nil {
		consumers := []struct {
			queueURL string
			name     string
			handle   ingress.HandlerFunc
		}{
			{a.conf.AWS.ProgrammeDeleteQueue, "programme-delete", ingress.DeleteHandler(engine, credential.TypeProgramme)},
			{a.conf.AWS.ProgrammeUpdateQueue, "programme-update", ingress.UpdateHandler(engine, credential.TypeProgramme)},
			{a.conf.AWS.PlacementDeleteQueue, "placement-delete", ingress.DeleteHandler(engine, credential.TypePlacement)},
			{a.conf.AWS.PlacementUpdateQueue, "placement-update", ingress.UpdateHandler(engine, credential.TypePlacement)},
		}
		for _, consumer := range consumers {
			if consumer.queueURL == "" {
				continue
			}
			consumerJob := ingress.NewConsumer(sqsClient, consumer.queueURL, consumer.name, consumer.handle).ServiceJob()
			a.SpawnCriticalJob(consumerJob)
			if _, err := consumerJob.WaitReady(ctx); err != nil {
				return trace.Wrap(err)
			}
		}
	}

	a.mainJob.SetReady(true)
	log.Info("The credential service is ready")

	<-ctx.Done()
	return nil
}

// checkGateway probes the gateway keyset endpoint. An unreachable gateway is
// logged rather than fatal: tokens cannot verify until it recovers, but the
// queue consumers stay useful.
func (a *App) checkGateway(ctx context.Context, resolver *token.Resolver) {
	probeCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	if err := resolver.HealthCheck(probeCtx); err != nil {
		logger.Get(ctx).WithError(err).Warning("The gateway keyset endpoint is unreachable")
	}
}
