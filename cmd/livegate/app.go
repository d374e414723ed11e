package main

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/localrivet/livegate/auth"
	"github.com/localrivet/livegate/config"
	"github.com/localrivet/livegate/provider"
	"github.com/localrivet/livegate/server"
	"github.com/localrivet/livegate/session"
	"github.com/localrivet/livegate/transcript"
	"github.com/localrivet/livegate/upstream"
)

// buildValidator returns the credential validator for the configured mode,
// wrapped in a success cache when a TTL is set.
func buildValidator(ctx context.Context, cfg config.AuthConfig) (auth.Validator, error) {
	claims := auth.ClaimsConfig{
		ExpectedIssuer:   cfg.Issuer,
		ExpectedAudience: cfg.Audience,
	}

	var v auth.Validator
	switch cfg.Mode {
	case config.AuthHMAC:
		hv, err := auth.NewHMACValidator(cfg.HMACSecret, claims)
		if err != nil {
			return nil, err
		}
		v = hv
	case config.AuthJWKS:
		jv, err := auth.NewJWKSValidator(ctx, auth.JWKSConfig{ClaimsConfig: claims, JWKSURL: cfg.JWKSURL}, nil)
		if err != nil {
			return nil, err
		}
		v = jv
	case config.AuthAPIKey, "":
		v = auth.NewAPIKeyValidator(cfg.AllowedKeys...)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}

	if cfg.CacheTTL > 0 {
		v = auth.NewCachedValidator(v, cfg.CacheTTL)
	}
	return v, nil
}

func newRegistry(cfg config.ProvidersConfig, logger *slog.Logger, tracer trace.Tracer) *provider.Registry {
	return provider.NewRegistry(
		provider.WithRegistryLogger(logger),
		provider.WithTracer(tracer),
		provider.WithClientOptions(
			provider.WithCallTimeout(cfg.CallTimeout),
			provider.WithMetadataTimeout(cfg.MetadataTimeout),
			provider.WithClientInfo("livegate", version),
		),
	)
}

// loadSpecs reads the providers file. No file configured means no providers.
func loadSpecs(cfg config.ProvidersConfig) ([]provider.LaunchSpec, error) {
	if cfg.File == "" {
		return nil, nil
	}
	return config.LoadProviders(cfg.File)
}

func newDialer(cfg config.UpstreamConfig, logger *slog.Logger) *upstream.WSDialer {
	return upstream.NewWSDialer(cfg.APIKey,
		upstream.WithEndpoint(cfg.URL),
		upstream.WithBackoff(upstream.NewExponentialBackoff(cfg.DialInitialDelay, cfg.DialMaxDelay, cfg.DialAttempts)),
		upstream.WithLogger(logger),
	)
}

// sessionFactory builds one session per authenticated client. Sessions are
// recorded when recorder is non-nil.
func sessionFactory(
	cfg config.Config,
	dialer upstream.Dialer,
	tools session.Executor,
	recorder *transcript.Recorder,
	logger *slog.Logger,
	tracer trace.Tracer,
) server.SessionFactory {
	return func(ctx context.Context) (server.Session, error) {
		log := logger
		if p, ok := auth.PrincipalFromContext(ctx); ok {
			log = logger.With("principal", p.GetSubject())
		}
		s := session.New(dialer, tools,
			session.WithLogger(log),
			session.WithModel(cfg.Upstream.Model),
			session.WithSystemInstruction(cfg.Upstream.SystemInstruction),
			session.WithHeartbeatInterval(cfg.Session.HeartbeatInterval),
			session.WithDrainInterval(cfg.Session.DrainInterval),
			session.WithTracer(tracer),
		)
		if recorder != nil {
			recorder.Attach(s)
		}
		return s, nil
	}
}
