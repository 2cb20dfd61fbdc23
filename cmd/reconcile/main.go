// Command reconcile settles turn intents left unsettled by interrupted
// requests. It runs as a scheduled Lambda.
package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"

	"metered-assistant/internal/app"
	"metered-assistant/internal/config"
	"metered-assistant/internal/usecase"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := app.NewLogger(os.Stdout, cfg).With().Str("service", "reconcile").Logger()

	services, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build services")
	}
	defer services.Close()

	lambda.Start(func(ctx context.Context, ev events.CloudWatchEvent) (usecase.ReconcileReport, error) {
		log.Info().Str("event_id", ev.ID).Time("scheduled_at", ev.Time).Msg("reconcile triggered")
		return services.Reconciler.Run(ctx)
	})
}
