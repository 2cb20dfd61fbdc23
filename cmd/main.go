package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"

	"metered-assistant/handler"
	"metered-assistant/internal/app"
	"metered-assistant/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := app.NewLogger(os.Stdout, cfg).With().Str("service", "api").Logger()

	// ---- Services ----
	services, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build services")
	}
	defer services.Close()

	// ---- Handler ----
	h, err := handler.NewHandler(services.Turns, services.Ledger, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create handler")
	}

	lambda.Start(h.Handle)
}
