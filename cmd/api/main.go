package main

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tariffmeter/internal/cloud"
	"tariffmeter/internal/config"
	"tariffmeter/internal/database"
	httpHandlers "tariffmeter/internal/http"
	"tariffmeter/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	db, err := database.Connect()
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("schema bootstrap failed")
	}

	svcs, err := service.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("service init failed")
	}

	var reports service.ReportStore
	if config.UseCloudServices() {
		s3, err := cloud.NewS3Client(context.Background(), config.AWSRegion(), config.S3Bucket())
		if err != nil {
			log.Fatal().Err(err).Msg("s3 init failed")
		}
		reports = s3
	}

	app := fiber.New()

	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })

	httpHandlers.Register(app, svcs, reports)

	addr := config.APIAddr()
	log.Info().Str("addr", addr).Msg("api listening")
	log.Fatal().Err(app.Listen(addr)).Msg("server exit")
}
