package main

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"tariffmeter/internal/config"
	"tariffmeter/internal/domain"
)

// Local stand-in for the telemetry API: serves the token and device-log
// endpoints with generated add_ele entries so the poller can run without
// vendor credentials. Signatures are accepted unchecked.
func main() {
	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	app := fiber.New()

	app.Get("/v1.0/token", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"success": true,
			"result":  fiber.Map{"access_token": fmt.Sprintf("sim-%d", time.Now().Unix())},
		})
	})

	app.Get("/v1.0/devices/:id/logs", func(c *fiber.Ctx) error {
		start, _ := strconv.ParseInt(c.Query("start_time"), 10, 64)
		end, _ := strconv.ParseInt(c.Query("end_time"), 10, 64)
		size := c.QueryInt("size", 100)
		if end == 0 {
			end = time.Now().UnixMilli()
		}
		if start == 0 || start >= end {
			start = end - 24*int64(time.Hour/time.Millisecond)
		}

		// One add_ele event per ~15 minutes across the window, page capped.
		logs := make([]domain.RawLogEntry, 0, size)
		step := int64(15 * time.Minute / time.Millisecond)
		for ts := start + step; ts < end && len(logs) < size; ts += step {
			logs = append(logs, domain.RawLogEntry{
				Code:      "add_ele",
				EventTime: ts,
				Value:     strconv.Itoa(50 + rand.Intn(400)), // milli-kWh
			})
		}

		return c.JSON(fiber.Map{
			"success": true,
			"result": fiber.Map{
				"logs":         logs,
				"has_next":     false,
				"next_row_key": "",
			},
		})
	})

	log.Info().Msg("telemetry simulator on :9090")
	log.Fatal().Err(app.Listen(":9090")).Msg("server exit")
}
