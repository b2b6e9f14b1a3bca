package http

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"tariffmeter/internal/remote"
	"tariffmeter/internal/repository"
	"tariffmeter/internal/service"
)

// Register mounts the service entry points. reports may be nil when cloud
// services are disabled; the export routes then answer 503.
func Register(app *fiber.App, svcs *service.Services, reports service.ReportStore) {
	app.Post("/devices/:id/process", func(c *fiber.Ctx) error {
		var forceStart *int64
		if raw := c.Query("start"); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v < 0 {
				return c.Status(400).JSON(fiber.Map{"error": "start must be a non-negative epoch ms value"})
			}
			forceStart = &v
		}

		res, err := svcs.Energy.ProcessEnergyLogs(c.Context(), c.Params("id"), forceStart)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(res)
	})

	app.Get("/consumption", func(c *fiber.Ctx) error {
		totals, err := svcs.Energy.ConsumptionTotals(c.Context(),
			c.Query("device_id"), c.Query("start_date"), c.Query("end_date"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(totals)
	})

	app.Get("/consumption/daily", func(c *fiber.Ctx) error {
		bd, err := svcs.Energy.DailyBreakdown(c.Context(),
			c.Query("device_id"), c.Query("start_date"), c.Query("end_date"),
			c.QueryInt("max_days"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(bd)
	})

	app.Get("/consumption/daily/export", func(c *fiber.Ctx) error {
		if reports == nil {
			return c.Status(503).JSON(fiber.Map{"error": "cloud services disabled"})
		}
		url, err := svcs.Energy.ExportBreakdown(c.Context(), reports,
			c.Query("device_id"), c.Query("start_date"), c.Query("end_date"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"url": url})
	})

	app.Get("/consumption/daily/export/list", func(c *fiber.Ctx) error {
		if reports == nil {
			return c.Status(503).JSON(fiber.Map{"error": "cloud services disabled"})
		}
		keys, err := svcs.Energy.ListExports(c.Context(), reports)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"reports": keys})
	})
}

func fail(c *fiber.Ctx, err error) error {
	var (
		validationErr  *service.ValidationError
		authErr        *remote.AuthError
		remoteErr      *remote.RemoteError
		persistenceErr *repository.PersistenceError
	)
	switch {
	case errors.As(err, &validationErr):
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &authErr), errors.As(err, &remoteErr):
		return c.Status(502).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &persistenceErr):
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
}
