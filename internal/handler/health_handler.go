package handler

import (
	"context"
	"time"

	"github.com/careatlas/bulk-intake/internal/store"
	"github.com/gofiber/fiber/v2"
)

const readinessTimeout = 2 * time.Second

func RegisterHealthRoutes(app fiber.Router, batchStore store.BatchStore) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(batchStore))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

func ReadyzHandler(batchStore store.BatchStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), readinessTimeout)
		defer cancel()

		redisErr := batchStore.Ping(ctx)

		redisStatus := "ok"
		status := "ready"
		statusCode := fiber.StatusOK
		if redisErr != nil {
			redisStatus = "down"
			status = "not_ready"
			statusCode = fiber.StatusServiceUnavailable
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"checks": fiber.Map{
				"redis": redisStatus,
			},
		})
	}
}
