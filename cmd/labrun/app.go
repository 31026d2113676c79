package main

import (
	"github.com/dukex/labrun/pkg/cmd"
	"github.com/dukex/labrun/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp builds the HTTP surface of engine.
func NewApp(engine *cmd.Engine) *fiber.App {
	handlers := web.NewAPIHandlers(web.Services{
		Orchestrator:  engine.Orchestrator,
		Executor:      engine.Runner,
		Control:       engine.Control,
		ExecutionRuns: engine.ExecutionRuns,
		Incidents:     engine.Incidents,
		Workers:       engine.Workers,
		Contract:      engine.Contract,
		Store:         engine.Store,
	}, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("labrun execution engine")
	})

	handlers.Routes(app)

	return app
}
