// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/adapters/httpsubmit"
	"github.com/dukex/labrun/pkg/adapters/sidecar"
	"github.com/dukex/labrun/pkg/adapters/simulator"
	"github.com/dukex/labrun/pkg/adapters/twostep"
	"github.com/dukex/labrun/pkg/clock"
	"github.com/dukex/labrun/pkg/config"
	"github.com/dukex/labrun/pkg/contract"
	"github.com/dukex/labrun/pkg/models"
)

// Adapters is the set of transports built from configuration.
type Adapters struct {
	Registry *adapters.Registry
	Selector *adapters.Selector
}

func newHTTPTransport(cfg config.HTTPAdapterConfig, logger *slog.Logger) (adapters.Transport, error) {
	adapterID := string(cfg.Platform)

	switch cfg.Kind {
	case config.AdapterKindSubmit:
		return httpsubmit.New(httpsubmit.Config{
			AdapterID: adapterID,
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.Timeout,
			Headers:   cfg.Headers,
		}, logger), nil
	case config.AdapterKindTwoStep:
		return twostep.New(twostep.Config{
			AdapterID: adapterID,
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.Timeout,
			Headers:   cfg.Headers,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported adapter kind %q for %s", cfg.Kind, cfg.Platform)
	}
}

// NewAdapters registers the simulator, every configured HTTP adapter and
// the sidecar, and builds the selector over them in priority order.
func NewAdapters(cfg config.AdaptersConfig, sidecarCfg config.SidecarConfig, c *contract.Contract, clk clock.Clock, logger *slog.Logger) (*Adapters, error) {
	sim := simulator.New(simulator.Config{Delay: cfg.SimulatorDelay}, clk, logger)
	registry := adapters.NewRegistry(sim)

	selectorCfg := adapters.SelectorConfig{
		Simulator:     sim,
		ForceSimulate: cfg.ForceSimulate,
		HTTP:          map[models.TargetPlatform]adapters.Transport{},
	}

	for _, a := range cfg.HTTP {
		t, err := newHTTPTransport(a, logger)
		if err != nil {
			return nil, err
		}

		registry.Register(t)
		selectorCfg.HTTP[a.Platform] = t
	}

	if sidecarCfg.Command != "" {
		t := sidecar.New(sidecar.Config{
			Command:         sidecarCfg.Command,
			Args:            sidecarCfg.Args,
			Timeout:         sidecarCfg.Timeout,
			RequireContract: sidecarCfg.RequireContract,
		}, c, nil, logger)

		registry.Register(t)
		selectorCfg.Sidecar = t
	}

	selector := adapters.NewDefaultSelector(selectorCfg)

	logger.Info("Adapters configured", "strategies", selector.Strategies())

	return &Adapters{Registry: registry, Selector: selector}, nil
}

// NewContract loads the sidecar contract from path, or the bundled one,
// and runs its self-test.
func NewContract(path string, logger *slog.Logger) (*contract.Contract, error) {
	var (
		c   *contract.Contract
		err error
	)

	if path != "" {
		c, err = contract.LoadFile(path)
	} else {
		c, err = contract.Load()
	}

	if err != nil {
		return nil, err
	}

	report := c.SelfTest()
	if !report.Passed {
		logger.Warn("Sidecar contract self-test failed", "contract_version", report.ContractVersion)
	}

	return c, nil
}
