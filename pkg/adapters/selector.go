package adapters

import (
	"fmt"

	"github.com/dukex/labrun/pkg/models"
)

// Strategy is one entry of the selector's ordered list.
type Strategy struct {
	Name      string
	Matches   func(platform models.TargetPlatform, params map[string]any) bool
	Transport Transport
}

// Selector picks the transport for a dispatch by walking its strategies in
// order. The first match wins.
type Selector struct {
	strategies []Strategy
}

// NewSelector creates a selector over an explicit strategy list.
func NewSelector(strategies ...Strategy) *Selector {
	return &Selector{strategies: strategies}
}

// SelectorConfig describes the standard priority order.
type SelectorConfig struct {
	// Simulator handles runs that ask for simulation, and every run when
	// ForceSimulate is set.
	Simulator     Transport
	ForceSimulate bool

	// HTTP maps platforms to their direct HTTP transports.
	HTTP map[models.TargetPlatform]Transport

	// Sidecar is the generic subprocess fallback.
	Sidecar Transport
}

// NewDefaultSelector builds the standard order: explicit simulator mode,
// then the platform's HTTP transport, then the sidecar.
func NewDefaultSelector(cfg SelectorConfig) *Selector {
	var strategies []Strategy

	if cfg.Simulator != nil {
		force := cfg.ForceSimulate
		strategies = append(strategies, Strategy{
			Name: "simulator",
			Matches: func(_ models.TargetPlatform, params map[string]any) bool {
				return force || Simulated(params)
			},
			Transport: cfg.Simulator,
		})
	}

	for _, platform := range models.Platforms() {
		t, ok := cfg.HTTP[platform]
		if !ok || t == nil {
			continue
		}

		target := platform
		strategies = append(strategies, Strategy{
			Name: "http:" + string(platform),
			Matches: func(p models.TargetPlatform, _ map[string]any) bool {
				return p == target
			},
			Transport: t,
		})
	}

	if cfg.Sidecar != nil {
		strategies = append(strategies, Strategy{
			Name:      "sidecar",
			Matches:   func(models.TargetPlatform, map[string]any) bool { return true },
			Transport: cfg.Sidecar,
		})
	}

	return NewSelector(strategies...)
}

// Select returns the transport for a platform and its runtime parameters.
func (s *Selector) Select(platform models.TargetPlatform, params map[string]any) (Transport, error) {
	for _, strategy := range s.strategies {
		if strategy.Matches(platform, params) {
			return strategy.Transport, nil
		}
	}

	return nil, fmt.Errorf("%w for platform %s", ErrNoTransport, platform)
}

// Strategies returns the strategy names in evaluation order.
func (s *Selector) Strategies() []string {
	names := make([]string, 0, len(s.strategies))
	for _, strategy := range s.strategies {
		names = append(names, strategy.Name)
	}

	return names
}

// Transports returns the distinct transports the selector can choose.
func (s *Selector) Transports() []Transport {
	seen := make(map[string]bool)

	var out []Transport

	for _, strategy := range s.strategies {
		id := registryKey(strategy.Transport.AdapterID())
		if !seen[id] {
			seen[id] = true
			out = append(out, strategy.Transport)
		}
	}

	return out
}
