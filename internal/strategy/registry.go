package strategy

import (
	"fmt"
	"sort"

	"github.com/wonny/rotor/internal/contracts"
)

// factories maps strategy names to constructors. New strategies register
// here and become selectable through configuration.
var factories = map[string]func() contracts.Strategy{
	"sma_cross": func() contracts.Strategy { return NewSMACross(0, 0) },
	"momentum":  func() contracts.Strategy { return NewMomentum() },
}

// New returns the strategy registered under name.
func New(name string) (contracts.Strategy, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %v)", name, Names())
	}
	return factory(), nil
}

// Names lists the registered strategy names in stable order.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
