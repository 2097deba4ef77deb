// Package bundles holds the demo bundles `modkit run` can install. They
// exercise the registry the way real bundles would: publishing services,
// updating properties and tracking each other.
package bundles

import (
	"fmt"
	"io"
	"sort"

	"github.com/zjrosen/modkit/internal/framework"
	"github.com/zjrosen/modkit/internal/log"
)

// Factory creates a fresh activator.
type Factory func() framework.Activator

// Catalog maps bundle names to their factories.
type Catalog map[string]Factory

// Default returns the built-in bundles. Console output goes to out.
func Default(out io.Writer, logger *log.Logger) Catalog {
	return Catalog{
		"greeter": func() framework.Activator { return &Greeter{} },
		"clock":   func() framework.Activator { return &Clock{logger: logger} },
		"console": func() framework.Activator { return &Console{out: out, logger: logger} },
	}
}

// Names lists the catalog sorted.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Install installs name into fw with the given headers.
func (c Catalog) Install(fw *framework.Framework, name string, headers map[string]any) (*framework.Bundle, error) {
	factory, ok := c[name]
	if !ok {
		return nil, fmt.Errorf("unknown bundle %q (available: %v)", name, c.Names())
	}
	return fw.Install(name, factory(), headers)
}
