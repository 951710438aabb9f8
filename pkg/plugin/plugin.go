// Package plugin loads user-supplied editor/extender/classifier
// implementations from a shared object built with `go build
// -buildmode=plugin`. Dynamic-library loading of user plug-ins is
// explicitly out of scope beyond this thin contract: this package only
// resolves a well-known factory symbol and hands back whatever it
// returns.
package plugin

import (
	"fmt"
	"plugin"
)

// FactorySymbol is the exported symbol every plugin must define: a
// func() (interface{}, error) that constructs the user's editor,
// extender, or classifier implementation.
const FactorySymbol = "New"

// Load opens the plugin at path and invokes its New factory,
// returning whatever interface{} it constructs (the caller type-asserts
// it to the Extender, BodyEditor, FullEventEditor, or Classifier
// interface it expects).
func Load(path string) (interface{}, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: opening %s: %w", path, err)
	}
	sym, err := p.Lookup(FactorySymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s missing %q symbol: %w", path, FactorySymbol, err)
	}
	factory, ok := sym.(func() (interface{}, error))
	if !ok {
		return nil, fmt.Errorf("plugin: %s's %q symbol has unexpected signature", path, FactorySymbol)
	}
	return factory()
}
