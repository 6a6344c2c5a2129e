package demo

import (
	_ "embed"

	"github.com/harun/switchboard/pkg/agent"
)

//go:embed catalog.yaml
var catalogYAML []byte

// CatalogYAML returns the demo catalog definition
func CatalogYAML() []byte {
	return append([]byte(nil), catalogYAML...)
}

// Catalog builds the demo catalog. opts.Tools defaults to Tools().
func Catalog(opts agent.LoadOptions) (*agent.Catalog, error) {
	if opts.Tools == nil {
		opts.Tools = Tools()
	}
	return agent.ParseCatalog(catalogYAML, "yaml", opts)
}
