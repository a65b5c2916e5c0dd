// Package defaults provides the embedded example configuration written
// by the plotrix init subcommand.
package defaults

import _ "embed"

// ConfigYAML is a commented starting configuration. It loads cleanly
// with [config.LoadFile].
//
//go:embed config.example.yaml
var ConfigYAML []byte
