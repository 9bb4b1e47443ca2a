// Package defaults provides the embedded example configuration file
// for the micloud-bridge init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte
