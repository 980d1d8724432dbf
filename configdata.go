// Package voicecord embeds the commented default configuration written to
// the data directory on first run.
package voicecord

import _ "embed"

// DefaultConfigTOML holds config.default.toml.
//
//go:embed config.default.toml
var DefaultConfigTOML []byte
