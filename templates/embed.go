// Package templates embeds the default configuration written by `courier setup`.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
