// Package templates embeds the default config and the starter cascade.
package templates

import "embed"

//go:embed config.yaml default_cascade.yaml
var FS embed.FS

// DefaultCascade is the document written by init and by recovery when no
// usable backup exists.
const DefaultCascade = "default_cascade.yaml"
