// Package configs provides the embedded configuration template.
//
// The template is embedded at build time with //go:embed so it ships
// with every distribution. `docsage config init` writes it to disk as a
// starting point; internal/config.NewConfig holds the same defaults.
package configs

import _ "embed"

// ExampleConfig is the annotated configuration template written by
// `docsage config init`.
//
//go:embed docsage.example.yaml
var ExampleConfig string
