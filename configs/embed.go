package configs

import "embed"

// TemplateDefaults contains shipped default template YAML documents.
//
//go:embed templates/*.yaml
var TemplateDefaults embed.FS
