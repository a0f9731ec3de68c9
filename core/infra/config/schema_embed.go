package config

import "embed"

const captureSchemaFile = "schema/capture.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
