// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so settings validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// RelaxSettingsSchema is the embedded relax-settings JSON schema.
//
//go:embed relax-settings.schema.json
var RelaxSettingsSchema []byte
