// Package schemasassets provides the JSON schemas compiled into the binary.
package schemasassets

import _ "embed"

// JobListSchema validates job lists served by the coordinator.
//
//go:embed job-list.schema.json
var JobListSchema []byte

// FleetPlanSchema validates launch plan files.
//
//go:embed fleet-plan.schema.json
var FleetPlanSchema []byte
