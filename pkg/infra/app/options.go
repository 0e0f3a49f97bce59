package app

import (
	cliflag "k8s.io/component-base/cli/flag"
)

// CliOptions abstracts configuration options for reading parameters from the
// command line, config files and the environment.
type CliOptions interface {
	// Flags returns the option flags grouped by section.
	Flags() cliflag.NamedFlagSets
	// Complete fills in derived defaults after all sources are applied.
	Complete() error
	// Validate checks the completed options.
	Validate() error
}
