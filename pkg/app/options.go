package app

import (
	cliflag "k8s.io/component-base/cli/flag"
)

// NamedFlagSetOptions is implemented by the option struct of every command.
type NamedFlagSetOptions interface {
	// Flags returns the flags grouped by section for the help output.
	Flags() cliflag.NamedFlagSets

	// Complete fills in defaults that depend on other options.
	Complete() error

	// Validate returns an aggregate of every invalid option.
	Validate() error
}
