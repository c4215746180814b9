//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Records a few frames of lumen.toml on the headless backend and logs every command.
func (Run) DryRun() error {
	mg.Deps(Build.Shaders)
	return goCmd(nil, "run", ".", "-config", "lumen.toml", "-frames", "3", "-v")
}

// Records lumen.toml on a Vulkan device instead of the headless backend.
func (Run) Vulkan() error {
	mg.Deps(Build.Shaders)
	return goCmd(map[string]string{"CGO_ENABLED": "1"}, "run", ".", "-config", "lumen.toml", "-backend", "vulkan")
}
