//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Test mg.Namespace

// Runs the whole test suite.
func (Test) All() error {
	return goCmd(nil, "test", "./...")
}

// Runs the test suite with the race detector.
func (Test) Race() error {
	return goCmd(map[string]string{"CGO_ENABLED": "1"}, "test", "-race", "./...")
}
