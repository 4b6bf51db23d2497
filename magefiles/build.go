//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Builds both binaries into bin/.
func (Build) All() error {
	mg.Deps(Shaders.Check)
	for _, name := range []string{"rtheadless", "rtviewer"} {
		if _, err := executeCmd("go", withArgs("build", "-o", "bin/"+name, "./cmd/"+name), withStream()); err != nil {
			return err
		}
	}
	return nil
}

// Builds the headless renderer only. It needs no window system.
func (Build) Headless() error {
	_, err := executeCmd("go", withArgs("build", "-o", "bin/rtheadless", "./cmd/rtheadless"), withStream())
	return err
}
