//go:build mage

package main

import (
	"fmt"
	"strings"

	"github.com/magefile/mage/mg"

	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/shaders"
	"github.com/gekko3d/rtcore/rt/variant"
)

type Shaders mg.Namespace

// Compiles every effect permutation for both traversal paths through naga.
func (Shaders) Check() error {
	src := shaders.DefaultSources()
	var failed []string
	total := 0
	for _, inline := range []bool{false, true} {
		caps := backend.Capabilities{InlineRayQuery: inline, ShaderTables: true}
		for i, flags := range shaders.Permutations() {
			defs := shaders.Defines(flags, caps)
			code, err := shaders.Assemble(src, defs, 0)
			if err == nil {
				_, err = variant.Naga.Compile(code)
			}
			total++
			if err != nil {
				failed = append(failed, fmt.Sprintf("  %d (inline=%t) %s: %v", i, inline, strings.Join(shaders.Strings(defs), ","), err))
			}
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d variants failed:\n%s", len(failed), total, strings.Join(failed, "\n"))
	}
	fmt.Printf("%d variants compiled\n", total)
	return nil
}
