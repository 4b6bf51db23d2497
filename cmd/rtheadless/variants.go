package main

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/gekko3d/rtcore/rt/backend"
	"github.com/gekko3d/rtcore/rt/shaders"
	"github.com/gekko3d/rtcore/rt/variant"
)

// List every effect permutation with its defines, target and source size.
func listVariants(ctx *cli.Context) error {
	setupLogging(ctx, "")

	caps := backend.Capabilities{InlineRayQuery: !ctx.Bool("no-inline"), ShaderTables: true}
	compile := ctx.Bool("compile")

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	header := []string{"#", "Target", "Source", "Defines"}
	if compile {
		header = append(header, "Bytecode")
	}
	table.SetHeader(header)

	failed := 0
	src := shaders.DefaultSources()
	for i, flags := range shaders.Permutations() {
		defs := shaders.Defines(flags, caps)
		code, err := shaders.Assemble(src, defs, 0)
		if err != nil {
			return err
		}
		row := []string{
			fmt.Sprintf("%d", i),
			shaders.Target(defs).String(),
			fmt.Sprintf("%d B", len(code)),
			strings.Join(shaders.Strings(defs), " "),
		}
		if compile {
			out, err := variant.Naga.Compile(code)
			if err != nil {
				failed++
				logger.Errorf("variant %d: %v", i, err)
				row = append(row, "FAILED")
			} else {
				row = append(row, fmt.Sprintf("%d B", len(out)))
			}
		}
		table.Append(row)
	}
	table.Render()
	logger.Infof("shader variants\n%s", buf.String())
	if failed > 0 {
		return fmt.Errorf("%d variants failed to compile", failed)
	}
	return nil
}
