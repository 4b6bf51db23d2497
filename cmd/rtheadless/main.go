package main

import (
	"os"

	"github.com/urfave/cli"
)

func main() {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	app := cli.NewApp()
	app.Name = "rtheadless"
	app.Usage = "render the ray traced scene without a window"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable debug logging",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "render",
			Usage: "render frames on the software back end and save the last one",
			Description: `
Run the frame loop on the CPU back end: the scene is uploaded, the acceleration
structures are built, the shader variant for the configured feature flags is
compiled and the requested number of frames is rendered. The last frame that
reached the surface is written as a BMP image.`,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config, c",
					Usage: "TOML configuration file",
				},
				cli.IntFlag{
					Name:  "width",
					Usage: "frame width, overrides the configuration",
				},
				cli.IntFlag{
					Name:  "height",
					Usage: "frame height, overrides the configuration",
				},
				cli.IntFlag{
					Name:  "frames, n",
					Value: 8,
					Usage: "number of frames to render",
				},
				cli.Float64Flag{
					Name:  "fps",
					Value: 60,
					Usage: "simulated frame rate driving the animation clock",
				},
				cli.StringSliceFlag{
					Name:  "enable, e",
					Value: &cli.StringSlice{},
					Usage: "enable an effect (spotlight, soft-shadows, ao, gi, reflections, refraction, denoise)",
				},
				cli.StringSliceFlag{
					Name:  "disable, d",
					Value: &cli.StringSlice{},
					Usage: "disable an effect",
				},
				cli.StringFlag{
					Name:  "out, o",
					Value: "frame.bmp",
					Usage: "image filename for the last frame",
				},
			},
			Action: renderFrames,
		},
		{
			Name:  "variants",
			Usage: "list the shader variants of every effect combination",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "compile",
					Usage: "run each variant through the shader front end",
				},
				cli.BoolFlag{
					Name:  "no-inline",
					Usage: "describe a back end without inline ray queries",
				},
			},
			Action: listVariants,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
