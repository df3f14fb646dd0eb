package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/oakfield-audio/raytrace"
	"github.com/oakfield-audio/raytrace/bvh"
	"github.com/oakfield-audio/raytrace/dispatch"
	"github.com/urfave/cli/v2"
)

// parseVec3 reads a "x,y,z" flag value into a raytrace.Vector.
func parseVec3(s string) (raytrace.Vector, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return raytrace.Vector{}, fmt.Errorf("expected \"x,y,z\", got %q", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return raytrace.Vector{}, fmt.Errorf("parsing %q: %w", s, err)
		}
		v[i] = f
	}
	return raytrace.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}

// parseBand3 reads a "low,mid,high" flag value into a per-band array.
func parseBand3(s string) ([3]float64, error) {
	v, err := parseVec3(s)
	if err != nil {
		return [3]float64{}, err
	}
	return [3]float64{v.X, v.Y, v.Z}, nil
}

func roomMaterial(absorption [3]float64, transmission [3]float64, transmissionRange float64) bvh.Material {
	return bvh.Material{
		Absorption:        absorption,
		Transmission:      transmission,
		TransmissionRange: transmissionRange,
	}
}

func printRoomParameters(label string, rp raytrace.RoomParameters) {
	fmt.Printf("%s:\n", label)
	fmt.Printf("  meanFreePath   = %.3f m\n", rp.MeanFreePath)
	fmt.Printf("  roomVolume     = %.2f m^3\n", rp.RoomVolume)
	fmt.Printf("  roomSurface    = %.2f m^2\n", rp.RoomSurface)
	fmt.Printf("  reverbTime     = [%.3f %.3f %.3f] s\n", rp.ReverbTime[0], rp.ReverbTime[1], rp.ReverbTime[2])
	fmt.Printf("  echoDelay      = %.4f s\n", rp.EchoDelay)
	fmt.Printf("  minExtend      = %v\n", rp.MinExtend)
	fmt.Printf("  maxExtend      = %v\n", rp.MaxExtend)
}

func printListenerParameters(label string, lp raytrace.ListenerParameters) {
	fmt.Printf("%s:\n", label)
	fmt.Printf("  reflected       = [%.5f %.5f %.5f]\n", lp.Reflected[0], lp.Reflected[1], lp.Reflected[2])
	fmt.Printf("  reflectionDelay = %.4f s\n", lp.ReflectionDelay)
	fmt.Printf("  reverbGain      = [%.5f %.5f %.5f]\n", lp.ReverbGain[0], lp.ReverbGain[1], lp.ReverbGain[2])
	fmt.Printf("  reverbDelay     = %.4f s\n", lp.ReverbDelay)
	fmt.Printf("  reverbTime      = [%.3f %.3f %.3f] s\n", lp.ReverbTime[0], lp.ReverbTime[1], lp.ReverbTime[2])
	fmt.Printf("  echoDelay       = %.4f s\n", lp.EchoDelay)
	fmt.Printf("  impulseResponse = %d bins\n", len(lp.ImpulseResponse))
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Float64Flag{Name: "size", Value: 10, Usage: "Room edge length in meters."},
		&cli.StringFlag{Name: "absorption", Value: "0.1,0.1,0.1", Usage: "Per-band wall absorption, low,mid,high."},
		&cli.IntFlag{Name: "rays", Value: 162, Usage: "Ray count to trace with."},
		&cli.Float64Flag{Name: "range", Value: 50, Usage: "Maximum ray travel distance in meters."},
		&cli.StringFlag{Name: "pos", Value: "0,0,0", Usage: "Source position, x,y,z."},
	}
}

func buildTracer() *raytrace.Tracer {
	pool := dispatch.NewFixedPool(8)
	return raytrace.NewTracer(dispatch.New(pool))
}

func traceCommand() *cli.Command {
	return &cli.Command{
		Name:  "trace",
		Usage: "Trace a box room and print its RoomParameters.",
		Flags: commonFlags(),
		Action: func(cCtx *cli.Context) error {
			pos, err := parseVec3(cCtx.String("pos"))
			if err != nil {
				return err
			}
			absorption, err := parseBand3(cCtx.String("absorption"))
			if err != nil {
				return err
			}

			mat := roomMaterial(absorption, [3]float64{}, 0)
			world := &staticWorld{tree: buildBox(cCtx.Float64("size"), mat, 0)}

			rtConfig, err := raytrace.NewEquiSpacedRayConfig(cCtx.Int("rays"))
			if err != nil {
				return err
			}
			rtConfig.Rotate(0.1, 0.2, 0.05)

			tracer := buildTracer()
			cfg := raytrace.DefaultConfig()

			room, _, err := tracer.TraceSoundRays(context.Background(), world, cfg, rtConfig, pos, cCtx.Float64("range"), raytrace.Attenuation{RefDist: 1, Rolloff: 1}, 0)
			if err != nil {
				return err
			}
			printRoomParameters("trace", room)
			return nil
		},
	}
}

func estimateCommand() *cli.Command {
	return &cli.Command{
		Name:  "estimate",
		Usage: "Run a cheap single-bounce room estimate and print its RoomParameters.",
		Flags: commonFlags(),
		Action: func(cCtx *cli.Context) error {
			pos, err := parseVec3(cCtx.String("pos"))
			if err != nil {
				return err
			}
			absorption, err := parseBand3(cCtx.String("absorption"))
			if err != nil {
				return err
			}

			mat := roomMaterial(absorption, [3]float64{}, 0)
			world := &staticWorld{tree: buildBox(cCtx.Float64("size"), mat, 0)}

			rayConfig, err := raytrace.NewEquiSpacedRayConfig(cCtx.Int("rays"))
			if err != nil {
				return err
			}

			tracer := buildTracer()
			room, err := tracer.EstimateRoomParameters(context.Background(), world, pos, cCtx.Float64("range"), 0, rayConfig)
			if err != nil {
				return err
			}
			printRoomParameters("estimate", room)
			return nil
		},
	}
}

func listenCommand() *cli.Command {
	flags := append(commonFlags(), &cli.StringFlag{Name: "listener-pos", Value: "1,1,1", Usage: "Listener position, x,y,z."})
	return &cli.Command{
		Name:  "listen",
		Usage: "Trace a box room, then compute ListenerParameters for a listener inside it.",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			pos, err := parseVec3(cCtx.String("pos"))
			if err != nil {
				return err
			}
			listenerPos, err := parseVec3(cCtx.String("listener-pos"))
			if err != nil {
				return err
			}
			absorption, err := parseBand3(cCtx.String("absorption"))
			if err != nil {
				return err
			}

			mat := roomMaterial(absorption, [3]float64{}, 0)
			world := &staticWorld{tree: buildBox(cCtx.Float64("size"), mat, 0)}

			rtConfig, err := raytrace.NewEquiSpacedRayConfig(cCtx.Int("rays"))
			if err != nil {
				return err
			}
			rtConfig.Rotate(0.1, 0.2, 0.05)

			tracer := buildTracer()
			cfg := raytrace.DefaultConfig()
			atten := raytrace.Attenuation{RefDist: 1, Rolloff: 1}

			ctx := context.Background()
			room, rays, err := tracer.TraceSoundRays(ctx, world, cfg, rtConfig, pos, cCtx.Float64("range"), atten, 0)
			if err != nil {
				return err
			}
			printRoomParameters("trace", room)

			probe := &raytrace.EnvProbe{
				Position:       pos,
				Range:          cCtx.Float64("range"),
				Attenuation:    atten,
				RTConfig:       rtConfig,
				SoundRayList:   rays,
				RoomParameters: room,
			}

			params, err := tracer.Listen(ctx, world, cfg, probe, nil, listenerPos, 0)
			if err != nil {
				return err
			}
			printListenerParameters("listen", params)
			return nil
		},
	}
}

func main() {
	app := &cli.App{
		Name:  "raybench",
		Usage: "Drive the acoustic ray-tracing core against a synthetic box room.",
		Commands: []*cli.Command{
			traceCommand(),
			estimateCommand(),
			listenCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
