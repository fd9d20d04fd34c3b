package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"duosplit/internal/evo"
	"duosplit/pkg/duosplit"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [input.fits]",
		Short: "Evolve line coefficients for an RGB FITS cube and write ha.fits and oiii.fits",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(s settings, client *duosplit.Client) error {
				if len(args) == 1 {
					s.Input = args[0]
				}
				summary, err := client.Run(cmd.Context(), s.runRequest())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "run_id=%s backend=%s artifacts=%s\n", summary.RunID, summary.Backend, summary.ArtifactsDir)
				fmt.Fprintf(out, "ha   = %s\n", formatTriple(summary.Coefficients.HydrogenAlpha))
				fmt.Fprintf(out, "oiii = %s\n", formatTriple(summary.Coefficients.OxygenIII))
				fmt.Fprintf(out, "fitness initial=%.6g best=%.6g swapped=%t\n", summary.InitialBestFitness, summary.BestFitness, summary.Swapped)
				for _, path := range summary.Outputs {
					fmt.Fprintf(out, "wrote %s\n", path)
				}
				return nil
			})
		},
	}

	defaults := evo.DefaultParams()
	f := cmd.Flags()
	f.IntP("population-size", "p", defaults.PopulationSize, "genomes per generation")
	f.IntP("generations", "g", defaults.Generations, "generations to evolve")
	f.IntP("elitism", "e", defaults.Elitism, "best genomes copied unchanged into the next generation")
	f.Float64P("initial-std", "s", defaults.InitialStd, "initial mutation standard deviation")
	f.Float64P("decay-rate", "d", defaults.DecayRate, "exponential decay of the mutation standard deviation")
	f.BoolP("timings", "t", false, "log per-generation diagnostics and timings")
	f.StringP("output", "o", "", "directory for ha.fits and oiii.fits in addition to the run directory")
	f.Int64("seed", defaults.Seed, "random seed")
	f.String("encoding", duosplit.EncodingReduced, "genome encoding: reduced|direct")
	f.Float64("penalty-weight", 0, "constraint penalty weight for the direct encoding (0 keeps the default)")
	f.String("statistic", "energy", "fitness statistic: energy|absolute")
	f.String("backend", "cpu", "compute backend: cpu|opencl")
	f.Int("workers", 0, "cpu backend workers (0 uses every cpu)")
	f.Int("chunks", 64, "fitness shards per genome")
	f.Duration("map-timeout", 0, "fitness readback timeout (0 keeps the default)")
	f.String("selection", "tournament", "parent selection: tournament|elite")
	f.Bool("normalize", false, "rescale each output image to a maximum of 1")
	f.Bool("keep-negative", false, "keep negative output samples instead of clamping to zero")
	addQEFlags(cmd)
	return cmd
}

func addQEFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("camera", "", "camera profile name")
	f.Float64("qrh", 0, "red channel quantum efficiency at H-alpha")
	f.Float64("qgh", 0, "green channel quantum efficiency at H-alpha")
	f.Float64("qbh", 0, "blue channel quantum efficiency at H-alpha")
	f.Float64("qro", 0, "red channel quantum efficiency at OIII")
	f.Float64("qgo", 0, "green channel quantum efficiency at OIII")
	f.Float64("qbo", 0, "blue channel quantum efficiency at OIII")
}
