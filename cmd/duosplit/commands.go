package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"duosplit/internal/camera"
	"duosplit/internal/model"
	"duosplit/pkg/duosplit"
)

func newReferenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reference",
		Short: "Print the minimum-norm unmixing of a QE matrix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runID, _ := cmd.Flags().GetString("run-id")
			return withClient(cmd, func(s settings, client *duosplit.Client) error {
				ref, err := client.Reference(cmd.Context(), duosplit.ReferenceRequest{
					QE:          s.qe(),
					Camera:      s.Camera,
					CamerasFile: s.CamerasFile,
					RunID:       runID,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ha   = %s\n", formatTriple(ref.Coefficients.HydrogenAlpha))
				fmt.Fprintf(out, "oiii = %s\n", formatTriple(ref.Coefficients.OxygenIII))
				fmt.Fprintf(out, "condition=%.6g singular_values=%v denominators=(%.6g, %.6g)\n", ref.Condition, ref.SingularValues, ref.DenominatorA, ref.DenominatorB)
				fmt.Fprintf(out, "reference max_residual=%.3g\n", ref.Residuals.Max())
				if ref.Evolved != nil {
					fmt.Fprintf(out, "evolved ha   = %s\n", formatTriple(ref.Evolved.HydrogenAlpha))
					fmt.Fprintf(out, "evolved oiii = %s\n", formatTriple(ref.Evolved.OxygenIII))
					fmt.Fprintf(out, "evolved max_residual=%.3g\n", ref.EvolvedResid.Max())
				}
				return nil
			})
		},
	}
	cmd.Flags().String("run-id", "", "also report the residuals of this run's coefficients")
	addQEFlags(cmd)
	return cmd
}

func newCamerasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cameras",
		Short: "List camera QE profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, _ := cmd.Flags().GetString("format")
			savePath, _ := cmd.Flags().GetString("save")
			return withClient(cmd, func(s settings, client *duosplit.Client) error {
				cameras, err := client.Cameras(s.CamerasFile)
				if err != nil {
					return err
				}
				catalog, err := camera.NewCatalog(cameras...)
				if err != nil {
					return err
				}
				if savePath != "" {
					if err := catalog.Save(savePath); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "saved %d cameras to %s\n", catalog.Len(), savePath)
					return nil
				}
				if format == "table" {
					printCameraTable(cmd.OutOrStdout(), cameras)
					return nil
				}
				return catalog.Encode(cmd.OutOrStdout(), format)
			})
		},
	}
	cmd.Flags().String("format", "table", "output format: table|yaml|json")
	cmd.Flags().String("save", "", "write the merged catalog to this .yaml or .json file")
	return cmd
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withClient(cmd, func(_ settings, client *duosplit.Client) error {
				runs, err := client.Runs(cmd.Context(), duosplit.RunsRequest{Limit: limit})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "no runs")
					return nil
				}
				for _, r := range runs {
					fmt.Fprintf(out, "%s created=%s encoding=%s backend=%s pop=%d gens=%d seed=%d best=%.6g swapped=%t input=%s camera=%s\n",
						r.RunID, r.CreatedAtUTC, r.Encoding, r.Backend, r.Population, r.Generations, r.Seed, r.FinalBestFitness, r.Swapped, r.Input, r.Camera)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 20, "maximum runs to list")
	return cmd
}

func newFitnessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fitness",
		Short: "Print a run's best fitness per generation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runID, latest, limit := runSelector(cmd)
			return withClient(cmd, func(_ settings, client *duosplit.Client) error {
				history, err := client.FitnessHistory(cmd.Context(), duosplit.FitnessHistoryRequest{RunID: runID, Latest: latest, Limit: limit})
				if err != nil {
					return err
				}
				for gen, best := range history {
					fmt.Fprintf(cmd.OutOrStdout(), "generation=%d best=%.6g\n", gen, best)
				}
				return nil
			})
		},
	}
	addRunSelectorFlags(cmd)
	return cmd
}

func newDiagnosticsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Print a run's per-generation diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runID, latest, limit := runSelector(cmd)
			return withClient(cmd, func(_ settings, client *duosplit.Client) error {
				diagnostics, err := client.Diagnostics(cmd.Context(), duosplit.DiagnosticsRequest{RunID: runID, Latest: latest, Limit: limit})
				if err != nil {
					return err
				}
				for _, d := range diagnostics {
					fmt.Fprintf(cmd.OutOrStdout(), "generation=%d best=%.6g mean=%.6g worst=%.6g best_so_far=%.6g std=%.6g elapsed_ms=%.3f\n",
						d.Generation, d.BestFitness, d.MeanFitness, d.WorstFitness, d.BestSoFar, d.MutationStd, d.ElapsedMS)
				}
				return nil
			})
		},
	}
	addRunSelectorFlags(cmd)
	return cmd
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy a run's artifacts to an export directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runID, latest, _ := runSelector(cmd)
			outDir, _ := cmd.Flags().GetString("out")
			return withClient(cmd, func(_ settings, client *duosplit.Client) error {
				exported, err := client.Export(cmd.Context(), duosplit.ExportRequest{RunID: runID, Latest: latest, OutDir: outDir})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s dir=%s\n", exported.RunID, exported.Directory)
				return nil
			})
		},
	}
	addRunSelectorFlags(cmd)
	cmd.Flags().String("out", "", "export directory (defaults to --exports-dir)")
	return cmd
}

func addRunSelectorFlags(cmd *cobra.Command) {
	cmd.Flags().String("run-id", "", "run id")
	cmd.Flags().Bool("latest", false, "use the most recent run")
	cmd.Flags().Int("limit", 0, "maximum generations to print (0 prints all)")
}

func runSelector(cmd *cobra.Command) (runID string, latest bool, limit int) {
	runID, _ = cmd.Flags().GetString("run-id")
	latest, _ = cmd.Flags().GetBool("latest")
	limit, _ = cmd.Flags().GetInt("limit")
	return runID, latest, limit
}

func printCameraTable(w io.Writer, cameras []model.Camera) {
	fmt.Fprintf(w, "%-20s %-22s %-22s %-22s\n", "name", "red (ha, oiii)", "green (ha, oiii)", "blue (ha, oiii)")
	for _, cam := range cameras {
		fmt.Fprintf(w, "%-20s %-22s %-22s %-22s\n", cam.Name,
			formatQE(cam.Red), formatQE(cam.Green), formatQE(cam.Blue))
	}
}

func formatQE(q model.QuantumEfficiency) string {
	return fmt.Sprintf("(%.4g, %.4g)", q.HydrogenAlpha, q.OxygenIII)
}

func formatTriple(t model.Triple) string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = fmt.Sprintf("%.6f", v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
