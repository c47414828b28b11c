package cli

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"midatasets/internal/models"
	"midatasets/pkg/pipeline"
	"midatasets/pkg/spacing"
	"midatasets/pkg/storage"
	"midatasets/pkg/visualization"
)

func NewListCmd(deps *Deps) *cobra.Command {
	var remote, grouped bool

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "list dataset files at the selected spacing",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := deps.openDataset(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !grouped {
				files, err := ds.ListFiles(cmd.Context(), remote)
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Fprintln(out, f.Key)
				}
				return nil
			}

			g, err := ds.ListGrouped(cmd.Context(), remote)
			if err != nil {
				return err
			}
			token := ds.Options().Spacing.Token()
			bySample := g.BySample(token)
			for _, name := range g.Samples(token) {
				row := models.Sample{Name: name, Files: bySample[name]}
				var parts []string
				for _, t := range row.ImageTypes() {
					parts = append(parts, t+"="+row.Files[t].Path)
				}
				fmt.Fprintf(out, "%s\t%s\n", name, strings.Join(parts, "\t"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&remote, "remote-side", false, "list the remote copy instead of the local one")
	cmd.Flags().BoolVarP(&grouped, "grouped", "g", false, "print one line per sample")
	return cmd
}

func NewTypesCmd(deps *Deps) *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "types",
		Short: "list image types present in the dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := deps.openDataset(cmd)
			if err != nil {
				return err
			}
			types, err := ds.ImageTypes(cmd.Context(), remote)
			if err != nil {
				return err
			}
			for _, t := range types {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&remote, "remote-side", false, "list the remote copy instead of the local one")
	return cmd
}

func NewDiffCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "diff",
		Short: "report remote samples missing locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := deps.openDataset(cmd)
			if err != nil {
				return err
			}
			missing, err := ds.RemoteDiff(cmd.Context())
			if err != nil {
				return err
			}
			if missing {
				fmt.Fprintln(cmd.OutOrStdout(), "remote has samples missing locally")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "local copy is up to date")
			}
			return nil
		},
	}
}

func NewDownloadCmd(deps *Deps) *cobra.Command {
	var (
		include string
		opts    storage.DownloadOptions
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "download remote samples into the dataset directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := deps.openDataset(cmd)
			if err != nil {
				return err
			}
			if include != "" {
				if opts.Include, err = regexp.Compile(include); err != nil {
					return fmt.Errorf("invalid --include: %w", err)
				}
			}
			if opts.Workers == 0 {
				opts.Workers = deps.Config.Workers
			}
			stats, err := ds.Download(cmd.Context(), opts)
			if stats != nil {
				printStats(cmd, "downloaded", stats)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&include, "include", "", "only samples whose name matches this regular expression")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "log the selection without transferring")
	cmd.Flags().IntVar(&opts.MaxImages, "max-images", 0, "maximum number of samples (0 for all)")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "concurrent sample downloads")
	cmd.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "download files that already exist locally")
	return cmd
}

func NewUploadCmd(deps *Deps) *cobra.Command {
	var (
		include string
		opts    storage.UploadOptions
	)

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "upload local files missing from the remote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := deps.openDataset(cmd)
			if err != nil {
				return err
			}
			if include != "" {
				if opts.Include, err = regexp.Compile(include); err != nil {
					return fmt.Errorf("invalid --include: %w", err)
				}
			}
			stats, err := ds.Upload(cmd.Context(), opts)
			if stats != nil {
				printStats(cmd, "uploaded", stats)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&include, "include", "", "only samples whose name matches this regular expression")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "log the selection without transferring")
	cmd.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "upload files that already exist remotely")
	return cmd
}

func printStats(cmd *cobra.Command, verb string, s *storage.TransferStats) {
	if s.Planned > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "dry run: %d samples selected, %d skipped\n", s.Planned, s.Skipped)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d files (%s) for %d samples, %d skipped, %d failed\n",
		verb, s.Files, humanize.Bytes(uint64(s.Bytes)), s.Samples, s.Skipped, len(s.Failed))
}

func NewResampleCmd(deps *Deps) *cobra.Command {
	var (
		target spacing.Spec
		opts   pipeline.ResampleOptions
	)

	cmd := &cobra.Command{
		Use:   "resample",
		Short: "write every volume at a new spacing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := deps.openDataset(cmd)
			if err != nil {
				return err
			}
			opts.Spacing = target
			report, err := ds.Resample(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printReport(cmd, report)
		},
	}

	cmd.Flags().Var(&target, "to", "target spacing, e.g. 1 or 1x1x2")
	_ = cmd.MarkFlagRequired("to")
	cmd.Flags().StringSliceVar(&opts.ImageTypes, "types", nil, "image types to resample (default all)")
	cmd.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "rewrite existing outputs")
	cmd.Flags().BoolVar(&opts.Parallel, "parallel", true, "process samples concurrently")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "worker count (default from config, else one per CPU)")
	return cmd
}

func NewCropCmd(deps *Deps) *cobra.Command {
	var (
		label  int
		sample string
		opts   pipeline.CropOptions
	)

	cmd := &cobra.Command{
		Use:   "crop",
		Short: "extract fixed-size crops around each label",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := deps.openDataset(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("label") {
				opts.Label = &label
			}
			var report *pipeline.Report
			if sample != "" {
				report, err = ds.ExtractCrop(cmd.Context(), sample, opts)
			} else {
				report, err = ds.ExtractCrops(cmd.Context(), opts)
			}
			if err != nil {
				return err
			}
			return printReport(cmd, report)
		},
	}

	cmd.Flags().IntVar(&opts.Size, "size", 64, "crop edge length in voxels")
	cmd.Flags().IntVar(&label, "label", 0, "crop only this label value")
	cmd.Flags().StringVar(&sample, "sample", "", "crop only this sample")
	cmd.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "rewrite existing crops")
	cmd.Flags().BoolVar(&opts.Parallel, "parallel", true, "process samples concurrently")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "worker count (default from config, else one per CPU)")
	return cmd
}

func printReport(cmd *cobra.Command, r *pipeline.Report) error {
	fmt.Fprintf(cmd.OutOrStdout(), "written %d, skipped %d, failed %d\n", r.Written, r.Skipped, len(r.Failures))
	for _, f := range r.Failures {
		fmt.Fprintln(cmd.ErrOrStderr(), f)
	}
	if len(r.Failures) > 0 {
		return fmt.Errorf("%d transforms failed", len(r.Failures))
	}
	return nil
}

func NewPreviewCmd(deps *Deps) *cobra.Command {
	var (
		outDir   string
		axis     string
		window   []float64
		labelmap bool
	)

	cmd := &cobra.Command{
		Use:   "preview SAMPLE",
		Short: "save slices of a sample as PNG",
		Long: "Save the three central slices of a sample, or with --axis every " +
			"slice along one axis.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(window) != 0 && len(window) != 2 {
				return fmt.Errorf("--window takes LOW,HIGH")
			}
			ds, err := deps.openDataset(cmd)
			if err != nil {
				return err
			}
			load, suffix := ds.LoadImage, ds.ImageKey()
			if labelmap {
				load, suffix = ds.LoadLabelmap, ds.LabelmapKey()
			}
			vol, err := load(args[0])
			if err != nil {
				return err
			}
			viewer, err := visualization.NewViewer(vol)
			if err != nil {
				return err
			}
			if len(window) == 2 {
				if err := viewer.SetWindow(window[0], window[1]); err != nil {
					return err
				}
			}

			prefix := args[0] + "_" + suffix
			var names []string
			if axis != "" {
				names, err = viewer.SaveSliceSequence(axis, outDir, prefix)
			} else {
				names, err = viewer.SaveMidSlices(outDir, prefix)
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "preview", "output directory")
	cmd.Flags().StringVar(&axis, "axis", "", "save every slice along x, y or z")
	cmd.Flags().Float64SliceVar(&window, "window", nil, "intensity window LOW,HIGH (default full range)")
	cmd.Flags().BoolVar(&labelmap, "labelmap", false, "preview the labelmap instead of the image")
	return cmd
}
