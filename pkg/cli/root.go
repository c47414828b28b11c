package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"midatasets/pkg/config"
	"midatasets/pkg/dataset"
	"midatasets/pkg/logging"
	"midatasets/pkg/registry"
	"midatasets/pkg/spacing"
)

// Deps carries the flag values and resources shared by every command.
type Deps struct {
	ConfigPath string
	LogFile    string
	LogLevel   string
	LogJSON    bool

	// Dataset selection: a directory, or a registered name.
	Path       string
	Name       string
	Spacing    spacing.Spec
	Extensions []string

	RemoteBackend string
	Bucket        string
	Prefix        string
	Profile       string

	Config *config.Config
	Logger *slog.Logger
	Store  *registry.Store

	closers []func() error
}

// Close releases resources opened by the commands.
func (d *Deps) Close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	d.closers = nil
	return first
}

// NewRootCmd builds the root command. PersistentPreRunE loads the global
// configuration, builds the logger and opens the dataset registry.
func NewRootCmd(deps *Deps) *cobra.Command {
	if deps == nil {
		deps = &Deps{}
	}
	deps.Spacing = spacing.Native()

	cmd := &cobra.Command{
		Use:           "midatasets",
		Short:         "index, synchronise and transform medical imaging datasets",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(deps.configPath())
			if err != nil {
				return err
			}
			deps.Config = cfg

			logCfg := logging.Config{
				Out:     cmd.ErrOrStderr(),
				Logfile: cfg.Log.Logfile,
				MaxSize: cfg.Log.MaxSize,
				MaxAge:  cfg.Log.MaxAge,
				JSON:    cfg.Log.JSON || deps.LogJSON,
			}
			if deps.LogFile != "" {
				logCfg.Logfile = deps.LogFile
			}
			levelName := cfg.Log.Level
			if cmd.Flags().Changed("log-level") || levelName == "" {
				levelName = deps.LogLevel
			}
			if logCfg.Level, err = logging.ParseLevel(levelName); err != nil {
				return err
			}
			logger, closeLog := logging.NewLogger(logCfg)
			deps.Logger = logger
			deps.closers = append(deps.closers, closeLog)
			cmd.SetContext(logging.WithLogger(cmd.Context(), logger))

			db, err := registry.OpenDB(cfg.Database)
			if err != nil {
				return err
			}
			deps.Store = registry.NewStore(db, cfg, logger)
			deps.closers = append(deps.closers, deps.Store.Close)
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&deps.ConfigPath, "config", "c", "", "path to config file (default ~/.midatasets.yaml)")
	pf.StringVar(&deps.LogFile, "log-file", "", "write logs to a rotating file")
	pf.StringVar(&deps.LogLevel, "log-level", "info", "minimum log level")
	pf.BoolVar(&deps.LogJSON, "log-json", false, "output logs as JSON")
	pf.StringVarP(&deps.Path, "path", "p", "", "dataset directory")
	pf.StringVarP(&deps.Name, "name", "n", "", "registered dataset name")
	pf.VarP(&deps.Spacing, "spacing", "s", "spacing to index: native, 1.5, 1x1x2")
	pf.StringSliceVar(&deps.Extensions, "ext", nil, "file extensions to index (default from dataset options)")
	pf.StringVar(&deps.RemoteBackend, "remote", "", "remote storage backend (s3, gs, file, blob)")
	pf.StringVar(&deps.Bucket, "bucket", "", "remote bucket")
	pf.StringVar(&deps.Prefix, "prefix", "", "remote key prefix")
	pf.StringVar(&deps.Profile, "profile", "", "remote credentials profile")

	cmd.AddCommand(
		NewListCmd(deps),
		NewTypesCmd(deps),
		NewDiffCmd(deps),
		NewDownloadCmd(deps),
		NewUploadCmd(deps),
		NewResampleCmd(deps),
		NewCropCmd(deps),
		NewPreviewCmd(deps),
		NewDatasetsCmd(deps),
		NewConfigCmd(deps),
	)
	return cmd
}

// overrides returns the dataset options set on the command line.
func (d *Deps) overrides() map[string]any {
	raw := map[string]any{}
	if len(d.Extensions) > 0 {
		raw["extensions"] = d.Extensions
	}
	if d.RemoteBackend != "" {
		raw["remote_backend"] = d.RemoteBackend
	}
	if d.Bucket != "" {
		raw["remote_bucket"] = d.Bucket
	}
	if d.Prefix != "" {
		raw["remote_prefix"] = d.Prefix
	}
	if d.Profile != "" {
		raw["remote_profile"] = d.Profile
	}
	return raw
}

// openDataset opens the dataset selected by --path or --name.
func (d *Deps) openDataset(cmd *cobra.Command) (*dataset.Dataset, error) {
	ctx := cmd.Context()
	var (
		ds  *dataset.Dataset
		err error
	)
	switch {
	case d.Path != "" && d.Name != "":
		return nil, fmt.Errorf("use either --path or --name, not both")
	case d.Name != "":
		ds, err = d.Store.Load(ctx, d.Name, d.Spacing, d.overrides(), dataset.WithLogger(logging.FromContext(ctx)))
	case d.Path != "":
		opts := config.DefaultOptions()
		opts.Name = filepath.Base(filepath.Clean(d.Path))
		opts.DirPath = d.Path
		opts.Spacing = d.Spacing
		if d.Bucket == "" {
			opts.RemoteBackend = ""
		}
		if _, err := opts.Apply(d.overrides()); err != nil {
			return nil, err
		}
		ds, err = dataset.Open(ctx, opts, dataset.WithConfig(d.Config), dataset.WithLogger(logging.FromContext(ctx)))
	default:
		return nil, fmt.Errorf("a dataset is required: pass --path or --name")
	}
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, ds.Close)
	return ds, nil
}
