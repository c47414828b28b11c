package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"midatasets/pkg/registry"
)

// NewDatasetsCmd manages the dataset registry.
func NewDatasetsCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "datasets",
		Short: "manage registered datasets",
	}
	cmd.AddCommand(
		newDatasetsListCmd(deps),
		newDatasetsInfoCmd(deps),
		newDatasetsRegisterCmd(deps),
		newDatasetsDeleteCmd(deps),
	)
	return cmd
}

func newDatasetsListCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "list registered dataset names",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := deps.Store.Names(cmd.Context(), nil)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func newDatasetsInfoCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "info NAME",
		Short: "print a dataset record and its local path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := deps.Store.Info(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			path, err := deps.Store.LocalPath(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := map[string]any(rec)
			out["local_path"] = path
			data, err := yaml.Marshal(out)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newDatasetsRegisterCmd(deps *Deps) *cobra.Command {
	var attrs map[string]string

	cmd := &cobra.Command{
		Use:   "register NAME",
		Short: "register a dataset, or update an existing record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]
			rec := registry.Record{"name": name}
			keys := make([]string, 0, len(attrs))
			for k := range attrs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				rec[k] = attrs[k]
			}
			if deps.Bucket != "" {
				rec["remote_bucket"] = deps.Bucket
			}
			if deps.Prefix != "" {
				rec["remote_prefix"] = deps.Prefix
			}
			if deps.RemoteBackend != "" {
				rec["remote_backend"] = deps.RemoteBackend
			}

			if _, err := deps.Store.Info(ctx, name); err == nil {
				delete(rec, "name")
				_, err := deps.Store.Update(ctx, name, rec)
				return err
			}
			return deps.Store.Create(ctx, rec)
		},
	}

	cmd.Flags().StringToStringVar(&attrs, "set", nil, "record fields, e.g. --set subpath=abdomen/liver")
	return cmd
}

func newDatasetsDeleteCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:     "delete NAME",
		Short:   "remove a dataset record (files are kept)",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := deps.Store.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("dataset %q is not registered", args[0])
			}
			return nil
		},
	}
}
