package cli

import (
	"io"

	"github.com/malbeclabs/linkbench/internal/harness"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newValidateCmd(flags *rootFlags, stdout io.Writer) *cobra.Command {
	o := &overrides{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a run configuration and print its effective values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, o, cmd.Flags())
			if err != nil {
				return configError(err)
			}
			if err := cfg.Validate(); err != nil {
				return configError(err)
			}
			enc := yaml.NewEncoder(stdout)
			enc.SetIndent(2)
			if err := enc.Encode(cfg.Sanitized()); err != nil {
				return exitWith(harness.ExitFailure, err)
			}
			return enc.Close()
		},
	}
	o.register(cmd.Flags())
	return cmd
}
