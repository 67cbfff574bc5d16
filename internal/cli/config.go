package cli

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/chunkledger/internal/config"
)

type configResult config.Config

// WriteText prints the configuration as YAML using the file's key names.
func (c configResult) WriteText(w io.Writer) error {
	raw, err := json.Marshal(config.Config(c))
	if err != nil {
		return err
	}
	// JSON is valid YAML, so this yields maps keyed by the json tags.
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Load the configuration file (or defaults), validate it against the
schema and print the result. Secrets are masked.

Example:
  CHUNKLEDGER_CONFIG=prod.cue chunkledger config --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig(cmd)
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(configResult(masked(cfg)))
		},
	}
}

func masked(cfg config.Config) config.Config {
	if cfg.ContentStore.S3.SecretKey != "" {
		cfg.ContentStore.S3.SecretKey = "********"
	}
	return cfg
}
