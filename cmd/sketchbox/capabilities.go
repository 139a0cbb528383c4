package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/sketchbox/internal/client"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox/capability"
)

func newCapabilitiesCommand(root *rootOptions) *cobra.Command {
	var (
		category string
		asJSON   bool
		remote   bool
	)

	cmd := &cobra.Command{
		Use:     "capabilities",
		Aliases: []string{"caps"},
		Short:   "List the host capabilities denied to sketches",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caps := capability.Table()
			if remote {
				cfg, err := root.loadConfig()
				if err != nil {
					return err
				}
				caps, err = client.FromConfig(cfg.Client, nil).Capabilities(cmd.Context())
				if err != nil {
					return err
				}
			}
			if category != "" {
				filtered := make([]capability.Capability, 0, len(caps))
				for _, c := range caps {
					if string(c.Category) == category {
						filtered = append(filtered, c)
					}
				}
				caps = filtered
			}

			if asJSON {
				out, err := sonic.ConfigStd.MarshalIndent(caps, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(root.stdout, string(out))
				return err
			}

			tw := tabwriter.NewWriter(root.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCATEGORY\tKIND\tBEHAVIOR\tMETHODS")
			for _, c := range caps {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Name, c.Category, c.Kind, c.Behavior, strings.Join(c.Methods, ","))
			}
			return tw.Flush()
		},
	}

	f := cmd.Flags()
	f.StringVar(&category, "category", "", "only list one category")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	f.BoolVar(&remote, "remote", false, "ask the configured server instead of this binary")
	return cmd
}
