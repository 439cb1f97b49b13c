package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/flagsweep/internal/flagconfig"
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "List the feature flags in the repository's flag configuration",
	RunE:  runFlags,
}

func runFlags(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	flags, err := flagconfig.Load(cfg.FlagsPath())
	if err != nil {
		return err
	}

	names := flags.Names()
	if len(names) == 0 {
		fmt.Printf("No flags configured in %s\n", cfg.FlagsPath())
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FLAG\tOWNER\tCREATED\tDESCRIPTION")
	for _, name := range names {
		f := flags.Flags[name]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, f.Owner, f.CreatedAt, truncate(f.Description, 60))
	}
	return w.Flush()
}
