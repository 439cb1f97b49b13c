package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/flagsweep/internal/models"
)

var proposalState string

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "List pull requests opened by flagsweep",
	RunE:  runProposals,
}

func init() {
	proposalsCmd.Flags().StringVar(&proposalState, "state", "", "Filter by state (open, closed, merged)")
}

func runProposals(cmd *cobra.Command, args []string) error {
	path := "/proposals"
	if proposalState != "" {
		path += "?state=" + url.QueryEscape(proposalState)
	}

	var proposals []models.Proposal
	if err := apiGet(path, &proposals); err != nil {
		return err
	}
	if len(proposals) == 0 {
		fmt.Println("No proposals found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTITLE\tSTATE\tAUTHOR\tCREATED\tURL")
	for _, p := range proposals {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			p.Number,
			truncate(p.Title, 50),
			renderStatus(string(p.State)),
			p.Author,
			p.CreatedAt.Local().Format(time.DateOnly),
			p.URL,
		)
	}
	return w.Flush()
}
