package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and watcher counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		health, err := checkHealthAt(apiAddr)
		if health == nil {
			return err
		}

		state := "ok"
		if !health.OK {
			state = "error"
		}
		fmt.Println(labelStyle.Render("Daemon") + statusStyle(state).Render(state) + mutedStyle.Render(" "+health.Version))
		fmt.Println(labelStyle.Render("Store") + health.Store)
		if st := health.Watcher; st != nil {
			fmt.Println(labelStyle.Render("Passes") + fmt.Sprint(st.Passes))
			fmt.Printf("%s%s %d  %s %d  %s %d  errors %d\n", labelStyle.Render("Tasks"),
				renderStatus("completed"), st.Completed,
				statusStyle("skipped").Render("skipped"), st.Skipped,
				renderStatus("failed"), st.Failed,
				st.Errors,
			)
			if !st.LastPass.IsZero() {
				fmt.Println(labelStyle.Render("Last pass") + st.LastPass.Local().Format("15:04:05"))
			}
			if st.LastError != "" {
				fmt.Println(labelStyle.Render("Last error") + st.LastError)
			}
		}
		return err
	},
}
