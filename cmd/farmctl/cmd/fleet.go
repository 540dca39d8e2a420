package cmd

import (
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/printfarm/pkg/models"
)

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Show the latest fleet snapshot",
	RunE:  runFleet,
}

func init() {
	rootCmd.AddCommand(fleetCmd)
}

func runFleet(cmd *cobra.Command, args []string) error {
	var snap models.FleetSnapshot
	if err := call("GET", "/fleet", nil, &snap); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(snap)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Printer", "State", "Active Job", "Progress")
	for _, d := range snap.Devices {
		progress := "-"
		if d.ActiveJobID != "" {
			progress = fmt.Sprintf("%d%%", d.Progress)
		}
		table.Append(d.ID, string(d.ObservedState), shortID(d.ActiveJobID), progress)
	}
	table.Render()
	fmt.Fprintf(out, "\nSnapshot taken %s ago\n", formatAge(time.Since(snap.Timestamp)))
	return nil
}
