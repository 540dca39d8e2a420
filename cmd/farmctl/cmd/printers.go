package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/printfarm/pkg/api"
	"github.com/psantana5/printfarm/pkg/models"
	"github.com/psantana5/printfarm/pkg/octoprint"
)

var printersCmd = &cobra.Command{
	Use:     "printers",
	Aliases: []string{"printer"},
	Short:   "Inspect and control printers",
}

var printersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered printers",
	RunE:  runPrintersList,
}

var printersStatusCmd = &cobra.Command{
	Use:   "status <device-id>",
	Short: "Query a printer directly",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrintersStatus,
}

var printersMaintenanceCmd = &cobra.Command{
	Use:   "maintenance <device-id> <on|off>",
	Short: "Take a printer in or out of maintenance (admin)",
	Args:  cobra.ExactArgs(2),
	RunE:  runPrintersMaintenance,
}

var printersFilesCmd = &cobra.Command{
	Use:   "files <device-id>",
	Short: "List files stored on a printer",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrintersFiles,
}

var printersRmFileCmd = &cobra.Command{
	Use:   "rm-file <device-id> <name>",
	Short: "Delete a file stored on a printer (admin)",
	Args:  cobra.ExactArgs(2),
	RunE:  runPrintersRmFile,
}

func init() {
	rootCmd.AddCommand(printersCmd)
	printersCmd.AddCommand(printersListCmd, printersStatusCmd, printersMaintenanceCmd, printersFilesCmd, printersRmFileCmd)

	for _, action := range []string{"pause", "resume", "cancel"} {
		action := action
		printersCmd.AddCommand(&cobra.Command{
			Use:   action + " <device-id>",
			Short: fmt.Sprintf("Send %s to a printer (admin)", action),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runPrinterAction(args[0], action)
			},
		})
	}
}

func runPrintersList(cmd *cobra.Command, args []string) error {
	var result struct {
		Printers []api.PrinterView `json:"printers"`
		Count    int               `json:"count"`
	}
	if err := call("GET", "/printers", nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}
	if len(result.Printers) == 0 {
		fmt.Fprintln(out, "No printers registered")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("ID", "Name", "State", "Maintenance", "Active Job", "Power", "Last Seen")
	for _, p := range result.Printers {
		lastSeen := "never"
		if p.LastSeen != nil {
			lastSeen = formatAge(time.Since(*p.LastSeen))
		}
		maintenance := ""
		if p.Maintenance {
			maintenance = "yes"
		}
		power := p.Power
		if power == "" {
			power = "-"
		}
		table.Append(
			p.ID,
			p.DisplayName,
			string(p.ObservedState),
			maintenance,
			shortID(p.ActiveJobID),
			power,
			lastSeen,
		)
	}
	table.Render()
	fmt.Fprintf(out, "\nTotal printers: %d\n", result.Count)
	return nil
}

func runPrintersStatus(cmd *cobra.Command, args []string) error {
	var st octoprint.Status
	if err := call("GET", "/printers/"+url.PathEscape(args[0])+"/status", nil, &st); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(st)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	table.Append("State", fmt.Sprintf("%s (%s)", st.State, st.StateText))
	if st.FileName != "" {
		table.Append("File", st.FileName)
	}
	if st.Progress != nil {
		table.Append("Progress", fmt.Sprintf("%.1f%%", *st.Progress))
	}
	if st.PrintTime > 0 {
		table.Append("Elapsed", formatAge(time.Duration(st.PrintTime)*time.Second))
	}
	if st.TimeLeft > 0 {
		table.Append("Remaining", formatAge(time.Duration(st.TimeLeft)*time.Second))
	}
	for _, name := range sortedKeys(st.Temperatures) {
		t := st.Temperatures[name]
		table.Append("Temp "+name, fmt.Sprintf("%.1f / %.1f °C", t.Actual, t.Target))
	}
	table.Render()
	return nil
}

func runPrintersMaintenance(cmd *cobra.Command, args []string) error {
	enabled, err := parseOnOff(args[1])
	if err != nil {
		return err
	}
	var device models.Device
	body := map[string]bool{"enabled": enabled}
	if err := call("POST", "/printers/"+url.PathEscape(args[0])+"/maintenance", body, &device); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(device)
	}
	if device.Maintenance {
		fmt.Fprintf(out, "Printer %s is in maintenance\n", device.ID)
	} else {
		fmt.Fprintf(out, "Printer %s is available\n", device.ID)
	}
	return nil
}

func runPrinterAction(deviceID, action string) error {
	var result struct {
		DeviceID string      `json:"device_id"`
		Action   string      `json:"action"`
		Job      *models.Job `json:"job,omitempty"`
	}
	if err := call("POST", "/printers/"+url.PathEscape(deviceID)+"/"+action, nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}
	fmt.Fprintf(out, "Sent %s to %s\n", action, deviceID)
	if result.Job != nil {
		fmt.Fprintf(out, "Job %s is now %s\n", result.Job.ID, result.Job.Status)
	}
	return nil
}

func runPrintersFiles(cmd *cobra.Command, args []string) error {
	var result struct {
		Files []octoprint.RemoteFile `json:"files"`
	}
	if err := call("GET", "/printers/"+url.PathEscape(args[0])+"/files", nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}
	if len(result.Files) == 0 {
		fmt.Fprintln(out, "No files")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Name", "Origin", "Size", "Uploaded")
	for _, f := range result.Files {
		uploaded := "-"
		if f.Date > 0 {
			uploaded = time.Unix(f.Date, 0).Local().Format("2006-01-02 15:04")
		}
		table.Append(f.Name, f.Origin, formatBytes(f.Size), uploaded)
	}
	table.Render()
	return nil
}

func runPrintersRmFile(cmd *cobra.Command, args []string) error {
	path := "/printers/" + url.PathEscape(args[0]) + "/files/" + url.PathEscape(args[1])
	if err := call("DELETE", path, nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(out, "Deleted %s from %s\n", args[1], args[0])
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
