package cmd

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/printfarm/pkg/power"
)

var forcePowerOff bool

var powerCmd = &cobra.Command{
	Use:   "power",
	Short: "Switch printer relays (admin)",
}

var powerStatesCmd = &cobra.Command{
	Use:   "states",
	Short: "Show the last commanded state of every relay channel",
	RunE:  runPowerStates,
}

func init() {
	rootCmd.AddCommand(powerCmd)
	powerCmd.AddCommand(powerStatesCmd)

	for _, state := range []string{"on", "off"} {
		state := state
		c := &cobra.Command{
			Use:   state + " <device-id|all>",
			Short: fmt.Sprintf("Switch one printer or all printers %s", state),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runPower(args[0], state)
			},
		}
		if state == "off" {
			c.Flags().BoolVar(&forcePowerOff, "force", false, "also switch off printers that are printing")
		}
		powerCmd.AddCommand(c)
	}
}

func runPower(target, state string) error {
	if target != "all" {
		var res power.Result
		if err := call("POST", "/power/"+url.PathEscape(target)+"/"+state, nil, &res); err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(res)
		}
		fmt.Fprintf(out, "Printer %s (channel %d) switched %s\n", res.DeviceID, res.Channel, state)
		return nil
	}

	path := "/power/all/" + state
	if state == "off" && forcePowerOff {
		path += "?force=true"
	}
	var result struct {
		Results []power.Result `json:"results"`
		Failed  int            `json:"failed"`
	}
	if err := call("POST", path, nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Printer", "Channel", "Result", "Error")
	for _, r := range result.Results {
		status := "ok"
		if !r.Success {
			status = "failed"
		}
		table.Append(r.DeviceID, strconv.Itoa(r.Channel), status, r.Error)
	}
	table.Render()
	if result.Failed > 0 {
		return fmt.Errorf("%d of %d relay commands failed", result.Failed, len(result.Results))
	}
	return nil
}

func runPowerStates(cmd *cobra.Command, args []string) error {
	var result struct {
		Channels []struct {
			Channel  int    `json:"channel"`
			DeviceID string `json:"device_id"`
			State    string `json:"state"`
		} `json:"channels"`
	}
	if err := call("GET", "/power/states", nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Channel", "Printer", "State")
	for _, ch := range result.Channels {
		table.Append(strconv.Itoa(ch.Channel), ch.DeviceID, ch.State)
	}
	table.Render()
	return nil
}
