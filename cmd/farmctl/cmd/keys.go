package cmd

import (
	"fmt"
	"net/url"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/printfarm/pkg/api"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage gateway API keys (admin)",
	Long: `Keys created here live in the controller's memory only. Put long-lived keys
in the configuration file instead.`,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List key names",
	RunE:  runKeysList,
}

var keysCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a key; it is printed once",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysCreate,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <name>",
	Short: "Revoke a key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRevoke,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysListCmd, keysCreateCmd, keysRevokeCmd)
}

func runKeysList(cmd *cobra.Command, args []string) error {
	var result struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}
	if err := call("GET", "/auth/keys", nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}
	if result.Count == 0 {
		fmt.Fprintln(out, "No API keys, authentication is off")
		return nil
	}
	table := tablewriter.NewWriter(out)
	table.Header("Name")
	for _, name := range result.Keys {
		table.Append(name)
	}
	table.Render()
	return nil
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	var result api.CreateKeyResponse
	if err := call("POST", "/auth/keys", map[string]string{"name": args[0]}, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}
	fmt.Fprintf(out, "Created key %s\n\n  %s\n\nStore it now, it cannot be shown again.\n", result.Name, result.Key)
	return nil
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	if err := call("DELETE", "/auth/keys/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(out, "Revoked key %s\n", args[0])
	return nil
}
