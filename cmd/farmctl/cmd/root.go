package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	tlsutil "github.com/psantana5/printfarm/pkg/tls"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	apiKey       string
	userID       string
	asAdmin      bool
	caCert       string
	insecure     bool

	// out is where commands print; tests replace it
	out io.Writer = os.Stdout
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "farmctl",
	Short:         "CLI for the printfarm controller",
	Long:          `farmctl manages the print queue, printers and relay power of a printfarm controller.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.printfarm/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "", "controller API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "user id sent as X-User-ID (default: $USER)")
	rootCmd.PersistentFlags().BoolVar(&asAdmin, "admin", false, "act with the admin role")
	rootCmd.PersistentFlags().StringVar(&caCert, "ca-cert", "", "CA certificate for an https controller URL")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".printfarm"))
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PRINTFARM")
	viper.AutomaticEnv()
	viper.BindEnv("url", "PRINTFARM_URL")
	viper.BindEnv("api_key", "PRINTFARM_API_KEY")
	viper.BindEnv("user", "PRINTFARM_USER")
	viper.BindEnv("admin", "PRINTFARM_ADMIN")
	viper.BindEnv("ca_cert", "PRINTFARM_CA_CERT")

	// A missing config file is fine, flags and env still apply
	_ = viper.ReadInConfig()

	if serverURL == "" {
		serverURL = viper.GetString("url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if userID == "" {
		userID = viper.GetString("user")
	}
	if !asAdmin {
		asAdmin = viper.GetBool("admin")
	}
	if caCert == "" {
		caCert = viper.GetString("ca_cert")
	}

	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	if userID == "" {
		userID = os.Getenv("USER")
	}
}

// GetServerURL returns the configured controller URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// APIError is a non-2xx answer from the controller
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

var httpClient *http.Client

// client returns the shared HTTP client, configuring TLS on first use
func client() (*http.Client, error) {
	if httpClient != nil {
		return httpClient, nil
	}
	c := &http.Client{Timeout: 30 * time.Second}
	if strings.HasPrefix(GetServerURL(), "https://") {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(caCert, insecure)
		if err != nil {
			return nil, err
		}
		c.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}
	httpClient = c
	return c, nil
}

// newRequest creates a request carrying the API key and caller identity
func newRequest(method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, GetServerURL()+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if asAdmin {
		req.Header.Set("X-User-Role", "admin")
	}
	return req, nil
}

// call sends a request and decodes a 2xx JSON answer into result (may be nil)
func call(method, path string, body, result interface{}) error {
	req, err := newRequest(method, path, body)
	if err != nil {
		return err
	}
	hc, err := client()
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to controller API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if result == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(out, string(output))
	return nil
}
