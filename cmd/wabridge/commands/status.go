package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wabridge/pkg/wabridge/config"
)

// newStatusCmd creates `wabridge status`, which queries a running service.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session status of a running wabridge",
		Long: `Query GET {prefix}/status on a running wabridge and print the result.
The URL, prefix and token default to the loaded configuration.

Examples:
  wabridge status
  wabridge status --url http://10.0.0.5:8085 --token $WABRIDGE_AUTH_TOKEN`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}

	cmd.Flags().String("url", "", "base URL of the running service (default from config address)")
	cmd.Flags().String("token", "", "bearer token (default from config)")
	cmd.Flags().Duration("timeout", 5*time.Second, "request timeout")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	baseURL, _ := cmd.Flags().GetString("url")
	if baseURL == "" {
		baseURL = baseURLFromAddress(cfg.Gateway.Address)
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = cfg.Gateway.AuthToken
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	body, err := fetchStatus(ctx, strings.TrimRight(baseURL, "/")+"/"+strings.Trim(cfg.Gateway.Prefix, "/")+"/status", token)
	if err != nil {
		return err
	}

	return printStatus(cmd.OutOrStdout(), body)
}

func fetchStatus(ctx context.Context, url, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func printStatus(w io.Writer, body []byte) error {
	var st struct {
		Phase              string    `json:"phase"`
		IsReady            bool      `json:"isReady"`
		IsAuthenticated    bool      `json:"isAuthenticated"`
		HasPairingArtifact bool      `json:"hasPairingArtifact"`
		ContactCount       int       `json:"contactCount"`
		IsDegraded         bool      `json:"isDegraded"`
		LastTransitionAt   time.Time `json:"lastTransitionAt"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	fmt.Fprintf(w, "phase:          %s\n", st.Phase)
	fmt.Fprintf(w, "ready:          %t\n", st.IsReady)
	fmt.Fprintf(w, "authenticated:  %t\n", st.IsAuthenticated)
	fmt.Fprintf(w, "degraded:       %t\n", st.IsDegraded)
	fmt.Fprintf(w, "pairing code:   %t\n", st.HasPairingArtifact)
	fmt.Fprintf(w, "contacts:       %d\n", st.ContactCount)
	if !st.LastTransitionAt.IsZero() {
		fmt.Fprintf(w, "since:          %s\n", st.LastTransitionAt.Format(time.RFC3339))
	}
	return nil
}

// baseURLFromAddress turns a listen address such as ":8085" into a URL
// reachable from the same host.
func baseURLFromAddress(address string) string {
	host := address
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	if strings.HasPrefix(host, "0.0.0.0:") {
		host = "127.0.0.1" + strings.TrimPrefix(host, "0.0.0.0")
	}
	return "http://" + host
}
