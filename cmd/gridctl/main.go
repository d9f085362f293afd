// Command gridctl is the operator/smoke-test CLI for the gateway (C8),
// adapted from the teacher's tools/console.go and user-console.go: the same
// "talk to a running server over HTTP, print the JSON back" shape, retargeted
// from colony commands (build, burn, launch) to grid commands (render, mint,
// iterate, status). Ambient tooling, not a spec.md operation in its own
// right, so it is the one place in gridkeep that reaches for a CLI library —
// grounded on the cobra usage in the example pack's AKJUS-bsc-erigon repo,
// since positional subcommands and per-command flags are exactly what cobra
// is for, unlike the server binaries' flat os.Getenv config.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	zone      int
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func main() {
	root := &cobra.Command{
		Use:   "gridctl",
		Short: "Operator CLI for the gridkeep gateway",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("GRIDCTL_SERVER", "http://localhost:8090"), "gateway base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("GRIDCTL_API_KEY"), "bearer token from 'gridctl apikey issue'")
	root.PersistentFlags().IntVar(&zone, "zone", 0, "target zone id")

	root.AddCommand(
		statusCmd(),
		renderCmd(),
		mintCmd(),
		iterateCmd(),
		apikeyCmd(),
		adminCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Fetch /api/health and print the backend's reported health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]interface{}
			if err := doGet("/api/health", &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func renderCmd() *cobra.Command {
	var x, y, radius int64
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a square window of cells around (x,y)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]interface{}
			body := map[string]interface{}{"zone": zone, "x": x, "y": y, "radius": radius}
			if err := doPost("/api/render", body, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().Int64Var(&x, "x", 0, "center x")
	cmd.Flags().Int64Var(&y, "y", 0, "center y")
	cmd.Flags().Int64Var(&radius, "radius", 8, "half-width of the render window")
	return cmd
}

func mintCmd() *cobra.Command {
	var x, y, iter int64
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint the entity at (x,y,iter), claiming ownership for the caller's token",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]interface{}
			body := map[string]interface{}{"zone": zone, "x": x, "y": y, "i": iter}
			if err := doPost("/api/mint", body, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().Int64Var(&x, "x", 0, "x")
	cmd.Flags().Int64Var(&y, "y", 0, "y")
	cmd.Flags().Int64Var(&iter, "iter", 0, "iteration to mint")
	return cmd
}

func iterateCmd() *cobra.Command {
	var x, y int64
	cmd := &cobra.Command{
		Use:   "iterate",
		Short: "Create the next iteration at (x,y), requires owning iter 0",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]interface{}
			body := map[string]interface{}{"zone": zone, "x": x, "y": y}
			if err := doPost("/api/newiter", body, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().Int64Var(&x, "x", 0, "x")
	cmd.Flags().Int64Var(&y, "y", 0, "y")
	return cmd
}

func apikeyCmd() *cobra.Command {
	parent := &cobra.Command{Use: "apikey", Short: "Issue, check, or renew bearer tokens"}

	var parts []string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a fresh bearer token for the given principal/capability parts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]interface{}
			if err := doPost("/api/APIKey", map[string]interface{}{"parts": parts}, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	issue.Flags().StringSliceVar(&parts, "part", nil, "token part, principal id first (repeatable)")

	check := &cobra.Command{
		Use:   "check",
		Short: "Check whether --api-key is currently authorized",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]interface{}
			if err := doPost("/api/CheckAPIKey", map[string]interface{}{"api_key": apiKey}, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}

	renew := &cobra.Command{
		Use:   "renew",
		Short: "Renew --api-key into a fresh token with the same parts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]interface{}
			if err := doPost("/api/APIKey/renew", map[string]interface{}{"api_key": apiKey}, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}

	parent.AddCommand(issue, check, renew)
	return parent
}

func doGet(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	setAuth(req)
	return do(req, out)
}

func doPost(path string, body interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req)
	return do(req, out)
}

func setAuth(req *http.Request) {
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
}

func do(req *http.Request, out interface{}) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, raw)
	}
	return json.Unmarshal(raw, out)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
