package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Fleet credential rotation CLI",
	Long:  "A CLI for operating the fleet credential rotation service.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(waveCmd())
	rootCmd.AddCommand(passCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(configCmd())
}

// --- rotation ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet rotation status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/admin/rotation/status")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

func waveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wave",
		Short: "Queue a rotation wave now",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			client := newClient()
			result, err := client.post("/v1/admin/rotation/wave", map[string]any{"force": force})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Queue even while a rotation is in flight")
	return cmd
}

func passCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pass",
		Short: "Run one rotation pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/v1/admin/rotation/pass", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the rotation event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if device, _ := cmd.Flags().GetString("device"); device != "" {
				q.Set("device_id", device)
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if since, _ := cmd.Flags().GetString("since"); since != "" {
				q.Set("since", since)
			}
			path := "/v1/admin/rotation/events"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			client := newClient()
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			if outputFormat == "table" {
				if events, ok := result["events"].([]any); ok {
					printRows(events, "created_at", "event", "device_id", "detail")
					return nil
				}
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("device", "", "Filter by device ID")
	cmd.Flags().Int("limit", 0, "Maximum number of events")
	cmd.Flags().String("since", "", "Only events after this RFC3339 time")
	return cmd
}

// --- device ---

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "device", Short: "Manage fleet devices"}

	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Provision a device",
		Long:  "Provision a device. The response carries its one-time API token and client secret.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			client := newClient()
			result, err := client.post("/v1/admin/devices", map[string]any{"name": args[0]})
			if err != nil {
				printError(err.Error())
				return nil
			}
			if envFile != "" {
				if payload, ok := result["env_payload"].(string); ok {
					if err := os.WriteFile(envFile, []byte(payload), 0600); err != nil {
						printError(err.Error())
						return nil
					}
					fmt.Fprintf(os.Stderr, "Bootstrap env written to %s\n", envFile)
					delete(result, "env_payload")
				}
			}
			printResult(result)
			return nil
		},
	}
	addCmd.Flags().String("env-file", "", "Write the bootstrap .env payload to this file")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/admin/devices")
			if err != nil {
				printError(err.Error())
				return nil
			}
			if outputFormat == "table" {
				if devices, ok := result["devices"].([]any); ok {
					printRows(devices, "id", "name", "rotation_state", "secret_created_at")
					return nil
				}
			}
			printResult(result)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/admin/devices/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			path := "/v1/admin/devices/" + args[0]
			if force {
				path += "?force=true"
			}
			client := newClient()
			if err := client.delete(path); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Device deleted.")
			return nil
		},
	}
	rmCmd.Flags().Bool("force", false, "Delete even while a rotation is in flight")

	cmd.AddCommand(addCmd, listCmd, showCmd, rmCmd)
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage CLI configuration"}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Persist connection settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetString("address"); v != "" {
				cfg.Address = v
			}
			if v, _ := cmd.Flags().GetString("admin-token"); v != "" {
				cfg.AdminToken = v
			}
			if v, _ := cmd.Flags().GetString("ca-cert"); v != "" {
				cfg.TLSCACert = v
			}
			if err := saveConfig(); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Config saved to " + configPath())
			return nil
		},
	}
	setCmd.Flags().String("address", "", "Service address, e.g. http://127.0.0.1:8080")
	setCmd.Flags().String("admin-token", "", "Admin API token")
	setCmd.Flags().String("ca-cert", "", "Path to a CA certificate for TLS")

	cmd.AddCommand(setCmd)
	return cmd
}
