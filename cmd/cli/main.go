// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// orchctl 编排器管理面命令行
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/bus"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/config"
)

func main() {
	if err := buildCLI(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func buildCLI(out io.Writer) *cobra.Command {
	var baseURL string
	root := &cobra.Command{
		Use:          "orchctl",
		Short:        "Inspect and drive the instance orchestrator",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&baseURL, "api", "", "orchestrator API base URL (default $ORCH_API_URL or "+defaultBaseURL+")")
	cl := func() *client { return newClient(apiBaseURL(baseURL)) }

	root.AddCommand(
		getCommand("health", "Check orchestrator liveness", "/api/health", cl),
		getCommand("status", "Show job board and instance counts", "/api/status", cl),
		buildInstancesCommand(cl),
		buildCatalogCommand(cl),
		buildProvisionCommand(cl),
		buildTerminateCommand(cl),
		buildReconcileCommand(cl),
		commandCommand("sync-catalog", "Refresh the provider catalog", bus.VerbSyncCatalog, cl),
		buildConfigCommand(),
	)
	return root
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getCommand(use, short, path string, cl func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := cl().get(path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func buildInstancesCommand(cl func() *client) *cobra.Command {
	var pool, status string
	cmd := &cobra.Command{
		Use:   "instances [id]",
		Short: "List instances, or show one instance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				res map[string]interface{}
				err error
			)
			if len(args) == 1 {
				res, err = cl().get("/api/instances/"+args[0], nil)
			} else {
				res, err = cl().get("/api/instances", map[string]string{"pool": pool, "status": status})
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "", "filter by pool")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")

	cmd.AddCommand(&cobra.Command{
		Use:   "history <id>",
		Short: "Show the state transition audit of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := cl().get("/api/instances/"+args[0]+"/history", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	})
	return cmd
}

func buildCatalogCommand(cl func() *client) *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List catalog items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := cl().get("/api/catalog", map[string]string{"provider": provider})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider code")
	return cmd
}

func sendCommand(cmd *cobra.Command, cl func() *client, verb bus.Verb, args map[string]string) error {
	res, err := cl().postCommand(string(verb), args)
	if err != nil {
		return err
	}
	if res.Published != nil && !*res.Published {
		fmt.Fprintf(cmd.OutOrStdout(), "recorded %s (bus unavailable, left to background loops)\n", res.Payload)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", res.Payload)
	return nil
}

func commandCommand(use, short string, verb bus.Verb, cl func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(cmd, cl, verb, nil)
		},
	}
}

func buildProvisionCommand(cl func() *client) *cobra.Command {
	var id, pool, zone, instanceType string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Request a new instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(cmd, cl, bus.VerbProvision, map[string]string{
				bus.ArgInstanceID: id,
				bus.ArgPool:       pool,
				bus.ArgZone:       zone,
				bus.ArgType:       instanceType,
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "instance id (generated when empty)")
	cmd.Flags().StringVar(&pool, "pool", "", "pool name")
	cmd.Flags().StringVar(&zone, "zone", "", "provider zone")
	cmd.Flags().StringVar(&instanceType, "type", "", "instance type code")
	return cmd
}

func buildTerminateCommand(cl func() *client) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "terminate <id>",
		Short: "Terminate an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(cmd, cl, bus.VerbTerminate, map[string]string{
				bus.ArgInstanceID: args[0],
				bus.ArgReason:     reason,
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "deletion reason")
	return cmd
}

func buildReconcileCommand(cl func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [id]",
		Short: "Reconcile one instance (clears quarantine) or run a full reconciliation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cargs map[string]string
			if len(args) == 1 {
				cargs = map[string]string{bus.ArgInstanceID: args[0]}
			}
			return sendCommand(cmd, cl, bus.VerbReconcile, cargs)
		},
	}
}

func buildConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective orchestrator configuration summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrchestratorConfig()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "store.type=%s\n", cfg.Store.Type)
			fmt.Fprintf(w, "bus.type=%s\n", cfg.Bus.Type)
			fmt.Fprintf(w, "provider.type=%s\n", cfg.Provider.Type)
			fmt.Fprintf(w, "api.port=%d\n", cfg.API.Port)
			fmt.Fprintf(w, "scaling.pools=%d\n", len(cfg.Scaling.Pools))
			return nil
		},
	}
}
