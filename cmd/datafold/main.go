// Package main is the entry point for the datafold node CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/datafold/datafold/internal/config"
	"github.com/datafold/datafold/internal/engine"
	"github.com/datafold/datafold/internal/errs"
	"github.com/datafold/datafold/internal/node"
	"github.com/datafold/datafold/internal/schemaregistry"
	"github.com/datafold/datafold/internal/transform"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	output     string
)

func main() {
	os.Exit(run())
}

// run builds the root command and maps the result to this CLI's exit
// code contract: 0 success, 2 usage, 3 permission, 4 storage, 5 network.
func run() int {
	rootCmd := &cobra.Command{
		Use:           "datafold",
		Short:         "Manage a datafold content-addressed datastore node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to node config YAML")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table, json")

	rootCmd.AddCommand(
		newServeCmd(),
		newSchemaCmd(),
		newMutateCmd(),
		newQueryCmd(),
		newTransformCmd(),
		newNodeCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCodeFor(err)
	}
	return 0
}

func exitCodeFor(err error) int {
	var usage usageError
	var denied *errs.PermissionDenied
	var storage *errs.StorageError
	var remote *errs.RemoteError

	switch {
	case errors.As(err, &usage):
		return 2
	case errors.As(err, &denied):
		return 3
	case errors.As(err, &storage):
		return 4
	case errors.As(err, &remote):
		return 5
	default:
		return 1
	}
}

// usageError marks a mistake this CLI detects itself (an unreadable or
// invalid config, bad --fields JSON, an unknown schema kind or peer) as
// distinct from a runtime failure, so exitCodeFor can route it to code 2.
// Errors cobra raises on its own for argument counts, unknown flags, or
// missing required flags are not wrapped and exit with code 1.
type usageError struct{ error }

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("datafold %s (commit: %s)\n", version, commit)
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the node's peer transport and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return n.Serve(ctx)
		},
	}
}

func openNode() (*node.Node, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, usageError{err}
	}
	return node.New(cfg)
}

func printResult(v interface{}) error {
	if output == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Printf("%+v\n", v)
	return nil
}

// --- schema ---

func newSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "schema", Short: "Manage schema lifecycle state"}
	cmd.AddCommand(newSchemaAddCmd(), newSchemaApproveCmd(), newSchemaBlockCmd(), newSchemaListCmd(), newSchemaStateCmd())
	return cmd
}

func newSchemaAddCmd() *cobra.Command {
	var kind string
	var rangeKey string
	c := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a new schema in Available state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()

			var s *schemaregistry.Schema
			switch kind {
			case "standard":
				s = schemaregistry.NewStandardSchema(args[0])
			case "range":
				if rangeKey == "" {
					return usageError{fmt.Errorf("--range-key is required for kind=range")}
				}
				s = schemaregistry.NewRangeSchema(args[0], rangeKey)
			default:
				return usageError{fmt.Errorf("unknown schema kind %q", kind)}
			}
			if err := n.Schemas.AddAvailable(cmd.Context(), s); err != nil {
				return err
			}
			return printResult(map[string]string{"schema": args[0], "state": "available"})
		},
	}
	c.Flags().StringVar(&kind, "kind", "standard", "Schema kind: standard, range")
	c.Flags().StringVar(&rangeKey, "range-key", "", "Range key field name, required for kind=range")
	return c
}

func newSchemaApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <name>",
		Short: "Move a schema from Available to Approved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()
			if err := n.Schemas.Approve(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printResult(map[string]string{"schema": args[0], "state": "approved"})
		},
	}
}

func newSchemaBlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "block <name>",
		Short: "Move a schema to Blocked, rejecting further reads/writes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()
			if err := n.Schemas.Block(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printResult(map[string]string{"schema": args[0], "state": "blocked"})
		},
	}
}

func newSchemaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known schemas and their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()
			list, err := n.Schemas.List(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(list)
		},
	}
}

func newSchemaStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <name>",
		Short: "Show a schema's current lifecycle state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()
			s, err := n.Schemas.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(s)
		},
	}
}

// --- mutate / query ---

func newMutateCmd() *cobra.Command {
	var schema, mutationType, fieldsJSON, pubKey string
	var trustDistance int
	c := &cobra.Command{
		Use:   "mutate",
		Short: "Apply a mutation to a schema's fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()

			var fields map[string]interface{}
			if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
				return usageError{fmt.Errorf("invalid --fields JSON: %w", err)}
			}

			err = n.Engine.Mutate(cmd.Context(), engine.Mutation{
				Schema: schema,
				Type:   engine.MutationType(mutationType),
				Fields: fields,
				Auth:   engine.Auth{PubKey: pubKey, TrustDistance: trustDistance},
			})
			if err != nil {
				return err
			}
			return printResult(map[string]string{"status": "ok"})
		},
	}
	c.Flags().StringVar(&schema, "schema", "", "Schema name (required)")
	c.Flags().StringVar(&mutationType, "type", string(engine.MutationCreate), "Mutation type")
	c.Flags().StringVar(&fieldsJSON, "fields", "{}", "Fields as a JSON object")
	c.Flags().StringVar(&pubKey, "as", "", "Caller public key identity")
	c.Flags().IntVar(&trustDistance, "trust-distance", 0, "Caller trust distance")
	_ = c.MarkFlagRequired("schema")
	return c
}

func newQueryCmd() *cobra.Command {
	var schema, fieldsCSV, pubKey, rangeKey, rangeValue string
	var trustDistance int
	c := &cobra.Command{
		Use:   "query",
		Short: "Read one or more fields from a schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()

			var filter *engine.Filter
			if rangeKey != "" {
				filter = &engine.Filter{RangeFilter: map[string]string{rangeKey: rangeValue}}
			}

			result, err := n.Engine.Query(cmd.Context(), engine.Query{
				Schema: schema,
				Fields: splitCSV(fieldsCSV),
				Filter: filter,
				Auth:   engine.Auth{PubKey: pubKey, TrustDistance: trustDistance},
			})
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}
	c.Flags().StringVar(&schema, "schema", "", "Schema name (required)")
	c.Flags().StringVar(&fieldsCSV, "fields", "", "Comma-separated field names (required)")
	c.Flags().StringVar(&pubKey, "as", "", "Caller public key identity")
	c.Flags().IntVar(&trustDistance, "trust-distance", 0, "Caller trust distance")
	c.Flags().StringVar(&rangeKey, "range-key", "", "Range key field name, for Range schemas")
	c.Flags().StringVar(&rangeValue, "range-value", "", "Range key value to group by")
	_ = c.MarkFlagRequired("schema")
	_ = c.MarkFlagRequired("fields")
	return c
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// --- transform ---

func newTransformCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "transform", Short: "Manage declarative field transforms"}
	cmd.AddCommand(newTransformRegisterCmd(), newTransformListCmd(), newTransformExecuteCmd())
	return cmd
}

func newTransformRegisterCmd() *cobra.Command {
	var id, inputsCSV, outputField, logic string
	c := &cobra.Command{
		Use:   "register",
		Short: "Register a transform, rejecting it if it would create a dependency cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()

			t := &transform.Transform{ID: id, Inputs: splitCSV(inputsCSV), Output: outputField, Logic: logic}
			if err := n.DAG.Register(t); err != nil {
				return err
			}
			return printResult(map[string]string{"transform": id, "status": "registered"})
		},
	}
	c.Flags().StringVar(&id, "id", "", "Transform id (required)")
	c.Flags().StringVar(&inputsCSV, "inputs", "", "Comma-separated input coordinates, schema.field (required)")
	c.Flags().StringVar(&outputField, "output", "", "Output coordinate, schema.field (required)")
	c.Flags().StringVar(&logic, "logic", "", "Arithmetic expression over input field names (required)")
	_ = c.MarkFlagRequired("id")
	_ = c.MarkFlagRequired("inputs")
	_ = c.MarkFlagRequired("output")
	_ = c.MarkFlagRequired("logic")
	return c
}

func newTransformListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered transforms",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()
			return printResult(n.DAG.List())
		},
	}
}

func newTransformExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <id>",
		Short: "Show a transform's execution history and outcome counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()
			return printResult(n.Transform.StatsFor(args[0]))
		},
	}
}

// --- node ---

func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node", Short: "Inspect this node's peer identity and trust graph"}
	cmd.AddCommand(newNodePeersCmd(), newNodeTrustCmd())
	return cmd
}

func newNodePeersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List known peer nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()
			return printResult(n.Trust.DiscoverNodes())
		},
	}
}

func newNodeTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <node-id>",
		Short: "Show the trust distance configured for a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode()
			if err != nil {
				return err
			}
			defer n.Close()
			info, ok := n.Trust.Peer(args[0])
			if !ok {
				return usageError{fmt.Errorf("unknown peer %q", args[0])}
			}
			return printResult(info)
		},
	}
}
