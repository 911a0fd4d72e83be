package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/anvil/api"
	"github.com/projecteru2/anvil/driver/iscsi"
	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/task"
	"github.com/projecteru2/anvil/types"
)

var nodeCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage node records",
	}
	cmd.AddCommand(nodeRegisterCmd, nodeShowCmd, nodeListCmd, nodeDeleteCmd)
	return cmd
}()

var nodeRegisterCmd = &cobra.Command{
	Use:   "register ID",
	Short: "Register a node",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeRegister,
}

var nodeShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a node under a shared lease",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeShow,
}

var nodeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered nodes",
	Args:    cobra.NoArgs,
	RunE:    runNodeList,
}

var nodeDeleteCmd = &cobra.Command{
	Use:     "delete ID",
	Aliases: []string{"rm"},
	Short:   "Delete a node and its images",
	Args:    cobra.ExactArgs(1),
	RunE:    runNodeDelete,
}

func init() {
	f := nodeRegisterCmd.Flags()
	f.String("name", "", "node name")
	f.String("driver", iscsi.Name, "deploy driver")
	f.StringArray("instance", nil, "instance_info key=value (repeatable)")
	f.StringArray("driver-info", nil, "driver_info key=value (repeatable)")
	f.StringArray("property", nil, "properties key=value (repeatable)")
}

func runNodeRegister(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	b, err := initBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close(context.WithoutCancel(ctx))

	n := &types.Node{ID: args[0], ProvisionState: types.Available}
	n.Name, _ = cmd.Flags().GetString("name")
	n.Driver, _ = cmd.Flags().GetString("driver")
	if _, err := b.drivers.Get(n.Driver); err != nil {
		return err
	}
	for flag, dst := range map[string]*map[string]any{
		"instance":    &n.InstanceInfo,
		"driver-info": &n.DriverInfo,
		"property":    &n.Properties,
	} {
		pairs, _ := cmd.Flags().GetStringArray(flag)
		if *dst, err = parseKV(pairs); err != nil {
			return fmt.Errorf("--%s: %w", flag, err)
		}
	}

	switch _, err := b.nodes.Load(ctx, n.ID); {
	case err == nil:
		return errdefs.InvalidParameter("node %s already registered", n.ID)
	case !errdefs.IsNotFound(err):
		return err
	}
	if err := b.nodes.Save(ctx, n); err != nil {
		return err
	}
	log.WithFunc("cmd.nodeRegister").Infof(ctx, "node %s registered with driver %s", n.ID, n.Driver)
	return nil
}

func runNodeShow(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	b, err := initBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close(context.WithoutCancel(ctx))

	return task.With(ctx, b.tasks, args[0], true, "show", func(t *task.Task) error {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(api.Redact(t.Node()))
	})
}

func runNodeList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	b, err := initBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close(context.WithoutCancel(ctx))

	nodes, err := b.nodes.List(ctx)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		fmt.Println("No nodes found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tDRIVER\tSTATE\tTARGET\tPOWER\tUPDATED")
	for _, n := range nodes {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			n.ID,
			n.Name,
			n.Driver,
			orDash(string(n.ProvisionState)),
			orDash(string(n.TargetProvisionState)),
			orDash(string(n.PowerState)),
			n.UpdatedAt.Local().Format(time.DateTime),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func runNodeDelete(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	b, err := initBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close(context.WithoutCancel(ctx))

	id := args[0]
	return task.With(ctx, b.tasks, id, false, "delete", func(t *task.Task) error {
		switch t.Node().ProvisionState {
		case types.Deploying, types.DeployWait:
			return errdefs.InvalidState("node %s is %q, cannot delete during a deploy", id, t.Node().ProvisionState)
		}
		if err := b.cache.DestroyImages(ctx, id); err != nil {
			return err
		}
		if err := b.nodes.Delete(ctx, id); err != nil {
			return err
		}
		log.WithFunc("cmd.nodeDelete").Infof(ctx, "node %s deleted", id)
		return nil
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
