package cmd

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/anvil/task"
	"github.com/projecteru2/anvil/types"
)

var deployCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Drive node deploys",
	}
	cmd.AddCommand(deployValidateCmd, deployStartCmd, deployContinueCmd)
	return cmd
}()

var deployValidateCmd = &cobra.Command{
	Use:   "validate ID",
	Short: "Check a node's instance_info and image properties",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeployValidate,
}

var deployStartCmd = &cobra.Command{
	Use:   "start ID",
	Short: "Cache the image and boot the node into the deploy ramdisk",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeployStart,
}

var deployContinueCmd = &cobra.Command{
	Use:   "continue ID",
	Short: "Deliver a deploy ramdisk callback by hand",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeployContinue,
}

func init() {
	f := deployContinueCmd.Flags()
	f.String("address", "", "address of the exported iSCSI target")
	f.String("iqn", "", "iSCSI target IQN")
	f.String("key", "", "deploy key issued for this deploy")
	f.String("error", "", "ramdisk error; fails the deploy")
	_ = deployContinueCmd.MarkFlagRequired("key")
}

func runDeployValidate(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	b, err := initBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close(context.WithoutCancel(ctx))

	return task.With(ctx, b.tasks, args[0], true, "validate", func(t *task.Task) error {
		if err := t.Driver().Validate(ctx, t); err != nil {
			return err
		}
		fmt.Printf("node %s is valid for %s\n", args[0], t.Driver().Name())
		return nil
	})
}

func runDeployStart(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	b, err := initBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close(context.WithoutCancel(ctx))

	return task.With(ctx, b.tasks, args[0], false, "deploy", func(t *task.Task) error {
		if err := t.Driver().Deploy(ctx, t); err != nil {
			return err
		}
		log.WithFunc("cmd.deployStart").Infof(ctx, "node %s is %s", args[0], t.Node().ProvisionState)
		return nil
	})
}

func runDeployContinue(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	b, err := initBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close(context.WithoutCancel(ctx))

	cb := &types.DeployCallback{}
	cb.Address, _ = cmd.Flags().GetString("address")
	cb.IQN, _ = cmd.Flags().GetString("iqn")
	cb.Key, _ = cmd.Flags().GetString("key")
	cb.Error, _ = cmd.Flags().GetString("error")

	return task.With(ctx, b.tasks, args[0], false, "continue_deploy", func(t *task.Task) error {
		if err := t.Driver().ContinueDeploy(ctx, t, cb); err != nil {
			return err
		}
		n := t.Node()
		if n.LastError != "" {
			fmt.Printf("node %s: %s (%s)\n", n.ID, n.ProvisionState, n.LastError)
			return nil
		}
		fmt.Printf("node %s: %s\n", n.ID, n.ProvisionState)
		return nil
	})
}
