package cmd

import (
	"context"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove expired leases, orphaned node images and idle master copies",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

func runGC(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	b, err := initBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close(context.WithoutCancel(ctx))

	if err := b.newGC().Run(ctx); err != nil {
		return err
	}
	log.WithFunc("cmd.gc").Infof(ctx, "GC completed")
	return nil
}
