package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
)

var leaseCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Inspect node leases",
	}
	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List leases, including expired ones not yet cleaned",
		Args:    cobra.NoArgs,
		RunE:    runLeaseList,
	}, &cobra.Command{
		Use:   "clean",
		Short: "Remove expired leases",
		Args:  cobra.NoArgs,
		RunE:  runLeaseClean,
	})
	return cmd
}()

func runLeaseList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	b, err := initBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close(context.WithoutCancel(ctx))

	leases, err := b.leases.List(ctx)
	if err != nil {
		return err
	}
	if len(leases) == 0 {
		fmt.Println("No leases held.")
		return nil
	}
	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NODE\tMODE\tHOLDER\tACQUIRED\tEXPIRES")
	for _, l := range leases {
		expires := l.ExpiresAt.Local().Format(time.DateTime)
		if l.Expired(now) {
			expires += " (expired)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			l.NodeID,
			l.Mode,
			l.Holder,
			l.AcquiredAt.Local().Format(time.DateTime),
			expires,
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func runLeaseClean(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	b, err := initBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close(context.WithoutCancel(ctx))

	n, err := b.leases.CleanExpired(ctx)
	if err != nil {
		return err
	}
	log.WithFunc("cmd.leaseClean").Infof(ctx, "removed %d expired leases", n)
	return nil
}
