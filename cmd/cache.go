package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var cacheCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the master image cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List master copies",
		Args:    cobra.NoArgs,
		RunE:    runCacheList,
	}, &cobra.Command{
		Use:   "gc",
		Short: "Remove idle or expired master copies and stale downloads",
		Args:  cobra.NoArgs,
		RunE:  runCacheGC,
	})
	return cmd
}()

func runCacheList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	b, err := initBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close(context.WithoutCancel(ctx))

	imgs, err := b.cache.List(ctx)
	if err != nil {
		return err
	}
	if len(imgs) == 0 {
		fmt.Println("No cached images.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "HREF\tDIGEST\tSIZE\tNODES\tLAST USED")
	for _, img := range imgs {
		digest := img.Digest
		if len(digest) > 19 {
			digest = digest[:19]
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			img.Href,
			digest,
			formatSize(img.Size),
			orDash(strings.Join(img.Nodes, ",")),
			img.LastUsed.Local().Format(time.DateTime),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func runCacheGC(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	b, err := initBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close(context.WithoutCancel(ctx))
	return b.cache.CleanUp(ctx)
}
