package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcpchat-go/pkg/serverconfig"
)

func newStatusCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect every enabled server once and print its connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			var (
				mu    sync.Mutex
				pings = make(map[string]string)
			)
			g, ctx := errgroup.WithContext(cmd.Context())
			for _, cfg := range serverconfig.Enabled(a.source.Snapshot()) {
				id := cfg.ID
				g.Go(func() error {
					client := a.manager.GetOrConnectClient(ctx, id)
					if client == nil {
						return nil
					}
					result := pingClient(ctx, client, v.GetDuration(flagCallTimeout))
					mu.Lock()
					pings[id] = result
					mu.Unlock()
					return nil
				})
			}
			_ = g.Wait()
			if err := cmd.Context().Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERVER\tENABLED\tSTATE\tPING\tURL")
			for _, s := range a.manager.GetServerSummaries() {
				ping, ok := pings[s.ID]
				if !ok {
					ping = "-"
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", s.ID, s.Enabled, s.State, ping, s.URL)
			}
			return tw.Flush()
		},
	}
}

// pingClient reports the round trip of one ping, or the error it failed with.
func pingClient(ctx context.Context, client pinger, timeout time.Duration) string {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	started := time.Now()
	if err := client.Ping(ctx); err != nil {
		return "error: " + err.Error()
	}
	return time.Since(started).Round(time.Millisecond).String()
}

type pinger interface {
	Ping(ctx context.Context) error
}
