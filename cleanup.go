package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCleanupCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Stop watch channels left behind by earlier runs and forget stored sync tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			mainCal, err := NewCalendarFactory(ctx, a.config, a.store).Provider(a.config.Main)
			if err != nil {
				return err
			}
			wm := NewWatchManager(mainCal, WatchOptions{CalendarID: a.config.Main.ID, Store: a.store})
			stopped := wm.StopStale(ctx)
			fmt.Printf("  📴 Stopped %d stale watch channel(s)\n", stopped)

			if err := a.store.ClearSyncTokens(ctx); err != nil {
				return fmt.Errorf("clearing sync tokens: %w", err)
			}
			fmt.Println("  🧹 Stored sync tokens cleared; the next scan is a full load")
			return nil
		},
	}
}
