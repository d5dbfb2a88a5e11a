package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newDesyncCmd(opts *globalOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "desync",
		Short: "Delete every mirrored event from the filtered calendar and stop the watch channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if !yes {
				fmt.Printf("⚠️  Delete every mirrored event from %s? (y/N): ", a.config.Filtered.ID)
				var confirmation string
				fmt.Scanln(&confirmation)
				if confirmation != "y" && confirmation != "Y" {
					fmt.Println("❌ Desync cancelled")
					return nil
				}
			}

			ctx, stop := signalContext()
			defer stop()
			return desyncCalendars(ctx, a)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func desyncCalendars(ctx context.Context, a *app) error {
	syncer, err := a.newSyncer(ctx)
	if err != nil {
		return err
	}

	fmt.Println("🚀 Starting calendar desynchronization...")
	if n := syncer.StopStaleWatches(ctx); n > 0 {
		fmt.Printf("  📴 Stopped %d watch channel(s)\n", n)
	}

	deleted, failed, err := syncer.Desync(ctx)
	if err != nil {
		return err
	}
	if err := a.store.ClearSyncTokens(ctx); err != nil {
		fmt.Printf("  ⚠️ Unable to clear stored sync tokens: %v\n", err)
	}
	fmt.Printf("  ✅ %d mirrored events deleted\n", deleted)
	if failed > 0 {
		return fmt.Errorf("%d events could not be deleted", failed)
	}
	fmt.Println("Calendars desynced successfully")
	return nil
}

// Desync deletes every filtered event carrying a sourceid, leaving hand-made
// events alone.
func (s *Syncer) Desync(ctx context.Context) (deleted, failed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, _, err := s.filtered.ListEvents(ctx, s.filteredID, "")
	if err != nil {
		return 0, 0, fmt.Errorf("loading filtered calendar: %w", err)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	for _, ev := range events {
		if ev.Status == StatusCancelled || ev.SharedProperty(propSourceID) == "" {
			continue
		}
		if err := s.filtered.DeleteEvent(ctx, s.filteredID, ev.ID); err != nil {
			if isNotFound(err) {
				fmt.Printf("  ⚠️ Mirrored event not found in calendar: %s\n", ev.ID)
				continue
			}
			fmt.Printf("  ❌ Error deleting mirrored event %s: %v\n", ev.ID, err)
			failed++
			continue
		}
		deleted++
		s.forget(ev.ID)
	}
	s.filterCursor = ""
	s.mainCursor = ""
	return deleted, failed, nil
}
