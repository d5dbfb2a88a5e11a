package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newAuthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize the configured Google account and store its token",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()
			return authorize(ctx, a)
		},
	}
}

func authorize(ctx context.Context, a *app) error {
	creds, err := loadCredentials(ctx, a.config.Auth)
	if err != nil {
		return err
	}
	if creds.serviceAccount != nil {
		fmt.Println("✅ Service account credentials need no interactive authorization")
		return nil
	}

	account := a.config.Auth.Account
	fmt.Printf("🚀 Authorizing account %s...\n", account)
	if _, err := a.store.loadToken(account); err == nil {
		fmt.Printf("  ❗️ Replacing the stored token for account %s\n", account)
	}
	token, err := getTokenFromWeb(ctx, creds.installed)
	if err != nil {
		return err
	}
	if err := a.store.saveToken(account, token); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}

	// Prove the token works against both calendars before declaring success.
	mainCal, filteredCal, err := NewCalendarFactory(ctx, a.config, a.store).Calendars()
	if err != nil {
		return err
	}
	for _, check := range []struct {
		name string
		p    CalendarProvider
		id   string
	}{{"main", mainCal, a.config.Main.ID}, {"filtered", filteredCal, a.config.Filtered.ID}} {
		if _, _, err := check.p.ListEvents(ctx, check.id, ""); err != nil {
			return fmt.Errorf("❌ Error retrieving %s calendar %s: %w", check.name, check.id, err)
		}
	}
	fmt.Printf("✅ Account %s authorized\n", account)
	return nil
}

func newShowConfigCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show-config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(opts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(config.redacted())
		},
	}
}
