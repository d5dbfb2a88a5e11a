package main

import (
	"context"
	"fmt"
)

// CalendarFactory builds the providers for the main and filtered calendars,
// sharing one Google client and one connection per CalDAV server.
type CalendarFactory struct {
	config    *Config
	store     *Store
	ctx       context.Context
	providers map[string]CalendarProvider
}

func NewCalendarFactory(ctx context.Context, config *Config, store *Store) *CalendarFactory {
	return &CalendarFactory{
		config:    config,
		store:     store,
		ctx:       ctx,
		providers: make(map[string]CalendarProvider),
	}
}

// Calendars returns the main and filtered providers.
func (cf *CalendarFactory) Calendars() (main, filtered CalendarProvider, err error) {
	main, err = cf.Provider(cf.config.Main)
	if err != nil {
		return nil, nil, fmt.Errorf("main calendar: %w", err)
	}
	filtered, err = cf.Provider(cf.config.Filtered)
	if err != nil {
		return nil, nil, fmt.Errorf("filtered calendar: %w", err)
	}
	return main, filtered, nil
}

func (cf *CalendarFactory) Provider(cal CalendarConfig) (CalendarProvider, error) {
	key := cal.Provider
	if cal.Provider == providerCalDAV {
		key = providerCalDAV + "-" + cal.Server
	}
	if p, ok := cf.providers[key]; ok {
		return p, nil
	}

	var (
		p   CalendarProvider
		err error
	)
	switch cal.Provider {
	case providerGoogle:
		client, cerr := getClient(cf.ctx, cf.config, cf.store)
		if cerr != nil {
			return nil, cerr
		}
		p, err = NewGoogleCalendarProvider(cf.ctx, client)
		if err != nil {
			return nil, fmt.Errorf("error creating Google calendar provider: %w", err)
		}

	case providerCalDAV:
		server, ok := cf.config.CalDAVs[cal.Server]
		if !ok {
			return nil, fmt.Errorf("CalDAV server '%s' not found in configuration", cal.Server)
		}
		p, err = NewCalDAVProvider(cf.ctx, server.ServerURL, server.Username, server.Password)
		if err != nil {
			return nil, fmt.Errorf("error connecting to CalDAV server %s: %w", cal.Server, err)
		}

	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cal.Provider)
	}
	cf.providers[key] = p
	return p, nil
}
