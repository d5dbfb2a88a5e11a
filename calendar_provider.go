package main

import (
	"context"
	"time"
)

const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

// CalendarProvider is the gateway to a remote calendar. Each call is a single
// logical attempt; callers retry on their next trigger.
type CalendarProvider interface {
	// ListEvents fetches every page starting from cursor (empty means a full
	// load) and returns the sync token issued after the last page, if any.
	ListEvents(ctx context.Context, calendarID string, cursor string) ([]*Event, string, error)
	InsertEvent(ctx context.Context, calendarID string, event *Event) (*Event, error)
	UpdateEvent(ctx context.Context, calendarID string, eventID string, event *Event) (*Event, error)
	DeleteEvent(ctx context.Context, calendarID string, eventID string) error
	Watch(ctx context.Context, calendarID string, channel *Channel) (*Subscription, error)
	Stop(ctx context.Context, sub *Subscription) error
}

type EventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Time parses the timed or all-day value.
func (t EventTime) Time() (time.Time, error) {
	if t.DateTime != "" {
		return time.Parse(time.RFC3339, t.DateTime)
	}
	return time.Parse(time.DateOnly, t.Date)
}

type Event struct {
	ID          string            `json:"id"`
	Status      string            `json:"status,omitempty"`
	Summary     string            `json:"summary"`
	Start       EventTime         `json:"start"`
	End         EventTime         `json:"end"`
	Location    string            `json:"location,omitempty"`
	Description string            `json:"description,omitempty"`
	ColorID     string            `json:"colorId,omitempty"`
	Shared      map[string]string `json:"shared,omitempty"`
}

// SharedProperty returns a shared extended property, or "" if unset.
func (e *Event) SharedProperty(key string) string {
	if e == nil || e.Shared == nil {
		return ""
	}
	return e.Shared[key]
}

func (e *Event) setSharedProperty(key, value string) {
	if e.Shared == nil {
		e.Shared = make(map[string]string)
	}
	e.Shared[key] = value
}

// clone copies the event, shared properties included.
func (e *Event) clone() *Event {
	c := *e
	if e.Shared != nil {
		c.Shared = make(map[string]string, len(e.Shared))
		for k, v := range e.Shared {
			c.Shared[k] = v
		}
	}
	return &c
}

// Channel describes a push-notification channel to register.
type Channel struct {
	ID      string
	Address string
	Token   string
	TTL     time.Duration
}

type Subscription struct {
	ChannelID  string    `json:"channel_id" db:"channel_id"`
	ResourceID string    `json:"resource_id" db:"resource_id"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
}
