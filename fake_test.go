package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// fakeCalendar is an in-memory CalendarProvider holding any number of
// calendars.
type fakeCalendar struct {
	mu        sync.Mutex
	calendars map[string]map[string]*Event
	nextID    int
	token     int

	// With delta set, a list with a cursor returns only events changed
	// since that cursor was issued, deletions as cancelled entries.
	delta     bool
	changed   map[string]map[string]int
	cancelled map[string]map[string]int

	listErr     map[string]error
	expireToken bool
	failDelete  map[string]bool
	failUpdate  map[string]bool
	failInsert  map[string]bool // keyed by sourceid
	watchErr    error
	stopErr     error

	listCursors []string
	deleted     []string
	inserted    []string
	updated     []string
	watches     []*Channel
	stopped     []string
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{
		calendars:  make(map[string]map[string]*Event),
		listErr:    make(map[string]error),
		failDelete: make(map[string]bool),
		failUpdate: make(map[string]bool),
		failInsert: make(map[string]bool),
		changed:    make(map[string]map[string]int),
		cancelled:  make(map[string]map[string]int),
	}
}

// touch records a change to an event; callers hold f.mu.
func (f *fakeCalendar) touch(calendarID, id string, removed bool) {
	log, other := f.changed, f.cancelled
	if removed {
		log, other = f.cancelled, f.changed
	}
	delete(other[calendarID], id)
	if log[calendarID] == nil {
		log[calendarID] = make(map[string]int)
	}
	log[calendarID][id] = f.token
}

func cloneEvent(ev *Event) *Event {
	return ev.clone()
}

func (f *fakeCalendar) put(calendarID string, ev *Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calendars[calendarID] == nil {
		f.calendars[calendarID] = make(map[string]*Event)
	}
	f.calendars[calendarID][ev.ID] = cloneEvent(ev)
	f.touch(calendarID, ev.ID, false)
}

// cancel removes an event as another client would.
func (f *fakeCalendar) cancel(calendarID, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.calendars[calendarID], id)
	f.touch(calendarID, id, true)
}

func (f *fakeCalendar) get(calendarID, id string) *Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.calendars[calendarID][id]
	if !ok {
		return nil
	}
	return cloneEvent(ev)
}

func (f *fakeCalendar) all(calendarID string) []*Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Event
	for _, ev := range f.calendars[calendarID] {
		out = append(out, cloneEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeCalendar) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted) + len(f.inserted) + len(f.updated)
}

func (f *fakeCalendar) ListEvents(_ context.Context, calendarID string, cursor string) ([]*Event, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCursors = append(f.listCursors, cursor)
	if err := f.listErr[calendarID]; err != nil {
		return nil, "", err
	}
	if cursor != "" && f.expireToken {
		f.expireToken = false
		return nil, "", fmt.Errorf("%w: %w", ErrSyncTokenExpired,
			newUpstreamError("list", calendarID, http.StatusGone, fmt.Errorf("gone")))
	}
	var since int
	partial := false
	if f.delta && cursor != "" {
		if _, err := fmt.Sscanf(cursor, "token-%d", &since); err != nil {
			return nil, "", newUpstreamError("list", calendarID, http.StatusBadRequest, err)
		}
		partial = true
	}
	var out []*Event
	for id, ev := range f.calendars[calendarID] {
		if partial && f.changed[calendarID][id] < since {
			continue
		}
		out = append(out, cloneEvent(ev))
	}
	if partial {
		for id, seq := range f.cancelled[calendarID] {
			if seq >= since {
				out = append(out, &Event{ID: id, Status: StatusCancelled})
			}
		}
	}
	f.token++
	return out, fmt.Sprintf("token-%d", f.token), nil
}

func (f *fakeCalendar) InsertEvent(_ context.Context, calendarID string, event *Event) (*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert[event.SharedProperty(propSourceID)] {
		return nil, newUpstreamError("insert", calendarID, http.StatusInternalServerError, fmt.Errorf("boom"))
	}
	f.nextID++
	created := cloneEvent(event)
	created.ID = fmt.Sprintf("new%03d", f.nextID)
	if created.Status == "" {
		created.Status = StatusConfirmed
	}
	if f.calendars[calendarID] == nil {
		f.calendars[calendarID] = make(map[string]*Event)
	}
	f.calendars[calendarID][created.ID] = cloneEvent(created)
	f.touch(calendarID, created.ID, false)
	f.inserted = append(f.inserted, created.ID)
	return created, nil
}

func (f *fakeCalendar) UpdateEvent(_ context.Context, calendarID string, eventID string, event *Event) (*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate[eventID] {
		return nil, newUpstreamError("update", calendarID, http.StatusInternalServerError, fmt.Errorf("boom"))
	}
	existing, ok := f.calendars[calendarID][eventID]
	if !ok {
		return nil, newUpstreamError("update", calendarID, http.StatusNotFound, fmt.Errorf("no such event"))
	}
	updated := cloneEvent(event)
	updated.ID = eventID
	updated.Status = existing.Status
	f.calendars[calendarID][eventID] = cloneEvent(updated)
	f.touch(calendarID, eventID, false)
	f.updated = append(f.updated, eventID)
	return updated, nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, calendarID string, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete[eventID] {
		return newUpstreamError("delete", calendarID, http.StatusInternalServerError, fmt.Errorf("boom"))
	}
	if _, ok := f.calendars[calendarID][eventID]; !ok {
		return newUpstreamError("delete", calendarID, http.StatusNotFound, fmt.Errorf("no such event"))
	}
	delete(f.calendars[calendarID], eventID)
	f.touch(calendarID, eventID, true)
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeCalendar) Watch(_ context.Context, calendarID string, channel *Channel) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	c := *channel
	f.watches = append(f.watches, &c)
	return &Subscription{ChannelID: channel.ID, ResourceID: "res-" + channel.ID}, nil
}

func (f *fakeCalendar) Stop(_ context.Context, sub *Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, sub.ChannelID)
	return nil
}

// memStore is an in-memory StateStore.
type memStore struct {
	mu     sync.Mutex
	tokens map[string]string
	subs   map[string]*Subscription
}

func newMemStore() *memStore {
	return &memStore{tokens: make(map[string]string), subs: make(map[string]*Subscription)}
}

func (m *memStore) SyncToken(_ context.Context, calendarID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[calendarID], nil
}

func (m *memStore) SaveSyncToken(_ context.Context, calendarID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[calendarID] = token
	return nil
}

func (m *memStore) ClearSyncTokens(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = make(map[string]string)
	return nil
}

func (m *memStore) ActiveSubscriptions(_ context.Context) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, s := range m.subs {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

func (m *memStore) SaveSubscription(_ context.Context, _ string, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *sub
	m.subs[sub.ChannelID] = &c
	return nil
}

func (m *memStore) ClearSubscription(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, channelID)
	return nil
}

const (
	testMain     = "main@example.com"
	testFiltered = "filtered@example.com"
)

func screening(id, title, location, description string) *Event {
	return &Event{
		ID:          id,
		Status:      StatusConfirmed,
		Summary:     title,
		Location:    location,
		Description: description,
		Start:       EventTime{DateTime: "2026-02-26T21:00:00Z"},
		End:         EventTime{DateTime: "2026-02-26T22:16:00Z"},
	}
}

func mirrorOf(id, sourceID string) *Event {
	ev := &Event{
		ID:      id,
		Status:  StatusConfirmed,
		Summary: "stale",
		Start:   EventTime{DateTime: "2026-01-01T10:00:00Z"},
		End:     EventTime{DateTime: "2026-01-01T11:00:00Z"},
	}
	if sourceID != "" {
		ev.setSharedProperty(propSourceID, sourceID)
	}
	return ev
}

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time { return c.t }

func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }
