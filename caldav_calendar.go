package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

const (
	propSharedPrefix = "X-GFFSYNC-SHARED-"
	propColorID      = "X-GFFSYNC-COLORID"
	caldavProductID  = "-//gffsync//CalDAV mirror//EN"
)

// CalDAVProvider stores events on a CalDAV collection. CalDAV has no
// Google-style push channels or sync tokens, so every list is a full load.
type CalDAVProvider struct {
	client    *caldav.Client
	serverURL string
}

func NewCalDAVProvider(ctx context.Context, serverURL, username, password string) (*CalDAVProvider, error) {
	baseURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid CalDAV server URL: %w", err)
	}

	var httpClient webdav.HTTPClient = http.DefaultClient
	if username != "" && password != "" {
		httpClient = webdav.HTTPClientWithBasicAuth(httpClient, username, password)
	}

	c, err := caldav.NewClient(httpClient, baseURL.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create CalDAV client: %w", err)
	}

	if _, err := c.FindCalendars(ctx, ""); err != nil {
		return nil, fmt.Errorf("failed to connect to CalDAV server: %w", err)
	}

	return &CalDAVProvider{
		client:    c,
		serverURL: serverURL,
	}, nil
}

func (c *CalDAVProvider) ListEvents(ctx context.Context, calendarID string, _ string) ([]*Event, string, error) {
	calPath, err := calendarPath(calendarID)
	if err != nil {
		return nil, "", newUpstreamError("list", calendarID, http.StatusBadRequest, err)
	}

	query := &caldav.CalendarQuery{
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent}},
		},
	}
	objects, err := c.client.QueryCalendar(ctx, calPath, query)
	if err != nil {
		return nil, "", newUpstreamError("list", calendarID, httpStatus(err), err)
	}

	var result []*Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, comp := range obj.Data.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			result = append(result, eventFromComponent(comp))
		}
	}
	return result, "", nil
}

func (c *CalDAVProvider) InsertEvent(ctx context.Context, calendarID string, event *Event) (*Event, error) {
	created := *event
	created.ID = uuid.NewString()
	if err := c.put(ctx, "insert", calendarID, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateEvent patches the fields gffsync owns onto the stored object.
// Alarms, attendees and any other properties set by other clients are kept.
func (c *CalDAVProvider) UpdateEvent(ctx context.Context, calendarID string, eventID string, event *Event) (*Event, error) {
	calPath, err := calendarPath(calendarID)
	if err != nil {
		return nil, newUpstreamError("update", calendarID, http.StatusBadRequest, err)
	}
	path := objectPath(calPath, eventID)
	obj, err := c.client.GetCalendarObject(ctx, path)
	if err != nil {
		return nil, newUpstreamError("update", calendarID, httpStatus(err), err)
	}

	var vevent *ical.Component
	for _, child := range obj.Data.Children {
		if child.Name == ical.CompEvent {
			vevent = child
			break
		}
	}
	if vevent == nil {
		return nil, newUpstreamError("update", calendarID, http.StatusNotFound,
			fmt.Errorf("%s has no VEVENT", path))
	}
	if err := patchComponent(vevent, event); err != nil {
		return nil, &DataError{Source: "caldav", Item: eventID, Err: err}
	}

	if _, err := c.client.PutCalendarObject(ctx, path, obj.Data); err != nil {
		return nil, newUpstreamError("update", calendarID, httpStatus(err), err)
	}
	return eventFromComponent(vevent), nil
}

func (c *CalDAVProvider) DeleteEvent(ctx context.Context, calendarID string, eventID string) error {
	calPath, err := calendarPath(calendarID)
	if err != nil {
		return newUpstreamError("delete", calendarID, http.StatusBadRequest, err)
	}
	if err := c.client.Client.RemoveAll(ctx, objectPath(calPath, eventID)); err != nil {
		return newUpstreamError("delete", calendarID, httpStatus(err), err)
	}
	return nil
}

func (c *CalDAVProvider) Watch(_ context.Context, calendarID string, _ *Channel) (*Subscription, error) {
	return nil, newUpstreamError("watch", calendarID, http.StatusNotImplemented, ErrWatchUnsupported)
}

func (c *CalDAVProvider) Stop(_ context.Context, sub *Subscription) error {
	return newUpstreamError("stop", sub.ChannelID, http.StatusNotImplemented, ErrWatchUnsupported)
}

func (c *CalDAVProvider) put(ctx context.Context, op, calendarID string, event *Event) error {
	calPath, err := calendarPath(calendarID)
	if err != nil {
		return newUpstreamError(op, calendarID, http.StatusBadRequest, err)
	}
	comp, err := componentFromEvent(event)
	if err != nil {
		return &DataError{Source: "caldav", Item: event.ID, Err: err}
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, caldavProductID)
	cal.Children = append(cal.Children, comp)

	if _, err := c.client.PutCalendarObject(ctx, objectPath(calPath, event.ID), cal); err != nil {
		return newUpstreamError(op, calendarID, httpStatus(err), err)
	}
	return nil
}

func calendarPath(calendarID string) (string, error) {
	calURL, err := url.Parse(calendarID)
	if err != nil {
		return "", fmt.Errorf("invalid calendar URL: %w", err)
	}
	return strings.TrimRight(calURL.Path, "/"), nil
}

func objectPath(calPath, eventID string) string {
	return calPath + "/" + eventID + ".ics"
}

// httpStatus recovers the status code from a go-webdav client error.
// Its HTTPError type is internal to the module, so the code is read from
// the "<code> <status text>" segment the error message starts with or
// carries after a ": " separator.
func httpStatus(err error) int {
	for _, seg := range strings.Split(err.Error(), ": ") {
		if len(seg) < 3 {
			continue
		}
		code, convErr := strconv.Atoi(seg[:3])
		if convErr != nil {
			continue
		}
		text := http.StatusText(code)
		if text != "" && strings.HasPrefix(seg, strconv.Itoa(code)+" "+text) {
			return code
		}
	}
	return 0
}

func eventFromComponent(comp *ical.Component) *Event {
	ev := &Event{
		ID:          getTextProp(comp.Props, ical.PropUID),
		Summary:     getTextProp(comp.Props, ical.PropSummary),
		Location:    getTextProp(comp.Props, ical.PropLocation),
		Description: getTextProp(comp.Props, ical.PropDescription),
		ColorID:     getTextProp(comp.Props, propColorID),
		Status:      strings.ToLower(getTextProp(comp.Props, ical.PropStatus)),
	}
	if ev.Status == "" {
		ev.Status = StatusConfirmed
	}
	ev.Start = eventTimeFromProp(comp.Props, ical.PropDateTimeStart)
	ev.End = eventTimeFromProp(comp.Props, ical.PropDateTimeEnd)

	for name, props := range comp.Props {
		if !strings.HasPrefix(name, propSharedPrefix) || len(props) == 0 {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, propSharedPrefix))
		ev.setSharedProperty(key, props[0].Value)
	}
	return ev
}

func componentFromEvent(event *Event) (*ical.Component, error) {
	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, event.ID)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	vevent.Props.SetText(ical.PropSummary, event.Summary)
	if event.Location != "" {
		vevent.Props.SetText(ical.PropLocation, event.Location)
	}
	if event.Description != "" {
		vevent.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.ColorID != "" {
		vevent.Props.SetText(propColorID, event.ColorID)
	}
	status := event.Status
	if status == "" {
		status = StatusConfirmed
	}
	vevent.Props.SetText(ical.PropStatus, strings.ToUpper(status))

	if err := setEventTimeProp(vevent.Props, ical.PropDateTimeStart, event.Start); err != nil {
		return nil, err
	}
	if err := setEventTimeProp(vevent.Props, ical.PropDateTimeEnd, event.End); err != nil {
		return nil, err
	}
	for key, value := range event.Shared {
		vevent.Props.SetText(propSharedPrefix+strings.ToUpper(key), value)
	}
	return vevent.Component, nil
}

// patchComponent writes the event's fields onto an existing VEVENT with
// Events.Patch semantics: empty text fields leave the stored value alone.
func patchComponent(vevent *ical.Component, event *Event) error {
	if err := setEventTimeProp(vevent.Props, ical.PropDateTimeStart, event.Start); err != nil {
		return err
	}
	if event.End.DateTime != "" || event.End.Date != "" {
		vevent.Props.Del(ical.PropDuration)
		if err := setEventTimeProp(vevent.Props, ical.PropDateTimeEnd, event.End); err != nil {
			return err
		}
	}
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	vevent.Props.SetText(ical.PropSummary, event.Summary)
	if event.Location != "" {
		vevent.Props.SetText(ical.PropLocation, event.Location)
	}
	if event.Description != "" {
		vevent.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.ColorID != "" {
		vevent.Props.SetText(propColorID, event.ColorID)
	} else {
		vevent.Props.Del(propColorID)
	}
	if event.Status != "" {
		vevent.Props.SetText(ical.PropStatus, strings.ToUpper(event.Status))
	}

	for name := range vevent.Props {
		if strings.HasPrefix(name, propSharedPrefix) {
			vevent.Props.Del(name)
		}
	}
	for key, value := range event.Shared {
		vevent.Props.SetText(propSharedPrefix+strings.ToUpper(key), value)
	}
	return nil
}

func eventTimeFromProp(props ical.Props, name string) EventTime {
	prop := props.Get(name)
	if prop == nil {
		return EventTime{}
	}
	if prop.ValueType() == ical.ValueDate {
		t, err := prop.DateTime(time.UTC)
		if err != nil {
			return EventTime{}
		}
		return EventTime{Date: t.Format(time.DateOnly)}
	}
	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return EventTime{}
	}
	return EventTime{DateTime: t.UTC().Format(time.RFC3339)}
}

func setEventTimeProp(props ical.Props, name string, et EventTime) error {
	if et.DateTime == "" && et.Date == "" {
		return nil
	}
	t, err := et.Time()
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if et.DateTime == "" {
		props.SetDate(name, t)
		return nil
	}
	props.SetDateTime(name, t.UTC())
	return nil
}

func getTextProp(props ical.Props, name string) string {
	prop := props.Get(name)
	if prop == nil {
		return ""
	}
	return prop.Value
}
