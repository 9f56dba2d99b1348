// Package post holds driver ride offers and the stores that persist them.
package post

import (
	"database/sql/driver"
	"fmt"
	"maps"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type Status string

const (
	StatusOpen    Status = "open"
	StatusMatched Status = "matched"
	StatusClosed  Status = "closed"
)

// UnassignedClient is stored in client_id until a rider claims the post.
const UnassignedClient = "unknown"

var statusRank = map[Status]int{
	StatusOpen:    0,
	StatusMatched: 1,
	StatusClosed:  2,
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanMoveTo reports whether a post in status s may be written with status next.
// Status only moves forward: open, matched, closed.
func (s Status) CanMoveTo(next Status) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	return ok && to >= from
}

// sourcesOf returns every status that may move to target.
func sourcesOf(target Status) []Status {
	var out []Status
	for _, s := range []Status{StatusOpen, StatusMatched, StatusClosed} {
		if s.CanMoveTo(target) {
			out = append(out, s)
		}
	}
	return out
}

// Location is a named place. It is stored as a jsonb document.
type Location struct {
	Name      string   `json:"Name"`
	Address   string   `json:"Address"`
	Latitude  *float64 `json:"Latitude,omitempty"`
	Longitude *float64 `json:"Longitude,omitempty"`
}

func (l Location) Value() (driver.Value, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *Location) Scan(src any) error {
	return scanJSON(src, l)
}

// Contact maps a channel (phone, line, email...) to a handle.
type Contact map[string]string

func (c Contact) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *Contact) Scan(src any) error {
	return scanJSON(src, c)
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	}
	return fmt.Errorf("unsupported jsonb source %T", src)
}

// DriverPost is a ride offer published by a driver.
type DriverPost struct {
	ID            string    `db:"id" json:"id"`
	DriverID      string    `db:"driver_id" json:"driver_id"`
	ClientID      string    `db:"client_id" json:"client_id"`
	VehicleInfo   *string   `db:"vehicle_info" json:"vehicle_info,omitempty"`
	Status        Status    `db:"status" json:"status"`
	StartPoint    Location  `db:"start_point" json:"start_point"`
	Destination   Location  `db:"destination" json:"destination"`
	MeetPoint     Location  `db:"meet_point" json:"meet_point"`
	DepartureTime time.Time `db:"departure_time" json:"departure_time"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	Notes         *string   `db:"notes" json:"notes,omitempty"`
	Description   *string   `db:"description" json:"description,omitempty"`
	Helmet        bool      `db:"helmet" json:"helmet"`
	Leave         bool      `db:"leave" json:"leave"`
	Contact       Contact   `db:"contact" json:"contact"`
	ImageURL      *string   `db:"image_url" json:"image_url,omitempty"`
}

// prepare fills server-side defaults and validates a post before insert.
func (p *DriverPost) prepare() error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.ClientID == "" {
		p.ClientID = UnassignedClient
	}
	if p.Status == "" {
		p.Status = StatusOpen
	}
	if p.Contact == nil {
		p.Contact = Contact{}
	}
	switch {
	case p.DriverID == "":
		return fmt.Errorf("%w: driver_id is required", ErrInvalidArgument)
	case p.DepartureTime.IsZero():
		return fmt.Errorf("%w: departure_time is required", ErrInvalidArgument)
	case !p.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, p.Status)
	}
	return nil
}

func (p DriverPost) location(col LocationColumn) Location {
	switch col {
	case StartPoint:
		return p.StartPoint
	case Destination:
		return p.Destination
	default:
		return p.MeetPoint
	}
}

func (p DriverPost) clone() DriverPost {
	out := p
	out.VehicleInfo = cloneString(p.VehicleInfo)
	out.Notes = cloneString(p.Notes)
	out.Description = cloneString(p.Description)
	out.ImageURL = cloneString(p.ImageURL)
	out.StartPoint = p.StartPoint.clone()
	out.Destination = p.Destination.clone()
	out.MeetPoint = p.MeetPoint.clone()
	out.Contact = maps.Clone(p.Contact)
	return out
}

func (l Location) clone() Location {
	out := l
	if l.Latitude != nil {
		v := *l.Latitude
		out.Latitude = &v
	}
	if l.Longitude != nil {
		v := *l.Longitude
		out.Longitude = &v
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Nullable names a column that a Patch can reset to null.
type Nullable string

const (
	NullVehicleInfo Nullable = "vehicle_info"
	NullNotes       Nullable = "notes"
	NullDescription Nullable = "description"
	NullImageURL    Nullable = "image_url"
)

// Patch is a partial update. Nil fields are left untouched; columns listed
// in Clear are set to null.
type Patch struct {
	ClientID      *string
	VehicleInfo   *string
	Status        *Status
	StartPoint    *Location
	Destination   *Location
	MeetPoint     *Location
	DepartureTime *time.Time
	Notes         *string
	Description   *string
	Helmet        *bool
	Leave         *bool
	Contact       Contact
	ImageURL      *string
	Clear         []Nullable
}

// value returns the field a Nullable clears, for conflict checks.
func (pt Patch) value(n Nullable) (*string, bool) {
	switch n {
	case NullVehicleInfo:
		return pt.VehicleInfo, true
	case NullNotes:
		return pt.Notes, true
	case NullDescription:
		return pt.Description, true
	case NullImageURL:
		return pt.ImageURL, true
	}
	return nil, false
}

type assignment struct {
	column string
	value  any
}

// assignments lists the columns a patch writes, in a stable order.
func (pt Patch) assignments() []assignment {
	var out []assignment
	add := func(col string, v any) { out = append(out, assignment{col, v}) }
	if pt.ClientID != nil {
		add("client_id", *pt.ClientID)
	}
	if pt.VehicleInfo != nil {
		add("vehicle_info", *pt.VehicleInfo)
	}
	if pt.Status != nil {
		add("status", string(*pt.Status))
	}
	if pt.StartPoint != nil {
		add("start_point", *pt.StartPoint)
	}
	if pt.Destination != nil {
		add("destination", *pt.Destination)
	}
	if pt.MeetPoint != nil {
		add("meet_point", *pt.MeetPoint)
	}
	if pt.DepartureTime != nil {
		add("departure_time", *pt.DepartureTime)
	}
	if pt.Notes != nil {
		add("notes", *pt.Notes)
	}
	if pt.Description != nil {
		add("description", *pt.Description)
	}
	if pt.Helmet != nil {
		add("helmet", *pt.Helmet)
	}
	if pt.Leave != nil {
		add("leave", *pt.Leave)
	}
	if pt.Contact != nil {
		add("contact", pt.Contact)
	}
	if pt.ImageURL != nil {
		add("image_url", *pt.ImageURL)
	}
	for _, n := range pt.Clear {
		add(string(n), nil)
	}
	return out
}

func (pt Patch) Empty() bool {
	return len(pt.assignments()) == 0
}

func (pt Patch) validate() error {
	if pt.Status != nil && !pt.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, *pt.Status)
	}
	if pt.DepartureTime != nil && pt.DepartureTime.IsZero() {
		return fmt.Errorf("%w: departure_time cannot be cleared", ErrInvalidArgument)
	}
	seen := make(map[Nullable]bool, len(pt.Clear))
	for _, n := range pt.Clear {
		v, ok := pt.value(n)
		if !ok {
			return fmt.Errorf("%w: %s cannot be cleared", ErrInvalidArgument, n)
		}
		if v != nil || seen[n] {
			return fmt.Errorf("%w: %s is set more than once", ErrInvalidArgument, n)
		}
		seen[n] = true
	}
	return nil
}

// apply writes the patch onto p. The caller checks status transitions.
func (pt Patch) apply(p *DriverPost) {
	if pt.ClientID != nil {
		p.ClientID = *pt.ClientID
	}
	if pt.VehicleInfo != nil {
		p.VehicleInfo = cloneString(pt.VehicleInfo)
	}
	if pt.Status != nil {
		p.Status = *pt.Status
	}
	if pt.StartPoint != nil {
		p.StartPoint = pt.StartPoint.clone()
	}
	if pt.Destination != nil {
		p.Destination = pt.Destination.clone()
	}
	if pt.MeetPoint != nil {
		p.MeetPoint = pt.MeetPoint.clone()
	}
	if pt.DepartureTime != nil {
		p.DepartureTime = *pt.DepartureTime
	}
	if pt.Notes != nil {
		p.Notes = cloneString(pt.Notes)
	}
	if pt.Description != nil {
		p.Description = cloneString(pt.Description)
	}
	if pt.Helmet != nil {
		p.Helmet = *pt.Helmet
	}
	if pt.Leave != nil {
		p.Leave = *pt.Leave
	}
	if pt.Contact != nil {
		p.Contact = maps.Clone(pt.Contact)
	}
	if pt.ImageURL != nil {
		p.ImageURL = cloneString(pt.ImageURL)
	}
	for _, n := range pt.Clear {
		switch n {
		case NullVehicleInfo:
			p.VehicleInfo = nil
		case NullNotes:
			p.Notes = nil
		case NullDescription:
			p.Description = nil
		case NullImageURL:
			p.ImageURL = nil
		}
	}
}
