package post

import (
	"fmt"
	"strings"
	"time"
)

// LocationColumn names one of the jsonb location columns.
type LocationColumn string

const (
	StartPoint  LocationColumn = "start_point"
	Destination LocationColumn = "destination"
	MeetPoint   LocationColumn = "meet_point"
)

// Sub-fields of a Location document that searches look at.
const (
	FieldName    = "Name"
	FieldAddress = "Address"
)

// SearchWindow is how far past the requested time a departure still matches.
const SearchWindow = 5 * time.Hour

// Clause is a single typed predicate over posts.
type Clause interface {
	// SQL renders the predicate. bind registers an argument and returns its placeholder.
	SQL(bind func(v any) string) string
	// Match evaluates the predicate against an in-memory post.
	Match(p DriverPost) bool
}

// Filter is a conjunction of clauses. The zero Filter matches everything.
type Filter struct {
	clauses []Clause
}

func Where(cs ...Clause) Filter {
	return Filter{}.And(cs...)
}

func (f Filter) And(cs ...Clause) Filter {
	out := Filter{clauses: make([]Clause, 0, len(f.clauses)+len(cs))}
	out.clauses = append(out.clauses, f.clauses...)
	out.clauses = append(out.clauses, cs...)
	return out
}

func (f Filter) Match(p DriverPost) bool {
	for _, c := range f.clauses {
		if !c.Match(p) {
			return false
		}
	}
	return true
}

// SQL renders the filter as a WHERE clause whose placeholders start after
// the arguments already in args. It returns "" for an empty filter.
func (f Filter) SQL(args []any) (string, []any) {
	if len(f.clauses) == 0 {
		return "", args
	}
	bind := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	parts := make([]string, 0, len(f.clauses))
	for _, c := range f.clauses {
		parts = append(parts, c.SQL(bind))
	}
	return "WHERE " + strings.Join(parts, " AND "), args
}

type statusClause struct {
	statuses []Status
}

// StatusIn matches posts in any of the given statuses.
func StatusIn(statuses ...Status) Clause {
	return statusClause{statuses: statuses}
}

func (c statusClause) SQL(bind func(any) string) string {
	if len(c.statuses) == 0 {
		return "FALSE"
	}
	ph := make([]string, 0, len(c.statuses))
	for _, s := range c.statuses {
		ph = append(ph, bind(string(s)))
	}
	return "status IN (" + strings.Join(ph, ", ") + ")"
}

func (c statusClause) Match(p DriverPost) bool {
	for _, s := range c.statuses {
		if p.Status == s {
			return true
		}
	}
	return false
}

type driverClause struct {
	driverID string
}

func DriverIs(driverID string) Clause {
	return driverClause{driverID: driverID}
}

func (c driverClause) SQL(bind func(any) string) string {
	return "driver_id = " + bind(c.driverID)
}

func (c driverClause) Match(p DriverPost) bool {
	return p.DriverID == c.driverID
}

type userClause struct {
	userID string
}

// UserIs matches posts where the user is either the driver or the matched rider.
func UserIs(userID string) Clause {
	return userClause{userID: userID}
}

func (c userClause) SQL(bind func(any) string) string {
	ph := bind(c.userID)
	return "(driver_id = " + ph + " OR client_id = " + ph + ")"
}

func (c userClause) Match(p DriverPost) bool {
	return p.DriverID == c.userID || p.ClientID == c.userID
}

type locationClause struct {
	column  LocationColumn
	fields  []string
	value   string
	partial bool
}

// LocationMatches compares value case-insensitively against the given
// sub-fields of a location column. Any field matching is enough. With partial
// set the value only has to occur somewhere in the field.
func LocationMatches(column LocationColumn, value string, partial bool, fields ...string) Clause {
	if len(fields) == 0 {
		fields = []string{FieldName, FieldAddress}
	}
	return locationClause{column: column, fields: fields, value: value, partial: partial}
}

func (c locationClause) SQL(bind func(any) string) string {
	var ph string
	if c.partial {
		ph = bind("%" + escapeLike(c.value) + "%")
	} else {
		ph = bind(c.value)
	}
	parts := make([]string, 0, len(c.fields))
	for _, f := range c.fields {
		field := fmt.Sprintf("%s->>'%s'", c.column, f)
		if c.partial {
			parts = append(parts, field+" ILIKE "+ph)
		} else {
			parts = append(parts, "lower("+field+") = lower("+ph+")")
		}
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func (c locationClause) Match(p DriverPost) bool {
	loc := p.location(c.column)
	want := strings.ToLower(c.value)
	for _, f := range c.fields {
		var got string
		switch f {
		case FieldName:
			got = loc.Name
		case FieldAddress:
			got = loc.Address
		}
		got = strings.ToLower(got)
		if c.partial && strings.Contains(got, want) {
			return true
		}
		if !c.partial && got == want {
			return true
		}
	}
	return false
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

type departureClause struct {
	from, to time.Time
}

// DepartureBetween matches departures in [from, to], both ends inclusive.
func DepartureBetween(from, to time.Time) Clause {
	return departureClause{from: from, to: to}
}

func (c departureClause) SQL(bind func(any) string) string {
	return "departure_time BETWEEN " + bind(c.from) + " AND " + bind(c.to)
}

func (c departureClause) Match(p DriverPost) bool {
	return !p.DepartureTime.Before(c.from) && !p.DepartureTime.After(c.to)
}

// SearchQuery is a rider-facing search. Empty strings and a nil Time mean "not given".
type SearchQuery struct {
	StartPoint string
	EndPoint   string
	Time       *time.Time
	Partial    bool
}

// Filter turns the query into predicates. Only open posts are eligible.
func (q SearchQuery) Filter() (Filter, error) {
	if q.StartPoint == "" && q.EndPoint == "" && q.Time == nil {
		return Filter{}, fmt.Errorf("%w: at least one of start_point, end_point or time is required", ErrInvalidArgument)
	}
	f := Where(StatusIn(StatusOpen))
	if q.StartPoint != "" {
		f = f.And(LocationMatches(StartPoint, q.StartPoint, q.Partial))
	}
	if q.EndPoint != "" {
		f = f.And(LocationMatches(Destination, q.EndPoint, q.Partial))
	}
	if q.Time != nil {
		f = f.And(DepartureBetween(*q.Time, q.Time.Add(SearchWindow)))
	}
	return f, nil
}

// Page bounds a listing. A zero Limit means no limit.
type Page struct {
	Limit  int
	Offset int
}

func (pg Page) apply(posts []DriverPost) []DriverPost {
	if pg.Offset > 0 {
		if pg.Offset >= len(posts) {
			return []DriverPost{}
		}
		posts = posts[pg.Offset:]
	}
	if pg.Limit > 0 && pg.Limit < len(posts) {
		posts = posts[:pg.Limit]
	}
	return posts
}

func destinationNameFilter(name string, partial bool) (Filter, error) {
	if strings.TrimSpace(name) == "" {
		return Filter{}, fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	return Where(StatusIn(StatusOpen), LocationMatches(Destination, name, partial, FieldName)), nil
}
