// Package patient defines the record types held by the store: full patient
// records with their embedded visit history, and the summary projection used
// for listing and search.
package patient

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire format for calendar dates (birth and visit dates).
const DateLayout = "2006-01-02"

// Visit is one consultation embedded in a Record.
type Visit struct {
	ID    string            `json:"id"`
	Date  string            `json:"date"`            // YYYY-MM-DD
	Notes map[string]string `json:"notes,omitempty"` // category -> free text
}

// Record is a full patient profile.
type Record struct {
	ID          string    `json:"id"`
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	DateOfBirth string    `json:"dateOfBirth,omitempty"` // YYYY-MM-DD
	Age         int       `json:"age"`
	Residence   string    `json:"residence,omitempty"`
	Gender      string    `json:"gender,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Visits      []Visit   `json:"visits"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Input carries the caller-supplied fields of a new record.
type Input struct {
	FirstName   string  `json:"firstName"`
	LastName    string  `json:"lastName"`
	DateOfBirth string  `json:"dateOfBirth,omitempty"`
	Age         *int    `json:"age,omitempty"` // used only when DateOfBirth is empty
	Residence   string  `json:"residence,omitempty"`
	Gender      string  `json:"gender,omitempty"`
	Phone       string  `json:"phone,omitempty"`
	Visits      []Visit `json:"visits,omitempty"`
}

// Patch is a partial update. Nil fields are left unchanged; a non-nil Visits
// replaces the whole visit list.
type Patch struct {
	FirstName   *string  `json:"firstName,omitempty"`
	LastName    *string  `json:"lastName,omitempty"`
	DateOfBirth *string  `json:"dateOfBirth,omitempty"`
	Age         *int     `json:"age,omitempty"`
	Residence   *string  `json:"residence,omitempty"`
	Gender      *string  `json:"gender,omitempty"`
	Phone       *string  `json:"phone,omitempty"`
	Visits      *[]Visit `json:"visits,omitempty"`
}

// SummaryEntry is the denormalized projection of a Record kept in the
// summary index.
type SummaryEntry struct {
	ID            string    `json:"id"`
	FirstName     string    `json:"firstName"`
	LastName      string    `json:"lastName"`
	FullName      string    `json:"fullName"`
	Age           int       `json:"age"`
	Gender        string    `json:"gender,omitempty"`
	Residence     string    `json:"residence,omitempty"`
	LastVisitDate string    `json:"lastVisitDate,omitempty"`
	VisitCount    int       `json:"visitCount"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// New builds a record from input with a fresh ID. The result is normalized
// but not validated.
func New(in Input, now time.Time) *Record {
	r := &Record{
		ID:          uuid.NewString(),
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		DateOfBirth: in.DateOfBirth,
		Residence:   in.Residence,
		Gender:      in.Gender,
		Phone:       in.Phone,
		Visits:      append([]Visit(nil), in.Visits...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.Age != nil {
		r.Age = *in.Age
	}
	r.Normalize(now)
	return r
}

// Apply returns a copy of r with p applied and UpdatedAt moved to now.
// ID and CreatedAt never change.
func (r *Record) Apply(p Patch, now time.Time) *Record {
	out := r.Clone()
	if p.FirstName != nil {
		out.FirstName = *p.FirstName
	}
	if p.LastName != nil {
		out.LastName = *p.LastName
	}
	if p.DateOfBirth != nil {
		out.DateOfBirth = *p.DateOfBirth
	}
	if p.Age != nil {
		out.Age = *p.Age
	}
	if p.Residence != nil {
		out.Residence = *p.Residence
	}
	if p.Gender != nil {
		out.Gender = *p.Gender
	}
	if p.Phone != nil {
		out.Phone = *p.Phone
	}
	if p.Visits != nil {
		out.Visits = cloneVisits(*p.Visits)
	}
	out.Touch(now)
	out.Normalize(now)
	return out
}

// Touch moves UpdatedAt to now, never before CreatedAt.
func (r *Record) Touch(now time.Time) {
	if now.Before(r.CreatedAt) {
		now = r.CreatedAt
	}
	r.UpdatedAt = now
}

// Normalize trims text fields, lowercases gender, assigns missing visit IDs
// and derives Age from DateOfBirth when it parses.
func (r *Record) Normalize(now time.Time) {
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.DateOfBirth = strings.TrimSpace(r.DateOfBirth)
	r.Residence = strings.TrimSpace(r.Residence)
	r.Gender = strings.ToLower(strings.TrimSpace(r.Gender))
	r.Phone = strings.TrimSpace(r.Phone)
	if r.Visits == nil {
		r.Visits = []Visit{}
	}
	for i := range r.Visits {
		r.Visits[i].Date = strings.TrimSpace(r.Visits[i].Date)
		if r.Visits[i].ID == "" {
			r.Visits[i].ID = uuid.NewString()
		}
	}
	if r.DateOfBirth != "" {
		if age, err := AgeAt(r.DateOfBirth, now); err == nil {
			r.Age = age
		}
	}
	if r.UpdatedAt.Before(r.CreatedAt) {
		r.UpdatedAt = r.CreatedAt
	}
}

// FullName joins first and last name.
func (r *Record) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// LastVisitDate returns the latest visit date, or "" without visits.
func (r *Record) LastVisitDate() string {
	last := ""
	for _, v := range r.Visits {
		if v.Date > last {
			last = v.Date
		}
	}
	return last
}

// SortedVisits returns the visits ordered by date, newest first. Visits on
// the same date keep their insertion order.
func (r *Record) SortedVisits() []Visit {
	out := cloneVisits(r.Visits)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out
}

// Visit returns the visit with the given ID.
func (r *Record) Visit(id string) (Visit, bool) {
	for _, v := range r.Visits {
		if v.ID == id {
			return v, true
		}
	}
	return Visit{}, false
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Visits = cloneVisits(r.Visits)
	return &out
}

func cloneVisits(in []Visit) []Visit {
	out := make([]Visit, len(in))
	for i, v := range in {
		out[i] = v
		if v.Notes != nil {
			out[i].Notes = make(map[string]string, len(v.Notes))
			for k, n := range v.Notes {
				out[i].Notes[k] = n
			}
		}
	}
	return out
}

// AgeAt returns the age in whole years of someone born on dob at now.
func AgeAt(dob string, now time.Time) (int, error) {
	born, err := time.Parse(DateLayout, dob)
	if err != nil {
		return 0, err
	}
	y, m, d := now.Date()
	age := y - born.Year()
	if m < born.Month() || (m == born.Month() && d < born.Day()) {
		age--
	}
	return age, nil
}
