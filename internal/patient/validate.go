package patient

import (
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	storeerrors "github.com/clinicbase/clinicbase/internal/errors"
)

// Field limits.
const (
	MaxNameLength      = 50
	MaxResidenceLength = 100
	MaxNoteLength      = 5000
	MinAge             = 0
	MaxAge             = 150
	MaxIDLength        = 64
)

var validGenders = map[string]bool{
	"":       true,
	"male":   true,
	"female": true,
	"other":  true,
}

// Validate checks r against the field rules and returns a
// *storeerrors.ValidationError listing every problem, or nil.
// now bounds birth and visit dates.
func Validate(r *Record, now time.Time) error {
	verr := &storeerrors.ValidationError{}
	today := now.Format(DateLayout)

	// 1. Identity.
	checkID(verr, "id", r.ID)

	// 2. Names.
	checkName(verr, "firstName", r.FirstName)
	checkName(verr, "lastName", r.LastName)

	// 3. Residence.
	if n := utf8.RuneCountInString(r.Residence); n > MaxResidenceLength {
		verr.Add("residence", "must be at most %d characters, got %d", MaxResidenceLength, n)
	} else if !isPlaceText(r.Residence) {
		verr.Add("residence", "contains invalid characters")
	}

	// 4. Birth date and age.
	if r.DateOfBirth != "" {
		if _, err := time.Parse(DateLayout, r.DateOfBirth); err != nil {
			verr.Add("dateOfBirth", "must be a date in YYYY-MM-DD form")
		} else if r.DateOfBirth > today {
			verr.Add("dateOfBirth", "must not be in the future")
		}
	}
	if r.Age < MinAge || r.Age > MaxAge {
		verr.Add("age", "must be between %d and %d, got %d", MinAge, MaxAge, r.Age)
	}

	// 5. Gender.
	if !validGenders[r.Gender] {
		verr.Add("gender", "must be one of male, female, other")
	}

	// 6. Phone.
	if r.Phone != "" && !isPhone(r.Phone) {
		verr.Add("phone", "must contain 6 to 20 digits, spaces, +, - or parentheses")
	}

	// 7. Visits.
	seen := make(map[string]bool, len(r.Visits))
	for i, v := range r.Visits {
		field := "visits[" + strconv.Itoa(i) + "]"
		if checkID(verr, field+".id", v.ID) && seen[v.ID] {
			verr.Add(field+".id", "duplicate visit id %s", v.ID)
		}
		seen[v.ID] = true

		if _, err := time.Parse(DateLayout, v.Date); err != nil {
			verr.Add(field+".date", "must be a date in YYYY-MM-DD form")
		} else if v.Date > today {
			verr.Add(field+".date", "must not be in the future")
		}
		for cat, note := range v.Notes {
			if strings.TrimSpace(cat) == "" {
				verr.Add(field+".notes", "category must not be empty")
			}
			if utf8.RuneCountInString(note) > MaxNoteLength {
				verr.Add(field+".notes."+cat, "must be at most %d characters", MaxNoteLength)
			}
		}
	}

	// 8. Timestamps.
	if r.UpdatedAt.Before(r.CreatedAt) {
		verr.Add("updatedAt", "must not precede createdAt")
	}

	return verr.OrNil()
}

// checkID reports whether id is usable as a storage key and URL segment:
// ASCII letters, digits, '-' and '_'.
func checkID(verr *storeerrors.ValidationError, field, id string) bool {
	switch {
	case id == "":
		verr.Add(field, "is required")
		return false
	case len(id) > MaxIDLength:
		verr.Add(field, "must be at most %d characters", MaxIDLength)
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			verr.Add(field, "may only contain letters, digits, '-' and '_'")
			return false
		}
	}
	return true
}

func checkName(verr *storeerrors.ValidationError, field, name string) {
	n := utf8.RuneCountInString(name)
	switch {
	case n == 0:
		verr.Add(field, "is required")
	case n > MaxNameLength:
		verr.Add(field, "must be at most %d characters, got %d", MaxNameLength, n)
	default:
		for _, r := range name {
			if !unicode.IsLetter(r) && r != ' ' && r != '-' && r != '\'' && r != '.' {
				verr.Add(field, "may only contain letters, spaces, hyphens, apostrophes and periods")
				return
			}
		}
	}
}

func isPlaceText(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
			continue
		}
		if !strings.ContainsRune("-'.,#/()", r) {
			return false
		}
	}
	return true
}

func isPhone(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case strings.ContainsRune(" +-()", r):
		default:
			return false
		}
	}
	return digits >= 6 && digits <= 20
}
