// Package deliverable defines the shape of an extracted deliverable: the raw
// object a model emits, the canonical record handed to callers, the closed
// team enumeration and the date-only due date.
package deliverable

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Team is the internal team responsible for a deliverable.
type Team string

const (
	TeamEvents    Team = "EVENTS"
	TeamMarketing Team = "MARKETING"
	TeamNone      Team = "NONE"
)

// Teams lists every legal Team in declaration order.
func Teams() []Team {
	return []Team{TeamEvents, TeamMarketing, TeamNone}
}

// ParseTeam maps s onto the closed enumeration. Matching is exact; nothing
// outside the three tags is coerced.
func ParseTeam(s string) (Team, error) {
	switch Team(s) {
	case TeamEvents:
		return TeamEvents, nil
	case TeamMarketing:
		return TeamMarketing, nil
	case TeamNone:
		return TeamNone, nil
	default:
		return "", fmt.Errorf("%w: %q is not one of %s", ErrInvalidTeam, s, teamList())
	}
}

func (t Team) String() string { return string(t) }

func (t *Team) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTeam(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func teamList() string {
	names := make([]string, 0, 3)
	for _, t := range Teams() {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}

// Raw is one object as emitted by the generative service, before any
// validation. AssignedTeam is kept as a plain string so out-of-set values
// reach the normalizer intact.
type Raw struct {
	Name         string  `json:"name" jsonschema_description:"A short, descriptive name for the deliverable, e.g., 'Branded Booth'."`
	Description  string  `json:"description" jsonschema_description:"The full description of the deliverable from the contract."`
	AssignedTeam string  `json:"assigned_team" jsonschema:"enum=EVENTS,enum=MARKETING,enum=NONE" jsonschema_description:"The internal team responsible. Must be one of the enum values; NONE when unclear."`
	DueDate      *string `json:"due_date,omitempty" jsonschema:"oneof_type=string;null" jsonschema_description:"The due date for the deliverable. Format as YYYY-MM-DD. Can be null if not mentioned."`
}

// Record is a validated, canonical deliverable.
type Record struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Team        Team   `json:"team"`
	DueDate     *Date  `json:"due_date"`
}

// BatchRecord is the flat projection used by batch output, where an absent
// due date is rendered as a marker string instead of null.
type BatchRecord struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Team        string `json:"team"`
	DueDate     string `json:"due_date"`
}

// DefaultAbsentDate is the batch marker for a record without a due date.
const DefaultAbsentDate = "N/A"

// Batch projects records for batch output using absent for missing dates.
func Batch(records []Record, absent string) []BatchRecord {
	out := make([]BatchRecord, 0, len(records))
	for _, r := range records {
		due := absent
		if r.DueDate != nil {
			due = r.DueDate.String()
		}
		out = append(out, BatchRecord{
			Name:        r.Name,
			Description: r.Description,
			Team:        string(r.Team),
			DueDate:     due,
		})
	}
	return out
}
