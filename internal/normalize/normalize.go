// Package normalize turns raw model objects into canonical deliverable
// records.
package normalize

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"deliverline/internal/deliverable"
	"deliverline/internal/logging"
)

// Policy decides what happens to a record that fails validation.
type Policy string

const (
	// PolicyFail rejects the whole batch on the first invalid record.
	PolicyFail Policy = "fail"
	// PolicyDrop logs and skips invalid records.
	PolicyDrop Policy = "drop"
)

// ParsePolicy reads a policy name; empty means PolicyFail.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyFail:
		return PolicyFail, nil
	case PolicyDrop:
		return PolicyDrop, nil
	default:
		return "", fmt.Errorf("unknown normalize policy %q (want fail or drop)", s)
	}
}

// Normalizer validates and reshapes raw objects. The zero value uses
// PolicyFail.
type Normalizer struct {
	Policy Policy
	Logger *log.Logger
}

// Normalize converts raws in order. Output order matches input order and
// nothing is deduplicated.
func (n Normalizer) Normalize(raws []deliverable.Raw) ([]deliverable.Record, error) {
	out := make([]deliverable.Record, 0, len(raws))
	for i, raw := range raws {
		rec, err := n.record(i, raw)
		if err != nil {
			if n.Policy == PolicyDrop {
				logging.Or(n.Logger, "normalize").Warn("dropping record", "index", i, "name", raw.Name, "err", err)
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Record converts a single raw object.
func (n Normalizer) Record(raw deliverable.Raw) (deliverable.Record, error) {
	return n.record(-1, raw)
}

func (n Normalizer) record(idx int, raw deliverable.Raw) (deliverable.Record, error) {
	team, err := deliverable.ParseTeam(raw.AssignedTeam)
	if err != nil {
		return deliverable.Record{}, deliverable.Invalid(deliverable.ErrInvalidTeam, idx, "assigned_team", "%q is not EVENTS, MARKETING or NONE", raw.AssignedTeam)
	}
	name := strings.TrimSpace(raw.Name)
	if name == "" {
		return deliverable.Record{}, deliverable.Invalid(deliverable.ErrInvalidRecord, idx, "name", "empty")
	}
	desc := strings.TrimSpace(raw.Description)
	if desc == "" {
		return deliverable.Record{}, deliverable.Invalid(deliverable.ErrInvalidRecord, idx, "description", "empty")
	}
	due, err := dueDate(raw.DueDate)
	if err != nil {
		return deliverable.Record{}, deliverable.Invalid(deliverable.ErrInvalidRecord, idx, "due_date", "%v", err)
	}
	return deliverable.Record{
		Name:        name,
		Description: desc,
		Team:        team,
		DueDate:     due,
	}, nil
}

func dueDate(s *string) (*deliverable.Date, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	d, err := deliverable.ParseDate(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
