package domain

import (
	"fmt"
	"strings"
)

// CustomFieldDescriptor is the catalog entry for one Redmine issue custom field.
type CustomFieldDescriptor struct {
	ID             int      `json:"id"`
	Name           string   `json:"name"`
	Required       bool     `json:"required"`
	Multiple       bool     `json:"multiple"`
	PossibleValues []string `json:"possible_values"`
	TrackerIDs     []int    `json:"tracker_ids"`
}

// AppliesTo reports whether the field is enabled for the tracker.
func (d CustomFieldDescriptor) AppliesTo(trackerID int) bool {
	for _, id := range d.TrackerIDs {
		if id == trackerID {
			return true
		}
	}
	return false
}

// MissingRequiredCustomFieldsError is returned before any write when a tracker's
// required custom fields have no value.
type MissingRequiredCustomFieldsError struct {
	TrackerID   int
	MissingIDs  []int
	MissingKeys []string
}

func (e *MissingRequiredCustomFieldsError) Error() string {
	ids := make([]string, 0, len(e.MissingIDs))
	for _, id := range e.MissingIDs {
		ids = append(ids, fmt.Sprintf("%d", id))
	}
	return fmt.Sprintf("Missing required custom fields for tracker %d (ids: %s; keys: %s)",
		e.TrackerID, strings.Join(ids, ", "), strings.Join(e.MissingKeys, ", "))
}
