package services

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/white/activity-engine/internal/models"
)

// Condition operators understood by condition steps
const (
	opEquals    = "eq"
	opNotEquals = "neq"
	opIn        = "in"
	opExists    = "exists"
)

// fieldValue resolves a condition field against an activity. Custom fields
// are addressed as "custom.<name>".
func fieldValue(a *models.Activity, field string) (any, bool) {
	var v string
	switch field {
	case "type":
		v = string(a.Type)
	case "subtype":
		v = a.Subtype
	case "channel":
		v = string(a.Channel)
	case "outcome":
		v = string(a.Outcome)
	case "status":
		v = string(a.Status)
	case "priority":
		v = string(a.Priority)
	case "direction":
		v = string(a.Direction)
	case "source":
		v = a.Metadata.Source
	case "campaign":
		v = a.Metadata.Campaign
	case "contactId":
		v = a.ContactID
	case "dealId":
		v = a.DealID
	case "leadId":
		v = a.LeadID
	case "subject":
		v = a.Subject
	default:
		if name, ok := strings.CutPrefix(field, "custom."); ok {
			cv, ok := a.CustomFields[name]
			return cv, ok
		}
		return nil, false
	}
	return v, v != ""
}

// matchConditions reports whether every condition holds for the activity.
// A list value matches when it contains the activity value; the "tag" key
// matches against the activity's tags.
func matchConditions(conditions map[string]any, a *models.Activity) bool {
	for key, want := range conditions {
		if key == "tag" || key == "tags" {
			if !matchTags(want, a) {
				return false
			}
			continue
		}

		got, ok := fieldValue(a, key)
		if !ok {
			return false
		}
		if list, isList := listValues(want); isList {
			if !containsValue(list, got) {
				return false
			}
			continue
		}
		if !equalValues(got, want) {
			return false
		}
	}
	return true
}

func matchTags(want any, a *models.Activity) bool {
	if list, ok := listValues(want); ok {
		for _, tag := range list {
			if a.HasTag(fmt.Sprint(tag)) {
				return true
			}
		}
		return false
	}
	return a.HasTag(fmt.Sprint(want))
}

// evaluateCondition runs a condition step's field/operator/value check
func evaluateCondition(config map[string]any, a *models.Activity) (bool, error) {
	field := models.ConfigString(config, "field")
	if field == "" {
		return false, errors.New("condition has no field")
	}
	op := models.ConfigString(config, "operator")
	if op == "" {
		op = opEquals
	}
	want := config["value"]

	if field == "tag" {
		switch op {
		case opEquals, opIn:
			return matchTags(want, a), nil
		case opNotEquals:
			return !matchTags(want, a), nil
		case opExists:
			return len(a.Tags) > 0, nil
		}
		return false, fmt.Errorf("unknown condition operator %q", op)
	}

	got, exists := fieldValue(a, field)
	switch op {
	case opExists:
		return exists, nil
	case opEquals:
		return exists && equalValues(got, want), nil
	case opNotEquals:
		return !exists || !equalValues(got, want), nil
	case opIn:
		list, ok := listValues(want)
		if !ok {
			return false, fmt.Errorf("operator %q needs a list value", op)
		}
		return exists && containsValue(list, got), nil
	}
	return false, fmt.Errorf("unknown condition operator %q", op)
}

// listValues unpacks any slice type, including BSON arrays read back from
// the store
func listValues(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if equalValues(v, item) {
			return true
		}
	}
	return false
}

func equalValues(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
