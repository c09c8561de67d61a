package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Severity levels for contract changes.
const (
	SeverityBreaking = "BREAKING"
	SeverityWarning  = "WARNING"
	SeverityInfo     = "INFO"
)

// Change type names.
const (
	ChangeFieldRemoved        = "field_removed"
	ChangeObjectToPrimitive   = "object_to_primitive"
	ChangeArrayToNonArray     = "array_to_non_array"
	ChangeNonArrayToArray     = "non_array_to_array"
	ChangeTypeChanged         = "type_changed"
	ChangeNullToTyped         = "null_to_typed"
	ChangeNewField            = "new_field"
	ChangeFieldBecameNullable = "field_became_nullable"
)

// Change is one detected contract difference between two schema snapshots.
type Change struct {
	ChangeType  string   `json:"change_type"`
	Severity    string   `json:"severity"`
	Path        string   `json:"path"`
	OldTypes    []string `json:"old_types"`
	NewTypes    []string `json:"new_types"`
	OldNullable bool     `json:"old_nullable"`
	NewNullable bool     `json:"new_nullable"`
	Explanation string   `json:"explanation"`
}

// Compare walks two schema snapshots and emits a change event for every
// difference, classified by severity:
//
//	BREAKING — field_removed, object_to_primitive, array_to_non_array,
//	           non_array_to_array
//	WARNING  — type_changed (scalar type transitions)
//	INFO     — null_to_typed, new_field, field_became_nullable
//
// Shape rules (object/array) take precedence over scalar type rules. Paths
// use JSONPath-like notation: $.a.b[*].c.
func Compare(oldNode, newNode *Node) []Change {
	var changes []Change
	compareNodes(oldNode, newNode, "$", &changes)
	return changes
}

func compareNodes(oldNode, newNode *Node, path string, changes *[]Change) {
	if oldNode == nil || newNode == nil {
		return
	}
	oldMeta, newMeta := &oldNode.Meta, &newNode.Meta
	oldPrimary, newPrimary := oldMeta.PrimaryType(), newMeta.PrimaryType()

	switch {
	case oldPrimary != "" && newPrimary != "" && oldPrimary != newPrimary:
		classifyTypeChange(oldMeta, newMeta, oldPrimary, newPrimary, path, changes)

	case oldPrimary != "" && newPrimary == "" && newMeta.Nullable && !oldMeta.Nullable:
		// Was a typed field, this observation returned only null.
		*changes = append(*changes, Change{
			ChangeType:  ChangeFieldBecameNullable,
			Severity:    SeverityInfo,
			Path:        path,
			OldTypes:    oldMeta.TypesSeen,
			NewTypes:    newMeta.TypesSeen,
			OldNullable: oldMeta.Nullable,
			NewNullable: true,
			Explanation: fmt.Sprintf("field %s was always %s but now returned null; consumers should add null-checks", path, oldPrimary),
		})
	}

	if !oldMeta.Nullable && newMeta.Nullable && newPrimary != "" {
		*changes = append(*changes, Change{
			ChangeType:  ChangeFieldBecameNullable,
			Severity:    SeverityInfo,
			Path:        path,
			OldTypes:    oldMeta.TypesSeen,
			NewTypes:    newMeta.TypesSeen,
			OldNullable: false,
			NewNullable: true,
			Explanation: fmt.Sprintf("field %s was never null before but now returns null", path),
		})
	}

	if oldPrimary == "" && oldMeta.Nullable && newPrimary != "" {
		*changes = append(*changes, Change{
			ChangeType:  ChangeNullToTyped,
			Severity:    SeverityInfo,
			Path:        path,
			OldTypes:    oldMeta.TypesSeen,
			NewTypes:    newMeta.TypesSeen,
			OldNullable: true,
			NewNullable: newMeta.Nullable,
			Explanation: fmt.Sprintf("field %s previously only returned null, now returns %s", path, newPrimary),
		})
	}

	// Object children: removals, additions, then recurse into shared keys.
	for _, key := range sortedKeys(oldNode.Children) {
		if _, ok := newNode.Children[key]; ok {
			continue
		}
		childMeta := &oldNode.Children[key].Meta
		*changes = append(*changes, Change{
			ChangeType:  ChangeFieldRemoved,
			Severity:    SeverityBreaking,
			Path:        path + "." + key,
			OldTypes:    childMeta.TypesSeen,
			NewTypes:    nil,
			OldNullable: childMeta.Nullable,
			Explanation: fmt.Sprintf("field %s.%s (was %s) has been removed from the response", path, key, typeLabel(childMeta.TypesSeen)),
		})
	}
	for _, key := range sortedKeys(newNode.Children) {
		if _, ok := oldNode.Children[key]; ok {
			continue
		}
		childMeta := &newNode.Children[key].Meta
		*changes = append(*changes, Change{
			ChangeType:  ChangeNewField,
			Severity:    SeverityInfo,
			Path:        path + "." + key,
			NewTypes:    childMeta.TypesSeen,
			NewNullable: childMeta.Nullable,
			Explanation: fmt.Sprintf("new field %s.%s appeared (type %s); additive change", path, key, typeLabel(childMeta.TypesSeen)),
		})
	}
	for _, key := range sortedKeys(oldNode.Children) {
		if newChild, ok := newNode.Children[key]; ok {
			compareNodes(oldNode.Children[key], newChild, path+"."+key, changes)
		}
	}

	// Array items.
	switch {
	case oldNode.Items != nil && newNode.Items != nil:
		compareNodes(oldNode.Items, newNode.Items, path+"[*]", changes)
	case oldNode.Items != nil && newNode.Items == nil && newPrimary != TypeArray && newPrimary != "":
		// The node stopped being an array entirely. An empty array (still
		// typed array, no items yet) is not a shape change.
		*changes = append(*changes, Change{
			ChangeType:  ChangeArrayToNonArray,
			Severity:    SeverityBreaking,
			Path:        path + "[*]",
			OldTypes:    oldNode.Items.Meta.TypesSeen,
			NewTypes:    newMeta.TypesSeen,
			OldNullable: oldNode.Items.Meta.Nullable,
			NewNullable: newMeta.Nullable,
			Explanation: fmt.Sprintf("field %s was an array but is now %s; array iteration will break", path, newPrimary),
		})
	}
}

// classifyTypeChange handles a dominant-type transition at one node. Shape
// transitions (object/array) are BREAKING; scalar transitions are WARNING.
func classifyTypeChange(oldMeta, newMeta *Meta, oldType, newType, path string, changes *[]Change) {
	base := Change{
		Path:        path,
		OldTypes:    oldMeta.TypesSeen,
		NewTypes:    newMeta.TypesSeen,
		OldNullable: oldMeta.Nullable,
		NewNullable: newMeta.Nullable,
	}

	switch {
	case oldType == TypeObject:
		base.ChangeType = ChangeObjectToPrimitive
		base.Severity = SeverityBreaking
		base.Explanation = fmt.Sprintf("%s changed from object to %s; member access will fail", path, newType)
	case oldType == TypeArray:
		base.ChangeType = ChangeArrayToNonArray
		base.Severity = SeverityBreaking
		base.Explanation = fmt.Sprintf("%s changed from array to %s; array iteration will break", path, newType)
	case newType == TypeArray:
		base.ChangeType = ChangeNonArrayToArray
		base.Severity = SeverityBreaking
		base.Explanation = fmt.Sprintf("%s changed from %s to array; consumers expecting a scalar will break", path, oldType)
	default:
		base.ChangeType = ChangeTypeChanged
		base.Severity = SeverityWarning
		base.Explanation = fmt.Sprintf("%s changed type from %s to %s; strict comparisons may misbehave", path, oldType, newType)
	}
	*changes = append(*changes, base)
}

// Summary condenses a change list into a drift score and a short
// human-readable line. Score = 10 per BREAKING + 5 per WARNING, capped
// at 100.
type Summary struct {
	Breaking int    `json:"breaking"`
	Warnings int    `json:"warnings"`
	Info     int    `json:"info"`
	Score    int    `json:"score"`
	Text     string `json:"text"`
}

// Summarize counts the changes by severity and builds the drift summary.
func Summarize(changes []Change) Summary {
	var s Summary
	var severe []string
	for _, c := range changes {
		switch c.Severity {
		case SeverityBreaking:
			s.Breaking++
		case SeverityWarning:
			s.Warnings++
		default:
			s.Info++
		}
		if c.Severity != SeverityInfo && len(severe) < 3 {
			severe = append(severe, fmt.Sprintf("%s at %s", c.ChangeType, c.Path))
		}
	}
	s.Score = 10*s.Breaking + 5*s.Warnings
	if s.Score > 100 {
		s.Score = 100
	}
	switch {
	case len(severe) > 0:
		s.Text = fmt.Sprintf("%d breaking, %d warning(s): %s", s.Breaking, s.Warnings, strings.Join(severe, "; "))
	case len(changes) > 0:
		s.Text = fmt.Sprintf("%d informational change(s)", s.Info)
	default:
		s.Text = "no changes"
	}
	return s
}

// HasSevere reports whether any change is BREAKING or WARNING.
func HasSevere(changes []Change) bool {
	for _, c := range changes {
		if c.Severity != SeverityInfo {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]*Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func typeLabel(types []string) string {
	if len(types) == 0 {
		return "null"
	}
	return strings.Join(types, "|")
}
