package schema

import "testing"

func learnOne(t *testing.T, body string) *Node {
	t.Helper()
	return Learn(nil, parseJSON(t, body))
}

func findChange(changes []Change, changeType string) *Change {
	for i := range changes {
		if changes[i].ChangeType == changeType {
			return &changes[i]
		}
	}
	return nil
}

func TestCompareIdenticalIsEmpty(t *testing.T) {
	bodies := []string{
		`{"a":"x","b":1}`,
		`{"user":{"id":1,"tags":["a","b"]},"meta":null}`,
		`[1,2,3]`,
	}
	for _, body := range bodies {
		old := learnOne(t, body)
		if changes := Compare(old, old.Clone()); len(changes) != 0 {
			t.Errorf("Compare(S, S) for %s = %v, want empty", body, changes)
		}
	}
}

func TestCompareFieldRemoved(t *testing.T) {
	old := learnOne(t, `{"user":{"avatar":"x"}}`)
	new_ := learnOne(t, `{"user":{}}`)

	changes := Compare(old, new_)
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1: %+v", len(changes), changes)
	}
	c := changes[0]
	if c.ChangeType != ChangeFieldRemoved {
		t.Errorf("change_type = %q, want field_removed", c.ChangeType)
	}
	if c.Severity != SeverityBreaking {
		t.Errorf("severity = %q, want BREAKING", c.Severity)
	}
	if c.Path != "$.user.avatar" {
		t.Errorf("path = %q, want $.user.avatar", c.Path)
	}
}

func TestCompareNewField(t *testing.T) {
	old := learnOne(t, `{"a":1}`)
	new_ := learnOne(t, `{"a":1,"b":"x"}`)

	c := findChange(Compare(old, new_), ChangeNewField)
	if c == nil {
		t.Fatal("new_field not emitted")
	}
	if c.Severity != SeverityInfo || c.Path != "$.b" {
		t.Errorf("got severity=%q path=%q, want INFO $.b", c.Severity, c.Path)
	}
}

func TestCompareTypeChanged(t *testing.T) {
	old := learnOne(t, `{"v":"42"}`)
	new_ := learnOne(t, `{"v":42}`)

	c := findChange(Compare(old, new_), ChangeTypeChanged)
	if c == nil {
		t.Fatal("type_changed not emitted")
	}
	if c.Severity != SeverityWarning {
		t.Errorf("severity = %q, want WARNING", c.Severity)
	}
}

func TestCompareShapeChanges(t *testing.T) {
	tests := []struct {
		name     string
		oldBody  string
		newBody  string
		wantType string
		wantPath string
	}{
		{"object to primitive", `{"u":{"id":1}}`, `{"u":"gone"}`, ChangeObjectToPrimitive, "$.u"},
		{"array to non-array", `{"t":["a"]}`, `{"t":"a"}`, ChangeArrayToNonArray, "$.t"},
		{"non-array to array", `{"t":"a"}`, `{"t":["a"]}`, ChangeNonArrayToArray, "$.t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes := Compare(learnOne(t, tt.oldBody), learnOne(t, tt.newBody))
			c := findChange(changes, tt.wantType)
			if c == nil {
				t.Fatalf("%s not emitted: %+v", tt.wantType, changes)
			}
			if c.Severity != SeverityBreaking {
				t.Errorf("severity = %q, want BREAKING", c.Severity)
			}
			if c.Path != tt.wantPath {
				t.Errorf("path = %q, want %q", c.Path, tt.wantPath)
			}
		})
	}
}

func TestCompareArrayItemPath(t *testing.T) {
	old := learnOne(t, `{"items":[{"c":"x"}]}`)
	new_ := learnOne(t, `{"items":[{"c":7}]}`)

	c := findChange(Compare(old, new_), ChangeTypeChanged)
	if c == nil {
		t.Fatal("type_changed in array items not emitted")
	}
	if c.Path != "$.items[*].c" {
		t.Errorf("path = %q, want $.items[*].c", c.Path)
	}
}

func TestCompareNullability(t *testing.T) {
	t.Run("became nullable", func(t *testing.T) {
		old := learnOne(t, `{"bio":"text"}`)
		new_ := learnOne(t, `{"bio":null}`)
		c := findChange(Compare(old, new_), ChangeFieldBecameNullable)
		if c == nil {
			t.Fatal("field_became_nullable not emitted")
		}
		if c.Severity != SeverityInfo {
			t.Errorf("severity = %q, want INFO", c.Severity)
		}
	})

	t.Run("null to typed", func(t *testing.T) {
		old := learnOne(t, `{"bio":null}`)
		new_ := learnOne(t, `{"bio":"text"}`)
		c := findChange(Compare(old, new_), ChangeNullToTyped)
		if c == nil {
			t.Fatal("null_to_typed not emitted")
		}
		if c.Severity != SeverityInfo {
			t.Errorf("severity = %q, want INFO", c.Severity)
		}
	})
}

func TestCompareEmptyArrayIsNotShapeChange(t *testing.T) {
	old := learnOne(t, `{"t":["a"]}`)
	new_ := learnOne(t, `{"t":[]}`)
	if c := findChange(Compare(old, new_), ChangeArrayToNonArray); c != nil {
		t.Errorf("empty array flagged as array_to_non_array: %+v", c)
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name      string
		changes   []Change
		wantScore int
	}{
		{"empty", nil, 0},
		{"one breaking", []Change{{Severity: SeverityBreaking, ChangeType: ChangeFieldRemoved, Path: "$.a"}}, 10},
		{"mixed", []Change{
			{Severity: SeverityBreaking, ChangeType: ChangeFieldRemoved, Path: "$.a"},
			{Severity: SeverityWarning, ChangeType: ChangeTypeChanged, Path: "$.b"},
			{Severity: SeverityInfo, ChangeType: ChangeNewField, Path: "$.c"},
		}, 15},
		{"capped at 100", func() []Change {
			cs := make([]Change, 15)
			for i := range cs {
				cs[i] = Change{Severity: SeverityBreaking, ChangeType: ChangeFieldRemoved}
			}
			return cs
		}(), 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.changes).Score; got != tt.wantScore {
				t.Errorf("score = %d, want %d", got, tt.wantScore)
			}
		})
	}
}
