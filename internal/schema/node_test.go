package schema

import (
	"encoding/json"
	"testing"
)

func parseJSON(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func TestLearnObject(t *testing.T) {
	body := parseJSON(t, `{"name":"Ada","age":36,"score":4.5,"ok":true}`)
	node := Learn(nil, body)

	if got := node.Meta.PrimaryType(); got != TypeObject {
		t.Fatalf("root primary = %q, want object", got)
	}
	wantTypes := map[string]string{
		"name":  TypeString,
		"age":   TypeInteger,
		"score": TypeNumber,
		"ok":    TypeBoolean,
	}
	for field, want := range wantTypes {
		child, ok := node.Children[field]
		if !ok {
			t.Fatalf("missing child %q", field)
		}
		if got := child.Meta.PrimaryType(); got != want {
			t.Errorf("child %q primary = %q, want %q", field, got, want)
		}
		if child.Meta.Occurrences != 1 {
			t.Errorf("child %q occurrences = %d, want 1", field, child.Meta.Occurrences)
		}
	}
}

func TestLearnNullSetsNullableOnly(t *testing.T) {
	node := Learn(nil, parseJSON(t, `{"bio":null}`))
	child := node.Children["bio"]
	if !child.Meta.Nullable {
		t.Error("nullable not set after null observation")
	}
	if len(child.Meta.TypesSeen) != 0 {
		t.Errorf("types_seen = %v, want empty (null is never a type)", child.Meta.TypesSeen)
	}

	node = Learn(node, parseJSON(t, `{"bio":"hello"}`))
	child = node.Children["bio"]
	if !child.Meta.Nullable {
		t.Error("nullable flag lost after non-null observation")
	}
	if got := child.Meta.PrimaryType(); got != TypeString {
		t.Errorf("primary = %q, want string", got)
	}
}

func TestLearnWalksAllArrayElements(t *testing.T) {
	node := Learn(nil, parseJSON(t, `{"items":[{"a":1},{"b":2}]}`))
	items := node.Children["items"].Items
	if items == nil {
		t.Fatal("no items node learned")
	}
	if _, ok := items.Children["a"]; !ok {
		t.Error("first element's field not learned")
	}
	if _, ok := items.Children["b"]; !ok {
		t.Error("second element's field not learned (only first element walked)")
	}
	if items.Meta.Occurrences != 2 {
		t.Errorf("items occurrences = %d, want 2", items.Meta.Occurrences)
	}
}

func TestLearnAccumulatesUnionTypes(t *testing.T) {
	node := Learn(nil, parseJSON(t, `{"v":"s"}`))
	node = Learn(node, parseJSON(t, `{"v":7}`))
	child := node.Children["v"]
	if !child.Meta.HasType(TypeString) || !child.Meta.HasType(TypeInteger) {
		t.Errorf("types_seen = %v, want string and integer", child.Meta.TypesSeen)
	}
	// Preference order keeps string as the dominant type.
	if got := child.Meta.PrimaryType(); got != TypeString {
		t.Errorf("primary = %q, want string", got)
	}
}

func TestLearnTopLevelPrimitive(t *testing.T) {
	node := Learn(nil, "just a string")
	if got := node.Meta.PrimaryType(); got != TypeString {
		t.Errorf("primary = %q, want string", got)
	}
	if len(node.Children) != 0 || node.Items != nil {
		t.Error("primitive leaf grew children")
	}
}

func TestCloneIsDeep(t *testing.T) {
	node := Learn(nil, parseJSON(t, `{"user":{"name":"Ada"},"tags":["a"]}`))
	clone := node.Clone()

	Learn(node, parseJSON(t, `{"user":{"email":"x@y.z"}}`))
	if _, ok := clone.Children["user"].Children["email"]; ok {
		t.Error("mutating the original leaked into the clone")
	}
}

func TestNodeJSONRoundTrip(t *testing.T) {
	node := Learn(nil, parseJSON(t, `{"user":{"id":1,"tags":["x",null]}}`))
	data, err := json.Marshal(node)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Node
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	items := back.Children["user"].Children["tags"].Items
	if items == nil || !items.Meta.HasType(TypeString) || !items.Meta.Nullable {
		t.Errorf("items metadata lost in round trip: %+v", items)
	}
}
