package testutils

import (
	"strings"
	"testing"
)

func TestJSONAsserterDefaults(t *testing.T) {
	opts := NewJSONAsserter(t).Options()

	if !opts.IgnoreExtraKeys {
		t.Error("IgnoreExtraKeys should default to true")
	}
	if !opts.AllowPlaceholders {
		t.Error("AllowPlaceholders should default to true")
	}
	if len(opts.IgnoredFields) != 0 {
		t.Errorf("IgnoredFields should default empty, got %v", opts.IgnoredFields)
	}
}

func TestJSONAsserterPlaceholders(t *testing.T) {
	actual := `{"id": "op-81f2", "state": "RUNNING", "started_at": 1758348286}`

	t.Run("placeholder matches any value", func(t *testing.T) {
		ja := NewJSONAsserter(t)
		d := ja.diff(actual, `{"id": "<<PRESENCE>>", "state": "RUNNING", "started_at": "<<PRESENCE>>"}`)
		if d != "" {
			t.Errorf("expected no diff, got:\n%s", d)
		}
	})

	t.Run("placeholder is literal when disabled", func(t *testing.T) {
		ja := NewJSONAsserter(t, WithPlaceholders(false))
		d := ja.diff(actual, `{"id": "<<PRESENCE>>", "state": "RUNNING", "started_at": 1758348286}`)
		if d == "" {
			t.Error("expected a diff with placeholders disabled")
		}
	})
}

func TestJSONAsserterExtraKeys(t *testing.T) {
	actual := `{"serial": "S1", "state": "device", "transport_id": "4"}`
	expected := `{"serial": "S1", "state": "device"}`

	t.Run("ignored by default", func(t *testing.T) {
		if d := NewJSONAsserter(t).diff(actual, expected); d != "" {
			t.Errorf("expected no diff, got:\n%s", d)
		}
	})

	t.Run("reported when strict", func(t *testing.T) {
		if d := NewJSONAsserter(t, WithIgnoreExtraKeys(false)).diff(actual, expected); d == "" {
			t.Error("expected a diff in strict mode")
		}
	})
}

func TestJSONAsserterIgnoredFields(t *testing.T) {
	ja := NewJSONAsserter(t, WithIgnoredFields("updated_at"))

	t.Run("dropped at every depth", func(t *testing.T) {
		actual := `{
			"serial": "S1",
			"updated_at": 111,
			"operations": [{"id": "a", "updated_at": 222}]
		}`
		expected := `{
			"serial": "S1",
			"updated_at": 999,
			"operations": [{"id": "a", "updated_at": 888}]
		}`
		if d := ja.diff(actual, expected); d != "" {
			t.Errorf("expected no diff, got:\n%s", d)
		}
	})

	t.Run("other fields still compared", func(t *testing.T) {
		d := ja.diff(`{"serial": "S1", "updated_at": 1}`, `{"serial": "S2", "updated_at": 1}`)
		if d == "" {
			t.Error("expected a diff on the serial field")
		}
		if !strings.Contains(d, "serial") {
			t.Errorf("diff should mention the differing field, got:\n%s", d)
		}
	})
}

func TestJSONAsserterRootArrays(t *testing.T) {
	actual := `[{"serial": "S1"}, {"serial": "S2", "model": "Pixel 7"}]`

	if d := NewJSONAsserter(t).diff(actual, `[{"serial": "S1"}, {"serial": "S2"}]`); d != "" {
		t.Errorf("expected no diff for matching root arrays, got:\n%s", d)
	}
	if d := NewJSONAsserter(t).diff(actual, `[{"serial": "S1"}, {"serial": "S3"}]`); d == "" {
		t.Error("expected a diff for mismatched root arrays")
	}
}

func TestJSONAsserterInvalidInput(t *testing.T) {
	ja := NewJSONAsserter(t)

	if d := ja.diff(`{"ok": true}`, `{broken`); !strings.Contains(d, "invalid expected JSON") {
		t.Errorf("want invalid-expected report, got:\n%s", d)
	}
	if d := ja.diff(`{broken`, `{"ok": true}`); !strings.Contains(d, "invalid actual JSON") {
		t.Errorf("want invalid-actual report, got:\n%s", d)
	}
}

func TestMustJSON(t *testing.T) {
	if got := MustJSON(map[string]int{"a": 1}); got != `{"a":1}` {
		t.Errorf("MustJSON = %s", got)
	}
}
