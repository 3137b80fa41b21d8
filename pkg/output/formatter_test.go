package output

import (
	"strings"
	"testing"
)

type row struct {
	Name    string `json:"name" yaml:"name"`
	Key     string `json:"key" yaml:"key" table:"PUBLIC KEY"`
	secret  string
	Allowed bool `json:"allowed" yaml:"allowed"`
	Notes   string `table:"-"`
}

func TestTableFormatter(t *testing.T) {
	rows := []row{
		{Name: "alice", Key: "ab12", Allowed: true, secret: "x"},
		{Name: "bob", Key: "cd34"},
	}
	out := NewFormatter("table").Format(rows)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "NAME") || !strings.Contains(lines[0], "PUBLIC KEY") || !strings.Contains(lines[0], "ALLOWED") {
		t.Errorf("header = %q", lines[0])
	}
	if strings.Contains(lines[0], "NOTES") || strings.Contains(out, "SECRET") {
		t.Errorf("hidden columns rendered:\n%s", out)
	}
	if !strings.Contains(lines[1], "alice") || !strings.Contains(lines[1], "true") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestTableFormatterEmptyAndStruct(t *testing.T) {
	if out := NewFormatter("").Format([]row{}); out != "No peers found.\n" {
		t.Errorf("empty = %q", out)
	}
	out := NewFormatter("table").Format(&row{Name: "alice", Key: "ab12"})
	if !strings.Contains(out, "Name:") || !strings.Contains(out, "alice") || strings.Contains(out, "Notes") {
		t.Errorf("struct = %q", out)
	}
}

func TestJSONAndYAML(t *testing.T) {
	r := row{Name: "alice", Key: "ab12", Allowed: true}
	if out := NewFormatter("JSON").Format(r); !strings.Contains(out, `"name": "alice"`) {
		t.Errorf("json = %q", out)
	}
	if out := NewFormatter("yaml").Format(r); !strings.Contains(out, "name: alice") || !strings.Contains(out, "allowed: true") {
		t.Errorf("yaml = %q", out)
	}
}
