package pipeline

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/vinayprograms/parley/internal/session"
)

func TestRoundTrip(t *testing.T) {
	doc := FromTurns("nightly", "claude-sonnet-4-5", "agentkit", []session.Turn{
		{Cycle: 1, Prompt: "do a", Response: "did a"},
		{Cycle: 1, Prompt: "do b", Response: "did b"},
		{Cycle: 2, Prompt: "do c", Response: "did c"},
		{Cycle: 2, Prompt: "", Response: "condensed", Summary: true},
	})

	data, err := doc.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Load(data)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got.Playbook != "nightly" || got.Model != "claude-sonnet-4-5" {
		t.Errorf("header = %+v", got)
	}
	if len(got.Cycles) != 2 {
		t.Fatalf("got %d cycles, want 2", len(got.Cycles))
	}
	if len(got.Cycles[0].Turns) != 2 || got.Cycles[0].Turns[1].Context != "did b" {
		t.Errorf("cycle 1 = %+v", got.Cycles[0])
	}
	if !got.Cycles[1].Turns[1].Summary {
		t.Error("summary flag lost")
	}
}

func TestLoadRejectsForeignMajor(t *testing.T) {
	data := []byte("schema: \"2.0\"\nplaybook: x\n")
	if _, err := Load(data); err == nil {
		t.Error("incompatible major version accepted")
	}
}

func TestLoadAcceptsSameMajorNewerMinor(t *testing.T) {
	data := []byte("schema: \"1.7\"\nplaybook: x\ncycles: []\n")
	if _, err := Load(data); err != nil {
		t.Errorf("newer minor rejected: %v", err)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"no schema":   "playbook: x\n",
		"bad version": "schema: abc\nplaybook: x\n",
		"no playbook": "schema: \"1.0\"\n",
		"not yaml":    "{{{{",
	}
	for name, src := range cases {
		if _, err := Load([]byte(src)); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestJSONKeysMatchYAML(t *testing.T) {
	doc := FromTurns("nightly", "claude-sonnet-4-5", "agentkit", []session.Turn{
		{Cycle: 1, Prompt: "do a", Response: "did a"},
	})
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"schema"`, `"playbook"`, `"cycles"`, `"cycle"`, `"prompt"`, `"context"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("JSON form missing key %s:\n%s", key, data)
		}
	}
}

func TestScriptCarriesDocumentSettings(t *testing.T) {
	doc := &Document{
		Playbook: "prefab",
		Model:    "claude-sonnet-4-5",
		Adapter:  "agentkit",
		Cycles:   []Cycle{{Number: 1}, {Number: 2}, {Number: 3}},
	}
	s := doc.Script()
	if s.Identity != "prefab" || s.Settings.Model != "claude-sonnet-4-5" {
		t.Errorf("script = %+v", s)
	}
	if s.Settings.MaxCycles != 3 {
		t.Errorf("MaxCycles = %d, want 3", s.Settings.MaxCycles)
	}
	if len(s.Steps) != 0 {
		t.Error("document script should carry no parsed steps")
	}
}

func TestMarshalFillsSchema(t *testing.T) {
	doc := &Document{Playbook: "p"}
	data, err := doc.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "schema: \"1.0\"") && !strings.Contains(string(data), "schema: 1.0") {
		t.Errorf("schema missing from output:\n%s", data)
	}
}
