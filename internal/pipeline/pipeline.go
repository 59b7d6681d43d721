// Package pipeline defines the YAML interchange format for completed
// and replayable runs.
package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/parley/internal/playbook"
	"github.com/vinayprograms/parley/internal/session"
)

// Schema is the current interchange version. Consumers accept any
// document sharing the major number.
const Schema = "1.0"

// Document is one run in interchange form: an export of a completed
// run, or a pre-rendered input that feeds the engine directly. The
// json tags keep JSON reports keyed like the YAML form.
type Document struct {
	Schema   string  `yaml:"schema" json:"schema"`
	Playbook string  `yaml:"playbook" json:"playbook"`
	Model    string  `yaml:"model,omitempty" json:"model,omitempty"`
	Adapter  string  `yaml:"adapter,omitempty" json:"adapter,omitempty"`
	Cycles   []Cycle `yaml:"cycles" json:"cycles"`
}

// Cycle groups the turns of one pass over the script.
type Cycle struct {
	Number int               `yaml:"cycle" json:"cycle"`
	Vars   map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
	Turns  []Turn            `yaml:"turns" json:"turns"`
}

// Turn is one exchange. Context carries the response in exported
// runs and is empty in documents built for execution.
type Turn struct {
	Prompt  string `yaml:"prompt" json:"prompt"`
	Context string `yaml:"context,omitempty" json:"context,omitempty"`
	Summary bool   `yaml:"summary,omitempty" json:"summary,omitempty"`
}

// Load parses and version-checks an interchange document.
func Load(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing pipeline document: %w", err)
	}
	if err := checkSchema(doc.Schema); err != nil {
		return nil, err
	}
	if doc.Playbook == "" {
		return nil, fmt.Errorf("pipeline document has no playbook name")
	}
	return &doc, nil
}

// Marshal renders the document as YAML.
func (d *Document) Marshal() ([]byte, error) {
	if d.Schema == "" {
		d.Schema = Schema
	}
	return yaml.Marshal(d)
}

func checkSchema(got string) error {
	if got == "" {
		return fmt.Errorf("pipeline document has no schema version")
	}
	major := func(v string) string {
		if i := strings.Index(v, "."); i >= 0 {
			return v[:i]
		}
		return v
	}
	gm, cm := major(got), major(Schema)
	if _, err := strconv.Atoi(gm); err != nil {
		return fmt.Errorf("malformed schema version %q", got)
	}
	if gm != cm {
		return fmt.Errorf("schema version %s is not supported (this build speaks %s)", got, Schema)
	}
	return nil
}

// Script derives the settings a document-driven run needs. The steps
// stay empty: the document's turns are already rendered and replace
// the parse/render path entirely.
func (d *Document) Script() *playbook.Script {
	return &playbook.Script{
		Identity: d.Playbook,
		Settings: playbook.Settings{
			Name:         d.Playbook,
			Model:        d.Model,
			Adapter:      d.Adapter,
			MaxCycles:    len(d.Cycles),
			ContextLimit: 80,
			Mode:         playbook.ModeAccumulate,
		},
	}
}

// FromTurns builds an export document from the engine's turn history,
// grouped by cycle in execution order.
func FromTurns(playbook, model, adapterName string, turns []session.Turn) *Document {
	doc := &Document{
		Schema:   Schema,
		Playbook: playbook,
		Model:    model,
		Adapter:  adapterName,
	}
	var current *Cycle
	for _, t := range turns {
		if current == nil || current.Number != t.Cycle {
			doc.Cycles = append(doc.Cycles, Cycle{Number: t.Cycle})
			current = &doc.Cycles[len(doc.Cycles)-1]
		}
		current.Turns = append(current.Turns, Turn{
			Prompt:  t.Prompt,
			Context: t.Response,
			Summary: t.Summary,
		})
	}
	return doc
}
