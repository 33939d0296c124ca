package topology

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type groupDoc struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Inputs  []string `yaml:"inputs"`
	Outputs []string `yaml:"outputs"`
}

type contactDoc struct {
	ID       string `yaml:"id"`
	Group    string `yaml:"group"`
	Blend    string `yaml:"blend"`
	Boundary bool   `yaml:"boundary"`
}

type wireDoc struct {
	ID             string `yaml:"id"`
	From           string `yaml:"from"`
	To             string `yaml:"to"`
	Directionality string `yaml:"directionality"`
	Priority       int    `yaml:"priority"`
	Required       bool   `yaml:"required"`
}

type document struct {
	Groups   []groupDoc   `yaml:"groups"`
	Contacts []contactDoc `yaml:"contacts"`
	Wires    []wireDoc    `yaml:"wires"`
}

// Load reads and validates a topology document from a YAML file.
func Load(path string) (*Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open topology: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads and validates a topology document from a YAML stream.
func Decode(r io.Reader) (*Topology, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode topology: %w", err)
	}

	groups := make([]Group, 0, len(doc.Groups))
	for _, g := range doc.Groups {
		groups = append(groups, Group{ID: g.ID, Name: g.Name, Inputs: g.Inputs, Outputs: g.Outputs})
	}
	contacts := make([]Contact, 0, len(doc.Contacts))
	for _, c := range doc.Contacts {
		contacts = append(contacts, Contact{ID: c.ID, GroupID: c.Group, Blend: BlendMode(c.Blend), Boundary: c.Boundary})
	}
	wires := make([]Wire, 0, len(doc.Wires))
	for _, w := range doc.Wires {
		wires = append(wires, Wire{
			ID:             w.ID,
			From:           w.From,
			To:             w.To,
			Directionality: Directionality(w.Directionality),
			Priority:       w.Priority,
			Required:       w.Required,
		})
	}
	return New(groups, contacts, wires)
}
