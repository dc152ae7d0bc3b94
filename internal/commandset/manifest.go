package commandset

import (
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-voicecommand/internal/command"
	"gopkg.in/yaml.v3"
)

// Manifest describes a set of voice commands and where their detections go.
type Manifest struct {
	Metadata Metadata `yaml:"metadata"`
	Entries  []Entry  `yaml:"commands"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

// Entry is one command. Subject, when set, receives a copy of every
// detection of the command.
type Entry struct {
	Text        string `yaml:"text"`
	Subject     string `yaml:"subject,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Load reads a manifest from disk.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse command manifest: %w", err)
	}
	return m, nil
}

// FromInline builds an anonymous manifest from plain command texts.
func FromInline(texts []string) Manifest {
	m := Manifest{Metadata: Metadata{Name: "inline", Version: "0"}}
	for _, text := range texts {
		m.Entries = append(m.Entries, Entry{Text: text})
	}
	return m
}

// Validate ensures the manifest contains required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if len(m.Entries) == 0 {
		return fmt.Errorf("commands must include at least one entry")
	}
	seen := make(map[string]int, len(m.Entries))
	for i, entry := range m.Entries {
		if strings.TrimSpace(entry.Text) == "" {
			return fmt.Errorf("commands[%d].text is required", i)
		}
		key := command.Command{Text: entry.Text}.Key()
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("commands[%d].text %q duplicates commands[%d]", i, entry.Text, prev)
		}
		seen[key] = i
		if entry.Subject != "" && !validSubject(entry.Subject) {
			return fmt.Errorf("commands[%d].subject %q is not a valid publish subject", i, entry.Subject)
		}
	}
	return nil
}

// Commands returns the registrable commands in manifest order.
func (m Manifest) Commands() []command.Command {
	out := make([]command.Command, 0, len(m.Entries))
	for _, entry := range m.Entries {
		out = append(out, command.Command{Text: entry.Text})
	}
	return out
}

// Subjects maps command keys to their dedicated subjects.
func (m Manifest) Subjects() map[string]string {
	out := make(map[string]string)
	for _, entry := range m.Entries {
		if entry.Subject != "" {
			out[command.Command{Text: entry.Text}.Key()] = entry.Subject
		}
	}
	return out
}

func validSubject(subject string) bool {
	if strings.ContainsAny(subject, " \t\r\n*>") {
		return false
	}
	for _, token := range strings.Split(subject, ".") {
		if token == "" {
			return false
		}
	}
	return true
}
