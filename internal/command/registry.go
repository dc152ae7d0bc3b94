package command

import "strings"

// Command is a phrase the application wants to react to.
type Command struct {
	Text string `json:"text" yaml:"text"`
}

// Key returns the lookup key used by the registry.
func (c Command) Key() string {
	return strings.ToLower(c.Text)
}

// Registry holds commands split into single words and multi-word sentences.
type Registry struct {
	words     map[string]Command
	sentences map[string]Command
}

// NewRegistry partitions commands by word count. Later entries win over
// earlier ones sharing the same lower-cased text.
func NewRegistry(commands []Command) *Registry {
	r := &Registry{
		words:     make(map[string]Command),
		sentences: make(map[string]Command),
	}
	for _, cmd := range commands {
		key := cmd.Key()
		if strings.Contains(key, " ") {
			r.sentences[key] = cmd
		} else {
			r.words[key] = cmd
		}
	}
	return r
}

// Word looks up a single-word command by its lower-cased text.
func (r *Registry) Word(key string) (Command, bool) {
	if r == nil {
		return Command{}, false
	}
	cmd, ok := r.words[key]
	return cmd, ok
}

// Sentences exposes the multi-word commands. Callers must not mutate it.
func (r *Registry) Sentences() map[string]Command {
	if r == nil {
		return nil
	}
	return r.sentences
}

// Len reports the number of registered commands.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.words) + len(r.sentences)
}
