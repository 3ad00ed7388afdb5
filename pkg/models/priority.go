package models

import (
	"encoding/json"
	"fmt"
)

// Priority orders claim selection. Stored as a numeric weight so an indexed
// ORDER BY priority DESC puts critical work first; serialized as the name.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityMedium   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

// ParsePriority converts a priority name into its weight.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the four defined weights.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) MarshalJSON() ([]byte, error) {
	name, ok := priorityNames[p]
	if !ok {
		return nil, fmt.Errorf("unknown priority weight %d", int(p))
	}
	return json.Marshal(name)
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParsePriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
