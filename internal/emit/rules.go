package emit

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/user/convoy/internal/events"
)

// PredicateKind selects how a rule decides a tool call succeeded.
type PredicateKind string

const (
	PredicateNotError       PredicateKind = "not_error"
	PredicateAlways         PredicateKind = "always"
	PredicateResultContains PredicateKind = "result_contains"
	PredicateResultField    PredicateKind = "result_field"
)

type Predicate struct {
	Kind  PredicateKind `yaml:"kind"`
	Value string        `yaml:"value,omitempty"`
	Field string        `yaml:"field,omitempty"`
}

// ExtractorKind selects where a rule reads the entity id from.
type ExtractorKind string

const (
	ExtractArgument    ExtractorKind = "argument"
	ExtractResultField ExtractorKind = "result_field"
	ExtractResult      ExtractorKind = "result"
	ExtractLiteral     ExtractorKind = "literal"
)

type Extractor struct {
	Kind  ExtractorKind `yaml:"kind"`
	Field string        `yaml:"field,omitempty"`
	Value string        `yaml:"value,omitempty"`
}

// ToolEventRule maps a completed tool call onto a UI invalidation event.
type ToolEventRule struct {
	Tool     string    `yaml:"tool"`
	Success  Predicate `yaml:"success"`
	EntityID Extractor `yaml:"entity_id"`
	Entity   string    `yaml:"entity"`
	Action   string    `yaml:"action"`
}

type rulesFile struct {
	Rules []ToolEventRule `yaml:"rules"`
}

// Rules is an immutable tool-name-keyed rule registry.
type Rules struct {
	byTool map[string][]ToolEventRule
}

// LoadRules reads a YAML rule file. A missing file yields an empty registry.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRules(nil)
		}
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

func ParseRules(data []byte) (*Rules, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return NewRules(f.Rules)
}

// NewRules validates rules and builds the registry.
func NewRules(rules []ToolEventRule) (*Rules, error) {
	byTool := make(map[string][]ToolEventRule)
	for i, r := range rules {
		if r.Tool == "" || r.Entity == "" || r.Action == "" {
			return nil, fmt.Errorf("rule %d: tool, entity and action are required", i)
		}
		if r.Success.Kind == "" {
			r.Success.Kind = PredicateNotError
		}
		switch r.Success.Kind {
		case PredicateNotError, PredicateAlways, PredicateResultContains, PredicateResultField:
		default:
			return nil, fmt.Errorf("rule %d: unknown success kind %q", i, r.Success.Kind)
		}
		switch r.EntityID.Kind {
		case ExtractArgument, ExtractResultField:
			if r.EntityID.Field == "" {
				return nil, fmt.Errorf("rule %d: entity_id.field is required for %s", i, r.EntityID.Kind)
			}
		case ExtractResult, ExtractLiteral, "":
		default:
			return nil, fmt.Errorf("rule %d: unknown entity_id kind %q", i, r.EntityID.Kind)
		}
		byTool[r.Tool] = append(byTool[r.Tool], r)
	}
	return &Rules{byTool: byTool}, nil
}

func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, rs := range r.byTool {
		n += len(rs)
	}
	return n
}

// Resolve returns the UI events produced by a completed tool call.
func (r *Rules) Resolve(tool string, args json.RawMessage, result string, isError bool) []events.UI {
	if r == nil {
		return nil
	}
	var out []events.UI
	for _, rule := range r.byTool[tool] {
		if !rule.Success.match(result, isError) {
			continue
		}
		id, ok := rule.EntityID.extract(args, result)
		if !ok {
			continue
		}
		out = append(out, events.UI{
			Entity:   rule.Entity,
			EntityID: id,
			Action:   rule.Action,
			Meta:     map[string]any{"tool": tool},
		})
	}
	return out
}

func (p Predicate) match(result string, isError bool) bool {
	switch p.Kind {
	case PredicateAlways:
		return true
	case PredicateNotError:
		return !isError
	case PredicateResultContains:
		return !isError && strings.Contains(result, p.Value)
	case PredicateResultField:
		v, ok := jsonField([]byte(result), p.Field)
		return !isError && ok && (p.Value == "" || v == p.Value)
	}
	return false
}

func (e Extractor) extract(args json.RawMessage, result string) (string, bool) {
	switch e.Kind {
	case ExtractArgument:
		return jsonField(args, e.Field)
	case ExtractResultField:
		return jsonField([]byte(result), e.Field)
	case ExtractResult:
		s := strings.TrimSpace(result)
		return s, s != ""
	case ExtractLiteral:
		return e.Value, true
	}
	return "", true
}

// jsonField reads a dot-separated path from a JSON object and renders the
// value as a string.
func jsonField(data []byte, path string) (string, bool) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return "", false
	}
	for _, part := range strings.Split(path, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return "", false
		}
		if v, ok = m[part]; !ok {
			return "", false
		}
	}
	switch val := v.(type) {
	case string:
		return val, val != ""
	case nil:
		return "", false
	case map[string]any, []any:
		return "", false
	default:
		return fmt.Sprint(val), true
	}
}
