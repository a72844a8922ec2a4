package agent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Script is a parsed YAML map body.
//
//	web:
//	  url: https://example.com
//	tasks:
//	  - name: Weather
//	    flow:
//	      - aiQuery: "{description: string}, today's forecast"
//	      - extract: {selector: "#forecast", name: description}
type Script struct {
	Web    *ScriptTarget `yaml:"web"`
	Target *ScriptTarget `yaml:"target"`
	Tasks  []ScriptTask  `yaml:"tasks"`
}

// ScriptTarget is the page a script starts on.
type ScriptTarget struct {
	URL string `yaml:"url"`
}

type ScriptTask struct {
	Name            string     `yaml:"name"`
	Flow            []FlowStep `yaml:"flow"`
	ContinueOnError bool       `yaml:"continueOnError"`
}

// Flow step kinds.
const (
	StepNavigate   = "navigate"
	StepClick      = "click"
	StepInput      = "input"
	StepPress      = "press"
	StepScroll     = "scroll"
	StepSleep      = "sleep"
	StepWaitFor    = "waitFor"
	StepExtract    = "extract"
	StepScreenshot = "screenshot"
	StepAIQuery    = "aiQuery"
	StepAIAction   = "aiAction"
	StepAIAssert   = "aiAssert"
)

var stepAliases = map[string]string{
	"ai":        StepAIAction,
	"aiTap":     StepAIAction,
	"aiInput":   StepAIAction,
	"aiWaitFor": StepAIAssert,
	"goto":      StepNavigate,
}

var knownSteps = map[string]bool{
	StepNavigate: true, StepClick: true, StepInput: true, StepPress: true,
	StepScroll: true, StepSleep: true, StepWaitFor: true, StepExtract: true,
	StepScreenshot: true, StepAIQuery: true, StepAIAction: true, StepAIAssert: true,
}

// FlowStep is one entry of a task's flow. Each entry is a mapping with a
// single kind key whose value is either a scalar or a mapping of options.
type FlowStep struct {
	Kind     string
	Name     string
	Prompt   string // ai* prompt, navigate URL, press key
	Selector string
	Value    string
	Field    string // extract: result key
	Pixels   int
	Duration time.Duration // sleep, waitFor timeout
}

type flowOptions struct {
	Selector string `yaml:"selector"`
	Value    string `yaml:"value"`
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Key      string `yaml:"key"`
	Prompt   string `yaml:"prompt"`
	Pixels   int    `yaml:"pixels"`
	Timeout  int    `yaml:"timeout"` // ms
}

func (s *FlowStep) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: flow step must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		if key == "name" {
			s.Name = val.Value
			continue
		}
		kind := key
		if alias, ok := stepAliases[key]; ok {
			kind = alias
		}
		if !knownSteps[kind] {
			continue
		}
		if s.Kind != "" {
			return fmt.Errorf("line %d: flow step has both %s and %s", node.Line, s.Kind, kind)
		}
		s.Kind = kind
		if err := s.decodeValue(val); err != nil {
			return fmt.Errorf("line %d: %s: %w", val.Line, kind, err)
		}
	}
	if s.Kind == "" {
		return fmt.Errorf("line %d: flow step has no recognised action", node.Line)
	}
	return nil
}

func (s *FlowStep) decodeValue(val *yaml.Node) error {
	if val.Kind == yaml.MappingNode {
		var opts flowOptions
		if err := val.Decode(&opts); err != nil {
			return err
		}
		s.Selector = opts.Selector
		s.Value = opts.Value
		s.Field = opts.Name
		s.Pixels = opts.Pixels
		s.Prompt = firstNonEmpty(opts.Prompt, opts.URL, opts.Key)
		if opts.Timeout > 0 {
			s.Duration = time.Duration(opts.Timeout) * time.Millisecond
		}
		if s.Kind == StepInput && s.Selector == "" {
			return fmt.Errorf("selector is required")
		}
		if s.Kind == StepExtract && s.Field == "" {
			s.Field = "text"
		}
		return nil
	}

	raw := strings.TrimSpace(val.Value)
	switch s.Kind {
	case StepSleep:
		ms, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("sleep expects milliseconds, got %q", raw)
		}
		s.Duration = time.Duration(ms) * time.Millisecond
	case StepScroll:
		switch raw {
		case "", "down":
			s.Pixels = 600
		case "up":
			s.Pixels = -600
		default:
			px, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("scroll expects pixels, up or down, got %q", raw)
			}
			s.Pixels = px
		}
	case StepClick, StepWaitFor:
		s.Selector = raw
	case StepExtract:
		s.Selector = raw
		s.Field = "text"
	case StepInput:
		return fmt.Errorf("input needs {selector, value}")
	default:
		s.Prompt = raw
	}
	return nil
}

// Label is the human-readable description of the step.
func (s FlowStep) Label() string {
	if s.Name != "" {
		return s.Name
	}
	switch {
	case s.Prompt != "":
		return s.Kind + ": " + s.Prompt
	case s.Selector != "":
		return s.Kind + ": " + s.Selector
	}
	return s.Kind
}

// ParseScript decodes and checks a YAML map body.
func ParseScript(text string) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal([]byte(text), &s); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(s.Tasks) == 0 {
		return nil, fmt.Errorf("parse yaml: no tasks defined")
	}
	for i, t := range s.Tasks {
		if len(t.Flow) == 0 {
			return nil, fmt.Errorf("parse yaml: task %d (%s) has an empty flow", i, t.Name)
		}
	}
	return &s, nil
}

// StartURL returns the URL the script begins on, if any.
func (s *Script) StartURL() string {
	if s.Web != nil && s.Web.URL != "" {
		return s.Web.URL
	}
	if s.Target != nil {
		return s.Target.URL
	}
	return ""
}

var nameKeyPattern = regexp.MustCompile(`(?m)^\s*(?:-\s+)?name:`)

// CountNames counts the name: keys in a YAML body. The count is the
// expected step total used to scale progress.
func CountNames(text string) int {
	return len(nameKeyPattern.FindAllStringIndex(text, -1))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
