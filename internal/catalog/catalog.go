package catalog

import (
	"fmt"
	"regexp"

	"github.com/fleetforge/fleet-medic/internal/models"
)

// Pattern maps one error kind to its detection matcher and ordered fix
// strategies. Strategies run cheapest/least-disruptive first.
type Pattern struct {
	Kind       models.ErrorKind     `yaml:"kind"`
	Severity   models.Severity      `yaml:"severity"`
	Match      string               `yaml:"match"`
	Strategies []models.StrategyRef `yaml:"strategies"`

	re *regexp.Regexp
}

// ResourceRule raises an error kind from a numeric resource sample rather
// than log text.
type ResourceRule struct {
	Kind     models.ErrorKind `yaml:"kind"`
	Severity models.Severity  `yaml:"severity"`
	// MemoryRatioAbove fires when used/limit exceeds the value (0 disables).
	MemoryRatioAbove float64 `yaml:"memoryRatioAbove"`
	// CPUPercentAbove fires when the CPU reading exceeds the value (0 disables).
	CPUPercentAbove float64              `yaml:"cpuPercentAbove"`
	Strategies      []models.StrategyRef `yaml:"strategies"`
}

// StateRule raises an error kind from the container lifecycle state.
type StateRule struct {
	Kind       models.ErrorKind        `yaml:"kind"`
	Severity   models.Severity         `yaml:"severity"`
	States     []models.ContainerState `yaml:"states"`
	Strategies []models.StrategyRef    `yaml:"strategies"`
}

// Match is one catalogue hit against a piece of evidence.
type Match struct {
	Kind     models.ErrorKind
	Severity models.Severity
	// Span is the matched fragment: the regex match for log patterns, or a
	// synthesized description for resource/state rules.
	Span string
}

// Catalog is the immutable pattern table. Loaded once at process start;
// compiled matchers are safe for concurrent use.
type Catalog struct {
	patterns      []Pattern
	resourceRules []ResourceRule
	stateRules    []StateRule
	strategies    map[models.ErrorKind][]models.StrategyRef
}

// New builds a catalogue from the built-in table plus an optional overlay.
// Overlay patterns for a kind already present replace the built-in entry.
func New(overlay *Pack) (*Catalog, error) {
	c := &Catalog{strategies: make(map[models.ErrorKind][]models.StrategyRef)}

	patterns := builtinPatterns()
	resources := builtinResourceRules()
	states := builtinStateRules()

	if overlay != nil {
		patterns = mergePatterns(patterns, overlay.Patterns)
		if len(overlay.ResourceRules) > 0 {
			resources = overlay.ResourceRules
		}
		if len(overlay.StateRules) > 0 {
			states = overlay.StateRules
		}
	}

	for i := range patterns {
		re, err := regexp.Compile(patterns[i].Match)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %s: %w", patterns[i].Kind, err)
		}
		patterns[i].re = re
		c.strategies[patterns[i].Kind] = patterns[i].Strategies
	}
	for _, rule := range resources {
		if _, ok := c.strategies[rule.Kind]; !ok {
			c.strategies[rule.Kind] = rule.Strategies
		}
	}
	for _, rule := range states {
		if _, ok := c.strategies[rule.Kind]; !ok {
			c.strategies[rule.Kind] = rule.Strategies
		}
	}

	c.patterns = patterns
	c.resourceRules = resources
	c.stateRules = states
	return c, nil
}

// Lookup evaluates every log pattern against the line and returns all
// matches. A single line can match multiple kinds.
func (c *Catalog) Lookup(line string) []Match {
	var matches []Match
	for i := range c.patterns {
		if span := c.patterns[i].re.FindString(line); span != "" {
			matches = append(matches, Match{
				Kind:     c.patterns[i].Kind,
				Severity: c.patterns[i].Severity,
				Span:     span,
			})
		}
	}
	return matches
}

// LookupResources evaluates resource predicates against a sample.
func (c *Catalog) LookupResources(sample models.ResourceSample) []Match {
	var matches []Match
	for _, rule := range c.resourceRules {
		if rule.MemoryRatioAbove > 0 && sample.MemoryRatio() > rule.MemoryRatioAbove {
			matches = append(matches, Match{
				Kind:     rule.Kind,
				Severity: rule.Severity,
				Span:     fmt.Sprintf("memory ratio %.2f exceeds %.2f", sample.MemoryRatio(), rule.MemoryRatioAbove),
			})
			continue
		}
		if rule.CPUPercentAbove > 0 && sample.CPUPercent > rule.CPUPercentAbove {
			matches = append(matches, Match{
				Kind:     rule.Kind,
				Severity: rule.Severity,
				Span:     fmt.Sprintf("cpu %.1f%% exceeds %.1f%%", sample.CPUPercent, rule.CPUPercentAbove),
			})
		}
	}
	return matches
}

// LookupState evaluates container-state rules.
func (c *Catalog) LookupState(state models.ContainerState) []Match {
	var matches []Match
	for _, rule := range c.stateRules {
		for _, s := range rule.States {
			if s == state {
				matches = append(matches, Match{
					Kind:     rule.Kind,
					Severity: rule.Severity,
					Span:     fmt.Sprintf("container state %s", state),
				})
				break
			}
		}
	}
	return matches
}

// Strategies returns the ordered fix list for a kind, or nil when the kind
// is not catalogued.
func (c *Catalog) Strategies(kind models.ErrorKind) []models.StrategyRef {
	return c.strategies[kind]
}

// Known reports whether the kind exists in the catalogue.
func (c *Catalog) Known(kind models.ErrorKind) bool {
	_, ok := c.strategies[kind]
	return ok
}

// Patterns returns a copy of the log pattern table for the read-only API.
func (c *Catalog) Patterns() []Pattern {
	out := make([]Pattern, len(c.patterns))
	copy(out, c.patterns)
	return out
}

func mergePatterns(base, overlay []Pattern) []Pattern {
	if len(overlay) == 0 {
		return base
	}
	byKind := make(map[models.ErrorKind]int, len(base))
	for i, p := range base {
		byKind[p.Kind] = i
	}
	for _, p := range overlay {
		if i, ok := byKind[p.Kind]; ok {
			base[i] = p
			continue
		}
		byKind[p.Kind] = len(base)
		base = append(base, p)
	}
	return base
}
