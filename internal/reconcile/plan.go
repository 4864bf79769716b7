package reconcile

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Free-text fragment bounds
const (
	MinStepLen = 4
	MaxStepLen = 140
	MaxSteps   = 25
)

// PlanInput is what a single event offers for plan derivation
type PlanInput struct {
	// Steps is an explicit ordered list from the payload
	Steps []string
	// Text is free-form plan text from the payload
	Text string
	// Actions is the distinct action history for the task so far
	Actions []string
	// Current is the tier that produced the plan so far, PlanNone if none
	Current PlanSource
}

// PlanStrategy derives steps from an input, or returns nil to defer to the
// next strategy
type PlanStrategy struct {
	Name   string
	Source PlanSource
	Derive func(PlanInput) []string
}

// PlanStrategies are tried in order; the first non-empty result wins
var PlanStrategies = []PlanStrategy{
	{Name: "explicit", Source: PlanExplicit, Derive: explicitSteps},
	{Name: "text", Source: PlanText, Derive: textSteps},
	{Name: "actions", Source: PlanActions, Derive: actionSteps},
}

// DerivePlan returns the next plan given prev, which was produced by
// in.Current. Tiers below in.Current are never consulted. A derivation from
// the same tier never has fewer entries than prev: a shorter one replaces
// the head and keeps the tail of prev. A higher tier replaces prev
// verbatim. The source is PlanNone when no eligible strategy produced
// steps, in which case prev is returned unchanged.
func DerivePlan(in PlanInput, prev []string) ([]string, PlanSource) {
	for _, s := range PlanStrategies {
		if in.Current != PlanNone && s.Source > in.Current {
			break
		}
		steps := s.Derive(in)
		if len(steps) == 0 {
			continue
		}
		if s.Source == in.Current {
			return mergePlan(prev, steps), s.Source
		}
		return steps, s.Source
	}
	return prev, PlanNone
}

func mergePlan(prev, next []string) []string {
	out := make([]string, 0, max(len(prev), len(next)))
	out = append(out, next...)
	if len(prev) > len(next) {
		out = append(out, prev[len(next):]...)
	}
	return out
}

func explicitSteps(in PlanInput) []string {
	out := make([]string, 0, len(in.Steps))
	for _, s := range in.Steps {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// listMarker matches numbered ("1." / "2)") and bullet ("-", "•", "*") markers
// at the start of a line or after whitespace
var listMarker = regexp.MustCompile(`(?:^|\s)(?:\d+[.)]|[-•*])\s+`)

// SplitPlanText splits free text on newlines and list markers, keeping
// fragments of MinStepLen..MaxStepLen runes, at most MaxSteps of them
func SplitPlanText(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		for _, frag := range listMarker.Split(line, -1) {
			frag = strings.TrimSpace(frag)
			n := utf8.RuneCountInString(frag)
			if n < MinStepLen || n > MaxStepLen {
				continue
			}
			out = append(out, frag)
			if len(out) == MaxSteps {
				return out
			}
		}
	}
	return out
}

func textSteps(in PlanInput) []string {
	if strings.TrimSpace(in.Text) == "" {
		return nil
	}
	return SplitPlanText(in.Text)
}

func actionSteps(in PlanInput) []string {
	return dedupe(in.Actions)
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
