package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gameforge/internal/core/domain"
	"gameforge/internal/skills"
)

// maxSelectedSkills bounds prompt size; selections beyond this are dropped.
const maxSelectedSkills = 10

// ExclusionRule declares a style conflict: when the project specification
// declares one of SpecStyles ("*" matches any declared style), skills carrying
// any of ExcludeTags are removed from the selection.
type ExclusionRule struct {
	SpecStyles  []string
	ExcludeTags []string
}

// DefaultExclusionRules drop cute/kawaii-flavored skills whenever the project
// spec pins an explicit art style of its own.
func DefaultExclusionRules() []ExclusionRule {
	return []ExclusionRule{
		{SpecStyles: []string{"*"}, ExcludeTags: []string{"kawaii", "cute"}},
	}
}

// SelectRequest carries the signals skill selection combines.
type SelectRequest struct {
	Message      string
	CurrentCode  string
	IsNewProject bool
	Spec         string
	Dimension    string
}

// SkillSelector chooses a bounded set of generation guidelines for a request.
// The primary pass is AI-assisted; a deterministic keyword heuristic covers
// provider failure or timeout. Output is deduplicated, filtered against the
// known skill set, and capped.
type SkillSelector struct {
	logger  *slog.Logger
	lib     *skills.Library
	gen     textGenerator
	timeout time.Duration
	rules   []ExclusionRule
}

func NewSkillSelector(logger *slog.Logger, lib *skills.Library, gen textGenerator, timeout time.Duration, rules []ExclusionRule) *SkillSelector {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &SkillSelector{logger: logger, lib: lib, gen: gen, timeout: timeout, rules: rules}
}

// Select returns the skill names to include in the generation prompt.
func (s *SkillSelector) Select(ctx context.Context, req SelectRequest) []string {
	known := s.lib.Names()
	if len(known) == 0 {
		return nil
	}

	candidates := s.aiSelect(ctx, req, known)
	if len(candidates) == 0 {
		candidates = s.keywordSelect(req, known)
	}

	candidates = dedupeCap(candidates, maxSelectedSkills)
	return s.applyExclusions(candidates, req.Spec)
}

func (s *SkillSelector) aiSelect(ctx context.Context, req SelectRequest, known []string) []string {
	if s.gen == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	prompt := fmt.Sprintf(`Pick the skills most relevant to this game-editing request.
Known skills: %s
New project: %t
Dimension: %s
Request: %s

Reply with a JSON array of skill names, most relevant first, at most %d entries.`,
		strings.Join(known, ", "), req.IsNewProject, req.Dimension, req.Message, maxSelectedSkills)

	reply, err := s.gen.GenerateText(ctx, prompt)
	if err != nil {
		s.logger.Warn("skill selection provider failed, using keyword fallback", "error", err)
		return nil
	}

	var names []string
	if raw := domain.ExtractJSONArray(reply); raw != "" {
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			s.logger.Warn("skill selection reply unparseable", "error", err)
			return nil
		}
	}

	knownSet := make(map[string]bool, len(known))
	for _, name := range known {
		knownSet[name] = true
	}
	var filtered []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if knownSet[name] {
			filtered = append(filtered, name)
		}
	}
	return filtered
}

// keywordSelect matches skill names, descriptions, and tags against words of
// the request. Deterministic: iterates skills in sorted-name order.
func (s *SkillSelector) keywordSelect(req SelectRequest, known []string) []string {
	haystack := strings.ToLower(req.Message + " " + req.Dimension)
	var matched []string
	for _, name := range known {
		skill, ok := s.lib.Get(name)
		if !ok {
			continue
		}
		if skillMatches(skill, haystack) {
			matched = append(matched, name)
		}
	}
	return matched
}

func skillMatches(skill domain.Skill, haystack string) bool {
	needles := append([]string{skill.Name, skill.Description}, skill.Tags...)
	for _, needle := range needles {
		needle = strings.ToLower(strings.TrimSpace(needle))
		if needle == "" {
			continue
		}
		for _, word := range strings.Fields(needle) {
			if len(word) >= 3 && strings.Contains(haystack, word) {
				return true
			}
		}
	}
	return false
}

// applyExclusions enforces the declarative style-conflict table.
func (s *SkillSelector) applyExclusions(names []string, spec string) []string {
	declared := DetectDeclaredStyle(spec)
	if declared == "" {
		return names
	}

	excluded := make(map[string]bool)
	for _, rule := range s.rules {
		if !rule.matchesStyle(declared) {
			continue
		}
		for _, tag := range rule.ExcludeTags {
			excluded[tag] = true
		}
	}
	if len(excluded) == 0 {
		return names
	}

	kept := names[:0]
	for _, name := range names {
		skill, ok := s.lib.Get(name)
		if ok && hasAnyTag(skill, excluded) {
			s.logger.Info("skill excluded by style conflict",
				"skill", name, "declared_style", declared)
			continue
		}
		kept = append(kept, name)
	}
	return kept
}

func (r ExclusionRule) matchesStyle(declared string) bool {
	for _, style := range r.SpecStyles {
		if style == "*" || strings.EqualFold(style, declared) {
			return true
		}
	}
	return false
}

func hasAnyTag(skill domain.Skill, tags map[string]bool) bool {
	for _, t := range skill.Tags {
		if tags[strings.ToLower(t)] {
			return true
		}
	}
	return false
}

// DetectDeclaredStyle finds an explicit art-style attribute in a project
// specification. Specs declare style as an "art_style:" (or "art style:")
// line; absence means no declared style.
func DetectDeclaredStyle(spec string) string {
	for _, line := range strings.Split(spec, "\n") {
		lower := strings.ToLower(strings.TrimSpace(line))
		for _, prefix := range []string{"art_style:", "art style:", "artstyle:"} {
			if strings.HasPrefix(lower, prefix) {
				return strings.TrimSpace(lower[len(prefix):])
			}
		}
	}
	return ""
}

func dedupeCap(names []string, cap int) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
		if len(out) >= cap {
			break
		}
	}
	return out
}
