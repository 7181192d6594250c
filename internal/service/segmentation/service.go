// Package segmentation evaluates profiles against configurable rule
// chains and publishes membership diffs so downstream systems (CRM sync,
// marketing automation) can react in near-real-time.
package segmentation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/domain/profile"
)

// SegmentChange is the membership diff published to the segment changes
// topic. Added and removed are sorted.
type SegmentChange struct {
	ProfileID       string    `json:"profile_id"`
	SegmentsAdded   []string  `json:"segments_added"`
	SegmentsRemoved []string  `json:"segments_removed"`
	Timestamp       time.Time `json:"timestamp"`
}

// Publisher is the bus slice used to emit membership diffs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload interface{}) error
}

// Service evaluates rule-based segment membership.
type Service interface {
	// AddRule registers a runtime segment definition. The rule chain is
	// validated before registration.
	AddRule(name string, rule Rule) error

	// Evaluate returns the segment names the profile currently qualifies
	// for and publishes a change event when membership differs from the
	// rule-derived segments stored on the profile. Engagement-band
	// segments are outside the rule set and never reported as changes.
	Evaluate(ctx context.Context, p *profile.Profile) ([]string, error)
}

type definition struct {
	name string
	rule Rule
}

type service struct {
	logger      *zap.Logger
	publisher   Publisher
	changeTopic string

	mu    sync.RWMutex
	rules []definition
	names map[string]bool
}

var _ Service = (*service)(nil)

// NewService builds the engine with the built-in definitions registered.
// Membership diffs are published to changeTopic.
func NewService(logger *zap.Logger, publisher Publisher, changeTopic string) Service {
	s := &service{
		logger:      logger,
		publisher:   publisher,
		changeTopic: changeTopic,
		names:       make(map[string]bool),
	}
	for _, d := range builtinDefinitions() {
		s.rules = append(s.rules, d)
		s.names[d.name] = true
	}
	logger.Info("loaded built-in segment rules", zap.Int("count", len(s.rules)))
	return s
}

func builtinDefinitions() []definition {
	return []definition{
		{
			name: "high_intent_prospect",
			rule: Rule{
				Field: "interaction_summary.total_events", Operator: ">=", Value: 3,
				And: &Rule{Field: "enrollment_status", Operator: "==", Value: "inquiry"},
			},
		},
		{
			name: "at_risk_student",
			rule: Rule{
				Field: "days_since_last_login", Operator: ">=", Value: 14,
				And: &Rule{Field: "enrollment_status", Operator: "==", Value: "active"},
			},
		},
		{
			name: "engaged_learner",
			rule: Rule{Field: "interaction_summary.total_events", Operator: ">=", Value: 5},
		},
		{
			name: "mba_interested",
			rule: Rule{
				Field: "viewed_mba_page", Operator: "==", Value: true,
				And: &Rule{Field: "downloaded_brochure", Operator: "==", Value: true},
			},
		},
	}
}

func (s *service) AddRule(name string, rule Rule) error {
	if name == "" {
		return fmt.Errorf("registering segment rule: name must not be empty")
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("registering segment rule %q: %w", name, err)
	}

	s.mu.Lock()
	s.rules = append(s.rules, definition{name: name, rule: rule})
	s.names[name] = true
	s.mu.Unlock()

	s.logger.Info("segment rule added", zap.String("segment", name))
	return nil
}

func (s *service) Evaluate(ctx context.Context, p *profile.Profile) ([]string, error) {
	doc, err := documentOf(p)
	if err != nil {
		return nil, fmt.Errorf("flattening profile %s: %w", p.ID, err)
	}

	s.mu.RLock()
	matched := s.matchedNames(doc)
	previous := s.storedRuleSegments(p)
	s.mu.RUnlock()

	added, removed := diff(matched, previous)
	if len(added) == 0 && len(removed) == 0 {
		return matched, nil
	}

	change := SegmentChange{
		ProfileID:       p.ID,
		SegmentsAdded:   added,
		SegmentsRemoved: removed,
		Timestamp:       profile.Now(),
	}
	if err := s.publisher.Publish(ctx, s.changeTopic, p.ID, change); err != nil {
		return matched, fmt.Errorf("publishing segment change for %s: %w", p.ID, err)
	}

	s.logger.Info("segment membership changed",
		zap.String("profile_id", p.ID),
		zap.Strings("added", added),
		zap.Strings("removed", removed))

	return matched, nil
}

// matchedNames evaluates every definition in registration order. Callers
// hold the read lock.
func (s *service) matchedNames(doc map[string]interface{}) []string {
	var matched []string
	seen := make(map[string]bool, len(s.rules))
	for _, d := range s.rules {
		if seen[d.name] {
			continue
		}
		if s.evalRule(doc, &d.rule) {
			matched = append(matched, d.name)
			seen[d.name] = true
		}
	}
	return matched
}

// storedRuleSegments filters the profile's segments down to names in the
// rule set, so engagement bands and other writers' segments are never
// part of the diff. Callers hold the read lock.
func (s *service) storedRuleSegments(p *profile.Profile) []string {
	var stored []string
	for _, name := range p.Segments {
		if s.names[name] {
			stored = append(stored, name)
		}
	}
	return stored
}

func (s *service) evalRule(doc map[string]interface{}, r *Rule) bool {
	for link := r; link != nil; link = link.And {
		actual := resolveField(doc, link.Field)
		if actual == nil {
			return false
		}
		if !operators[link.Operator] {
			s.logger.Warn("unknown operator in segment rule",
				zap.String("operator", link.Operator),
				zap.String("field", link.Field))
			return false
		}
		if !compare(actual, link.Operator, link.Value) {
			return false
		}
	}
	return true
}

// documentOf flattens the profile to its JSON document and attaches
// days_since_last_login, which rule authors reference but the stored
// document derives from the last interaction.
func documentOf(p *profile.Profile) (map[string]interface{}, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if last := p.InteractionSummary.LastInteractionAt; last != nil {
		days := math.Floor(profile.Now().Sub(*last).Hours() / 24)
		if days < 0 {
			days = 0
		}
		doc["days_since_last_login"] = days
	}
	return doc, nil
}

func diff(matched, previous []string) (added, removed []string) {
	current := make(map[string]bool, len(matched))
	for _, name := range matched {
		current[name] = true
	}
	before := make(map[string]bool, len(previous))
	for _, name := range previous {
		before[name] = true
	}

	for name := range current {
		if !before[name] {
			added = append(added, name)
		}
	}
	for name := range before {
		if !current[name] {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
