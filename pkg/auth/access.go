// Copyright 2024 The pushgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import "strings"

// TopicRule grants subscribe access to topics matching a pattern. Patterns
// use dot-separated segments with "*" matching one segment and a trailing
// "#" matching any remainder, e.g. "metrics.*" or "alerts.#". An empty
// UserIDs list applies the rule to every user.
type TopicRule struct {
	Pattern string   `json:"pattern" yaml:"pattern"`
	UserIDs []string `json:"user_ids,omitempty" yaml:"user_ids,omitempty"`
}

// RuleController is an allow-list access policy for topic subscriptions.
// When no rule matches a topic, the default decision applies.
type RuleController struct {
	rules        []TopicRule
	defaultAllow bool
}

// NewRuleController creates a policy from a rule list. defaultAllow decides
// topics no rule covers.
func NewRuleController(rules []TopicRule, defaultAllow bool) *RuleController {
	return &RuleController{
		rules:        rules,
		defaultAllow: defaultAllow,
	}
}

// Allow reports whether the user may subscribe to the topic.
func (c *RuleController) Allow(userID, topic string) bool {
	matched := false
	for _, rule := range c.rules {
		if !MatchTopic(rule.Pattern, topic) {
			continue
		}
		matched = true
		if len(rule.UserIDs) == 0 {
			return true
		}
		for _, id := range rule.UserIDs {
			if id == userID {
				return true
			}
		}
	}
	if matched {
		// Some rule covers the topic but none names this user.
		return false
	}
	return c.defaultAllow
}

// MatchTopic checks whether a topic matches a pattern. Segments are
// separated by dots; "*" matches exactly one segment and "#", valid only
// as the final segment, matches any non-empty remainder.
func MatchTopic(pattern, topic string) bool {
	patternSegments := strings.Split(pattern, ".")
	topicSegments := strings.Split(topic, ".")

	for i, ps := range patternSegments {
		if ps == "#" {
			return i == len(patternSegments)-1 && i < len(topicSegments)
		}
		if i >= len(topicSegments) {
			return false
		}
		if ps != "*" && ps != topicSegments[i] {
			return false
		}
	}
	return len(topicSegments) == len(patternSegments)
}
