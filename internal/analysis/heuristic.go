package analysis

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// HeuristicAnalyzer is a regex-and-counting reference implementation of
// Analyzer. It scans conversation messages for engagement, confusion,
// frustration, clarification, and success signals, derives behavioral
// patterns from message/tool/goal structure, and scores quality across a
// fixed set of dimensions. Hosts with a real analysis backend should
// inject their own Analyzer instead.
type HeuristicAnalyzer struct {
	positive      []*regexp.Regexp
	confusion     []*regexp.Regexp
	frustration   []*regexp.Regexp
	clarification []*regexp.Regexp
	success       []*regexp.Regexp
}

// NewHeuristicAnalyzer creates a heuristic analyzer with compiled
// signal patterns.
func NewHeuristicAnalyzer() *HeuristicAnalyzer {
	compile := func(exprs ...string) []*regexp.Regexp {
		out := make([]*regexp.Regexp, 0, len(exprs))
		for _, e := range exprs {
			out = append(out, regexp.MustCompile(e))
		}
		return out
	}

	return &HeuristicAnalyzer{
		positive: compile(
			`(?i)\b(thank you|thanks|great|perfect|exactly|awesome|helpful)\b`,
			`(?i)\b(works|working|solved|fixed|success)\b`,
			`(?i)(that helps|much better|makes sense)\b`,
		),
		confusion: compile(
			`(?i)\b(confused|don't understand|unclear|not sure|what do you mean)\b`,
			`(?i)\b(how do i|what is|can you explain|i don't get)\b`,
			`(?i)(\?\?\?|huh\?|what\?)`,
		),
		frustration: compile(
			`(?i)\b(frustrated|annoying|not working|broken|error)\b`,
			`(?i)\b(tried everything|nothing works|still failing)\b`,
			`(?i)(this is ridiculous|waste of time)`,
		),
		clarification: compile(
			`(?i)\b(can you clarify|what exactly|more specific|elaborate)\b`,
			`(?i)\b(show me|example|demonstrate|walk me through)\b`,
		),
		success: compile(
			`(?i)\b(it works|working now|fixed|resolved|completed)\b`,
			`(?i)\b(goal achieved|task done|mission accomplished)\b`,
		),
	}
}

// Initialize implements Analyzer. The heuristic analyzer has no external
// resources to prepare.
func (h *HeuristicAnalyzer) Initialize(ctx context.Context) error { return nil }

// Close implements Analyzer.
func (h *HeuristicAnalyzer) Close() error { return nil }

// Analyze implements Analyzer.
func (h *HeuristicAnalyzer) Analyze(ctx context.Context, conversationContext map[string]any) (*Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs := extractMessages(conversationContext)
	userMsgs := filterByRole(msgs, "user")
	assistantMsgs := filterByRole(msgs, "assistant")

	signals := h.detectSignals(joinContents(msgs))
	patterns := detectPatterns(conversationContext, msgs, userMsgs)
	score, dims := assessQuality(conversationContext, signals, patterns, userMsgs)

	return &Analysis{
		Timestamp:             time.Now(),
		ConversationLength:    len(msgs),
		UserMessageCount:      len(userMsgs),
		AssistantMessageCount: len(assistantMsgs),
		QualityScore:          score,
		Dimensions:            dims,
		Patterns:              patterns,
		Signals:               signals,
		ActivityLevel:         activityLevel(msgs),
		Expertise:             assessExpertise(userMsgs),
		DomainContext:         stringValue(conversationContext, "domain"),
	}, nil
}

// detectSignals scans text against each compiled pattern group.
func (h *HeuristicAnalyzer) detectSignals(text string) []Signal {
	var signals []Signal
	check := func(patterns []*regexp.Regexp, s Signal) {
		for _, p := range patterns {
			if p.MatchString(text) {
				signals = append(signals, s)
				return
			}
		}
	}

	check(h.positive, SignalPositiveEngagement)
	check(h.confusion, SignalConfusionIndicator)
	check(h.frustration, SignalFrustration)
	check(h.clarification, SignalClarificationRequest)
	check(h.success, SignalSuccessConfirmation)

	return signals
}

// message is the loosely-typed shape hosts supply under "messages".
type message struct {
	role    string
	content string
}

func extractMessages(conversationContext map[string]any) []message {
	raw, ok := conversationContext["messages"].([]any)
	if !ok {
		return nil
	}

	msgs := make([]message, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		msgs = append(msgs, message{role: role, content: content})
	}
	return msgs
}

func filterByRole(msgs []message, role string) []message {
	var out []message
	for _, m := range msgs {
		if m.role == role {
			out = append(out, m)
		}
	}
	return out
}

func joinContents(msgs []message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.content)
	}
	return strings.Join(parts, "\n")
}

func stringValue(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// detectPatterns derives behavioral patterns from message structure, tool
// usage, and goal completion state.
func detectPatterns(conversationContext map[string]any, msgs, userMsgs []message) []Pattern {
	var patterns []Pattern

	// Question-heavy conversations suggest the user needs more proactive
	// guidance.
	if len(msgs) >= 3 && len(userMsgs) > 0 {
		questions := 0
		var examples []string
		for _, m := range userMsgs {
			if strings.Contains(m.content, "?") {
				questions++
				if len(examples) < 3 {
					examples = append(examples, truncate(m.content, 100))
				}
			}
		}
		if float64(questions) > float64(len(userMsgs))*0.7 {
			patterns = append(patterns, Pattern{
				Type:        "high_question_frequency",
				Description: "user asking many questions, might need more proactive guidance",
				Frequency:   questions,
				Confidence:  0.8,
				ImpactLevel: "medium",
				Examples:    examples,
			})
		}
	}

	// Learning-focused conversations.
	if len(userMsgs) > 0 {
		learningWords := []string{"how", "why", "what", "explain", "understand", "learn"}
		learning := 0
		for _, m := range userMsgs {
			lower := strings.ToLower(m.content)
			for _, w := range learningWords {
				if strings.Contains(lower, w) {
					learning++
					break
				}
			}
		}
		if float64(learning) > float64(len(userMsgs))*0.5 {
			patterns = append(patterns, Pattern{
				Type:        "learning_focused",
				Description: "user is in learning mode, focus on educational responses",
				Frequency:   learning,
				Confidence:  0.8,
				ImpactLevel: "medium",
				Metadata:    map[string]any{"learning_intensity": float64(learning) / float64(len(userMsgs))},
			})
		}
	}

	// Tool overuse: one tool dominating usage.
	if usage, ok := conversationContext["tool_usage"].([]any); ok && len(usage) > 0 {
		counts := map[string]int{}
		for _, entry := range usage {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["tool_name"].(string)
			if name == "" {
				name = "unknown"
			}
			counts[name]++
		}
		for name, count := range counts {
			if float64(count) > float64(len(usage))*0.4 {
				patterns = append(patterns, Pattern{
					Type:        "tool_overuse",
					Description: "heavy reliance on " + name + " tool",
					Frequency:   count,
					Confidence:  0.8,
					ImpactLevel: "medium",
					Metadata: map[string]any{
						"tool_name":        name,
						"usage_percentage": float64(count) / float64(len(usage)),
					},
				})
			}
		}
	}

	// Goal stagnation: many goals started, few completed.
	if goals, ok := conversationContext["goals"].([]any); ok && len(goals) > 3 {
		completed := 0
		for _, entry := range goals {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if status, _ := m["status"].(string); status == "completed" {
				completed++
			}
		}
		rate := float64(completed) / float64(len(goals))
		if rate < 0.3 {
			patterns = append(patterns, Pattern{
				Type:        "low_goal_completion",
				Description: "many goals started but few completed",
				Frequency:   len(goals) - completed,
				Confidence:  0.9,
				ImpactLevel: "high",
				Metadata:    map[string]any{"completion_rate": rate},
			})
		}
	}

	return patterns
}

// assessQuality scores fixed quality dimensions from detected signals and
// patterns, returning the overall mean and the per-dimension breakdown.
func assessQuality(conversationContext map[string]any, signals []Signal, patterns []Pattern, userMsgs []message) (float64, []Dimension) {
	has := func(s Signal) bool {
		for _, got := range signals {
			if got == s {
				return true
			}
		}
		return false
	}
	hasPattern := func(t string) bool {
		for _, p := range patterns {
			if p.Type == t {
				return true
			}
		}
		return false
	}

	clarity := 0.7
	if has(SignalConfusionIndicator) {
		clarity -= 0.3
	}
	if has(SignalClarificationRequest) {
		clarity -= 0.2
	}
	if hasPattern("repeated_requests") {
		clarity -= 0.2
	}
	if has(SignalPositiveEngagement) {
		clarity += 0.1
	}

	effectiveness := 0.7
	if goals, ok := conversationContext["goals"].([]any); ok && len(goals) > 0 {
		completed := 0
		for _, entry := range goals {
			if m, ok := entry.(map[string]any); ok {
				if status, _ := m["status"].(string); status == "completed" {
					completed++
				}
			}
		}
		effectiveness = float64(completed) / float64(len(goals))
	}
	if has(SignalSuccessConfirmation) {
		effectiveness += 0.2
	}
	if has(SignalFrustration) {
		effectiveness -= 0.3
	}

	engagement := 0.6
	if len(userMsgs) > 0 {
		total := 0
		for _, m := range userMsgs {
			total += len(m.content)
		}
		avg := float64(total) / float64(len(userMsgs))
		if avg > 100 {
			engagement += 0.2
		} else if avg < 20 {
			engagement -= 0.1
		}
	}
	if has(SignalPositiveEngagement) {
		engagement += 0.2
	}
	if hasPattern("learning_focused") {
		engagement += 0.1
	}

	efficiency := 0.7
	if hasPattern("tool_overuse") {
		efficiency -= 0.2
	}
	if has(SignalWorkflowEfficiency) {
		efficiency += 0.2
	}

	dims := []Dimension{
		{Name: "clarity", Score: clamp01(clarity)},
		{Name: "effectiveness", Score: clamp01(effectiveness)},
		{Name: "engagement", Score: clamp01(engagement)},
		{Name: "efficiency", Score: clamp01(efficiency)},
	}

	sum := 0.0
	for _, d := range dims {
		sum += d.Score
	}
	return clamp01(sum / float64(len(dims))), dims
}

// activityLevel scales with recent message volume; baseline 1.0, capped
// so the adaptive cycle delay never collapses to zero.
func activityLevel(msgs []message) float64 {
	level := 1.0 + float64(len(msgs))/20.0
	if level > 2.0 {
		level = 2.0
	}
	return level
}

func assessExpertise(userMsgs []message) ExpertiseLevel {
	if len(userMsgs) == 0 {
		return ExpertiseUnknown
	}
	learning := 0
	for _, m := range userMsgs {
		lower := strings.ToLower(m.content)
		if strings.Contains(lower, "how do i") || strings.Contains(lower, "what is") {
			learning++
		}
	}
	if float64(learning) > float64(len(userMsgs))*0.5 {
		return ExpertiseBeginner
	}
	return ExpertiseIntermediate
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
