package gates

import (
	"strings"

	"github.com/fyrsmithlabs/qualityd/internal/analysis"
	"github.com/fyrsmithlabs/qualityd/internal/session"
)

// valueKind tags a resolved field value.
type valueKind int

const (
	kindAbsent valueKind = iota
	kindNumber
	kindString
	kindStringSet
	kindDimensions
	kindPatterns
)

// fieldValue is the typed result of a field-path lookup. Conditions match
// against it without reflection; an absent value never satisfies a
// condition.
type fieldValue struct {
	kind valueKind
	num  float64
	str  string
	set  []string
	dims []analysis.Dimension
	pats []analysis.Pattern
}

func absent() fieldValue                          { return fieldValue{kind: kindAbsent} }
func number(v float64) fieldValue                 { return fieldValue{kind: kindNumber, num: v} }
func str(v string) fieldValue                     { return fieldValue{kind: kindString, str: v} }
func stringSet(v []string) fieldValue             { return fieldValue{kind: kindStringSet, set: v} }
func dimensions(v []analysis.Dimension) fieldValue {
	return fieldValue{kind: kindDimensions, dims: v}
}
func patterns(v []analysis.Pattern) fieldValue { return fieldValue{kind: kindPatterns, pats: v} }

// resolveFieldPath maps a dot path onto the analysis result or session
// record. Unknown roots or leaves resolve to absent rather than erroring,
// so a malformed gate definition degrades to "condition not met".
func resolveFieldPath(path string, a *analysis.Analysis, state *session.State) fieldValue {
	const (
		analysisPrefix = "analysis."
		sessionPrefix  = "session_state."
	)

	switch {
	case strings.HasPrefix(path, analysisPrefix):
		return resolveAnalysisField(strings.TrimPrefix(path, analysisPrefix), a)
	case strings.HasPrefix(path, sessionPrefix):
		return resolveSessionField(strings.TrimPrefix(path, sessionPrefix), state)
	default:
		return absent()
	}
}

func resolveAnalysisField(leaf string, a *analysis.Analysis) fieldValue {
	if a == nil {
		return absent()
	}

	switch leaf {
	case "quality_score":
		return number(a.QualityScore)
	case "conversation_length":
		return number(float64(a.ConversationLength))
	case "user_message_count":
		return number(float64(a.UserMessageCount))
	case "assistant_message_count":
		return number(float64(a.AssistantMessageCount))
	case "activity_level":
		return number(a.ActivityLevel)
	case "user_expertise_assessment":
		return str(string(a.Expertise))
	case "domain_context":
		return str(a.DomainContext)
	case "detected_signals":
		set := make([]string, 0, len(a.Signals))
		for _, s := range a.Signals {
			set = append(set, string(s))
		}
		return stringSet(set)
	case "quality_dimensions":
		return dimensions(a.Dimensions)
	case "identified_patterns":
		return patterns(a.Patterns)
	default:
		return absent()
	}
}

func resolveSessionField(leaf string, state *session.State) fieldValue {
	if state == nil {
		return absent()
	}

	switch leaf {
	case "current_quality_score":
		return number(state.CurrentQualityScore)
	case "analysis_cycles":
		return number(float64(state.AnalysisCycles))
	case "total_interventions":
		return number(float64(state.TotalInterventions))
	case "owner_id":
		return str(state.OwnerID)
	case "sensitive_data_flags":
		return stringSet(state.SensitiveDataFlags)
	default:
		return absent()
	}
}

// asFloat extracts a numeric threshold from the loosely-typed forms YAML
// and literal definitions produce.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// asDimensionThreshold accepts either the concrete struct or the
// map shape a YAML gate file decodes to.
func asDimensionThreshold(v any) (DimensionThreshold, bool) {
	switch t := v.(type) {
	case DimensionThreshold:
		return t, true
	case map[string]any:
		dim, _ := t["dimension"].(string)
		score, ok := asFloat(t["score"])
		if dim == "" || !ok {
			return DimensionThreshold{}, false
		}
		return DimensionThreshold{Dimension: dim, Score: score}, true
	default:
		return DimensionThreshold{}, false
	}
}
