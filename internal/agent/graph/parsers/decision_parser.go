package parsers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lily-agent/server/internal/agent/model"
	errx "github.com/lily-agent/server/internal/core/error"
	logx "github.com/lily-agent/server/pkg/logger"
)

// basic safety limits to avoid pathological inputs
const (
	maxContentLen = 64 * 1024 // 64KB
	maxErrSnippet = 200       // limit error snippet size
)

// ParseRouteDecision validates a router oracle response against the closed
// route enum. The oracle is asked for a JSON object {"route": "..."} but may
// wrap it in code fences or prose; we extract the first JSON object and
// reject anything outside the allowed set.
func ParseRouteDecision(content string) (model.RouteDecision, error) {
	var out model.RouteDecision

	obj, err := extractJSONObject(content)
	if err != nil {
		return out, errx.WrapMalformed(err)
	}

	var raw struct {
		Route string `json:"route"`
	}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return out, errx.WrapMalformed(fmt.Errorf("route decision json: %v (%s)", err, safeSnippet(content)))
	}

	route, ok := model.ParseRoute(strings.ToLower(strings.TrimSpace(raw.Route)))
	if !ok {
		return out, errx.WrapMalformed(fmt.Errorf("route %q outside allowed set (%s)", raw.Route, safeSnippet(content)))
	}

	out.Route = route
	return out, nil
}

// ParseSufficiencyVerdict validates a judge oracle response. Expected shape:
// {"sufficient": bool, "escalate_to_web": bool}.
func ParseSufficiencyVerdict(content string) (model.SufficiencyVerdict, error) {
	var out model.SufficiencyVerdict

	obj, err := extractJSONObject(content)
	if err != nil {
		return out, errx.WrapMalformed(err)
	}

	// Decode into pointers so a missing field is distinguishable from false.
	var raw struct {
		Sufficient    *bool `json:"sufficient"`
		EscalateToWeb *bool `json:"escalate_to_web"`
	}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return out, errx.WrapMalformed(fmt.Errorf("verdict json: %v (%s)", err, safeSnippet(content)))
	}
	if raw.Sufficient == nil {
		return out, errx.WrapMalformed(fmt.Errorf("verdict missing sufficient field (%s)", safeSnippet(content)))
	}

	out.Sufficient = *raw.Sufficient
	if raw.EscalateToWeb != nil {
		out.EscalateToWeb = *raw.EscalateToWeb
	}
	return out, nil
}

// DefaultRoute is the single safe-default policy for router failures: fail
// open toward producing some reply rather than stalling the turn.
func DefaultRoute() model.Route {
	return model.RouteAnswer
}

// DefaultVerdict is the single safe-default policy for judge failures: fail
// toward gathering more evidence, never toward silently answering without it.
func DefaultVerdict() model.SufficiencyVerdict {
	return model.SufficiencyVerdict{Sufficient: false, EscalateToWeb: true}
}

// RouteOrDefault parses a router response, falling back to DefaultRoute on
// any malformed output. The fallback is logged, never silent.
func RouteOrDefault(content string) model.Route {
	decision, err := ParseRouteDecision(content)
	if err != nil {
		logx.Warn().Err(err).Str("component", "decision_parser").Msg("router output rejected, using safe default route")
		return DefaultRoute()
	}
	return decision.Route
}

// VerdictOrDefault parses a judge response, falling back to DefaultVerdict on
// any malformed output.
func VerdictOrDefault(content string) model.SufficiencyVerdict {
	verdict, err := ParseSufficiencyVerdict(content)
	if err != nil {
		logx.Warn().Err(err).Str("component", "decision_parser").Msg("judge output rejected, using safe default verdict")
		return DefaultVerdict()
	}
	return verdict
}

// extractJSONObject pulls the first top-level {...} object out of content,
// tolerating markdown code fences and surrounding prose.
func extractJSONObject(content string) (string, error) {
	if content == "" {
		return "", fmt.Errorf("empty oracle output")
	}
	if len(content) > maxContentLen {
		content = content[:maxContentLen]
	}

	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no json object found (%s)", safeSnippet(content))
	}
	return s[start : end+1], nil
}

// safeSnippet truncates content for error messages.
func safeSnippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrSnippet {
		return s[:maxErrSnippet] + "..."
	}
	return s
}
