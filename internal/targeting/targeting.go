package targeting

import (
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// Context is the request-side input to targeting evaluation.
type Context struct {
	Platform   string
	AppVersion string
}

var versionCore = regexp.MustCompile(`\d+(\.\d+)?(\.\d+)?`)

// coerce normalizes loose version strings ("1.2", "v1.2.3-beta") into a
// canonical "vMAJOR.MINOR.PATCH" accepted by x/mod/semver. Returns ""
// when no numeric core can be extracted.
func coerce(version string) string {
	core := versionCore.FindString(strings.TrimSpace(version))
	if core == "" {
		return ""
	}
	parts := strings.Split(core, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	v := "v" + strings.Join(parts[:3], ".")
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

// Matches reports whether the targeting rules admit the given context.
// A nil or empty rule set matches everything. Supported predicates are
// AND-combined: "platform" (string or list) and
// "min_app_version"/"max_app_version" (semver bounds after coercion).
// Unknown keys are ignored for forward compatibility.
func Matches(rules map[string]any, ctx Context) bool {
	if len(rules) == 0 {
		return true
	}

	if raw, ok := rules["platform"]; ok {
		if !platformAllowed(raw, ctx.Platform) {
			return false
		}
	}

	if raw, ok := rules["min_app_version"]; ok {
		minRule, okStr := raw.(string)
		if !okStr || ctx.AppVersion == "" {
			return false
		}
		current, minVersion := coerce(ctx.AppVersion), coerce(minRule)
		if current == "" || minVersion == "" || semver.Compare(current, minVersion) < 0 {
			return false
		}
	}

	if raw, ok := rules["max_app_version"]; ok {
		maxRule, okStr := raw.(string)
		if !okStr || ctx.AppVersion == "" {
			return false
		}
		current, maxVersion := coerce(ctx.AppVersion), coerce(maxRule)
		if current == "" || maxVersion == "" || semver.Compare(current, maxVersion) > 0 {
			return false
		}
	}

	return true
}

func platformAllowed(rule any, platform string) bool {
	if platform == "" {
		return false
	}
	allowed := make([]string, 0, 2)
	switch v := rule.(type) {
	case string:
		allowed = append(allowed, v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				allowed = append(allowed, s)
			}
		}
	case []string:
		allowed = v
	default:
		return false
	}
	if len(allowed) == 0 {
		return false
	}
	for _, p := range allowed {
		if p == platform {
			return true
		}
	}
	return false
}
