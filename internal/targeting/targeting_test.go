package targeting

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	t.Run("nil rules match", func(t *testing.T) {
		assert.True(t, Matches(nil, Context{}))
		assert.True(t, Matches(map[string]any{}, Context{Platform: "ios"}))
	})

	t.Run("platform list", func(t *testing.T) {
		rules := map[string]any{"platform": []any{"ios"}}
		assert.True(t, Matches(rules, Context{Platform: "ios"}))
		assert.False(t, Matches(rules, Context{Platform: "android"}))
		assert.False(t, Matches(rules, Context{}), "missing platform rejects")
	})

	t.Run("platform scalar", func(t *testing.T) {
		rules := map[string]any{"platform": "android"}
		assert.True(t, Matches(rules, Context{Platform: "android"}))
		assert.False(t, Matches(rules, Context{Platform: "ios"}))
	})

	t.Run("version bounds", func(t *testing.T) {
		rules := map[string]any{
			"min_app_version": "1.0.0",
			"max_app_version": "2.0.0",
		}
		assert.True(t, Matches(rules, Context{AppVersion: "1.2"}), "coerced 1.2 -> 1.2.0 inside bounds")
		assert.True(t, Matches(rules, Context{AppVersion: "2.0.0"}))
		assert.False(t, Matches(rules, Context{AppVersion: "2.0.1"}))
		assert.False(t, Matches(rules, Context{AppVersion: "0.9"}))
		assert.False(t, Matches(rules, Context{}), "missing version rejects")
		assert.False(t, Matches(rules, Context{AppVersion: "not-a-version"}))
	})

	t.Run("min only", func(t *testing.T) {
		rules := map[string]any{"min_app_version": "1.3.0"}
		assert.False(t, Matches(rules, Context{AppVersion: "1.2"}))
		assert.True(t, Matches(rules, Context{AppVersion: "1.3"}))
	})

	t.Run("unknown keys ignored", func(t *testing.T) {
		rules := map[string]any{"country": "DE", "platform": []any{"ios"}}
		assert.True(t, Matches(rules, Context{Platform: "ios"}))
	})

	t.Run("combined predicates are ANDed", func(t *testing.T) {
		rules := map[string]any{
			"platform":        []any{"ios", "android"},
			"min_app_version": "1.0",
		}
		assert.True(t, Matches(rules, Context{Platform: "android", AppVersion: "1.0"}))
		assert.False(t, Matches(rules, Context{Platform: "android", AppVersion: "0.9"}))
		assert.False(t, Matches(rules, Context{Platform: "web", AppVersion: "1.5"}))
	})
}

func TestCoerce(t *testing.T) {
	assert.Equal(t, "v1.2.0", coerce("1.2"))
	assert.Equal(t, "v1.2.3", coerce("v1.2.3-beta"))
	assert.Equal(t, "v0.1.0", coerce("0.1"))
	assert.Equal(t, "v2.0.0", coerce(" 2 "))
	assert.Equal(t, "", coerce("garbage"))
	assert.Equal(t, "", coerce(""))
}
