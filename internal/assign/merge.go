package assign

// DeepMerge folds override onto base and returns a new map. Nested
// objects merge recursively key-by-key; scalars and arrays from the
// override replace the base value wholesale (arrays are never
// concatenated); keys absent in the override are preserved.
func DeepMerge(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for key, value := range override {
		switch v := value.(type) {
		case []any:
			copied := make([]any, len(v))
			copy(copied, v)
			result[key] = copied
		case map[string]any:
			if current, ok := result[key].(map[string]any); ok {
				result[key] = DeepMerge(current, v)
			} else {
				result[key] = DeepMerge(map[string]any{}, v)
			}
		default:
			result[key] = value
		}
	}

	return result
}

// BaselineConfig returns the configuration every client receives before
// variant overrides are applied. Callers get a fresh copy; mutating the
// result never leaks into later requests.
func BaselineConfig() map[string]any {
	return map[string]any{
		"navigation": map[string]any{
			"default_landing_tab": "workouts",
		},
		"workouts": map[string]any{
			"preload_default_plan": false,
		},
		"creatures": map[string]any{
			"recommended_creature_id": nil,
		},
		"achievements": map[string]any{
			"ui_mode": "baseline",
		},
	}
}
