package enrich

import "github.com/AyaanMahimwala/RTT-Reader/internal/domain"

var stringList = map[string]any{
	"type":  "array",
	"items": map[string]any{"type": "string"},
}

// discoverySchema: {"<event_id>": ["tag", ...], ...}
var discoverySchema = map[string]any{
	"type":                 "object",
	"additionalProperties": stringList,
}

func taxonomySchema(maxCategories int) map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"categories"},
		"properties": map[string]any{
			"categories": map[string]any{
				"type":     "array",
				"minItems": 1,
				"maxItems": maxCategories,
				"items": map[string]any{
					"type":     "object",
					"required": []string{"name", "description", "raw_tags"},
					"properties": map[string]any{
						"name":        map[string]any{"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
						"description": map[string]any{"type": "string"},
						"raw_tags":    stringList,
					},
				},
			},
		},
	}
}

func enrichmentSchema(t *domain.Taxonomy) map[string]any {
	workDepths := []any{nil}
	for _, w := range domain.WorkDepths {
		workDepths = append(workDepths, string(w))
	}
	moods := []any{nil}
	for _, m := range domain.Moods {
		moods = append(moods, string(m))
	}

	return map[string]any{
		"type": "array",
		"items": map[string]any{
			"type": "object",
			"required": []string{
				"event_id", "sub_activities", "people", "locations",
				"categories", "is_productive", "is_wasted_time",
			},
			"properties": map[string]any{
				"event_id": map[string]any{"type": "string", "minLength": 1},
				"sub_activities": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items":    map[string]any{"type": "string", "minLength": 1},
				},
				"people":    stringList,
				"locations": stringList,
				"categories": map[string]any{
					"type":     "array",
					"minItems": 1,
					"maxItems": 3,
					"items":    map[string]any{"enum": t.Names()},
				},
				"work_depth":     map[string]any{"enum": workDepths},
				"mood":           map[string]any{"enum": moods},
				"is_productive":  map[string]any{"type": "boolean"},
				"is_wasted_time": map[string]any{"type": "boolean"},
			},
		},
	}
}
