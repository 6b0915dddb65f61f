package store

import (
	"encoding/json"
	"sort"
	"strings"
)

// List columns hold JSON arrays, so items may contain commas
func encodeList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func decodeList(s string) []string {
	out := []string{}
	var items []string
	if s == "" || json.Unmarshal([]byte(s), &items) != nil {
		return out
	}
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func sortCounts(counts []Count) {
	sort.SliceStable(counts, func(i, j int) bool {
		if counts[i].Events != counts[j].Events {
			return counts[i].Events > counts[j].Events
		}
		return counts[i].Name < counts[j].Name
	})
}
