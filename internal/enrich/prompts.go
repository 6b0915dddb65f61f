package enrich

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AyaanMahimwala/RTT-Reader/internal/domain"
)

func buildDiscoveryPrompt(batch []domain.RawRecord) string {
	var sb strings.Builder

	sb.WriteString(`For each calendar event summary below, provide 1-3 short activity type tags that describe the activity.
Be specific (e.g., "deep_work" not just "work", "bar_hopping" not just "social", "cooking" not just "food").
Use snake_case for all tags. Keep tags short (1-3 words max).

Respond ONLY with valid JSON mapping event_id to a list of tags:
{"event_id": ["tag1", "tag2"], ...}

Events:
`)
	for i, rec := range batch {
		fmt.Fprintf(&sb, "%d. [%s] %q\n", i+1, rec.ID, rec.Summary)
	}

	return sb.String()
}

func buildConsolidationPrompt(top []TagCount, eventCount, minCategories, maxCategories int) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Here are the most frequent activity tags found across %d calendar events from a personal time-tracking calendar, with frequencies:\n\n", eventCount)
	for _, tc := range top {
		fmt.Fprintf(&sb, "  %s: %d\n", tc.Tag, tc.Count)
	}

	fmt.Fprintf(&sb, `
Group these into a clean taxonomy of %d-%d categories. Each category should be broad enough to be useful for querying but specific enough to be meaningful.

Important guidelines:
- Include a category for wasted/unproductive time (phone scrolling, social media, etc.)
- Distinguish between different types of work (deep work, meetings, side projects)
- Have separate categories for sleep, commute/transit, and personal care/routine
- Include social, family, exercise, food, entertainment, travel, errands, personal growth
- Category names are unique snake_case tokens

Return ONLY valid JSON in this format:
{
  "categories": [
    {
      "name": "category_name",
      "description": "What this category covers",
      "raw_tags": ["tag1", "tag2", "tag3"]
    }
  ]
}`, minCategories, maxCategories)

	return sb.String()
}

func buildEnrichmentSystem(t *domain.Taxonomy) string {
	var sb strings.Builder

	sb.WriteString("You are enriching personal calendar events with structured metadata.\n\n")
	sb.WriteString("CATEGORY TAXONOMY (use ONLY these category names):\n")
	for _, c := range t.Categories {
		tags := c.RawTags
		if len(tags) > 10 {
			tags = tags[:10]
		}
		fmt.Fprintf(&sb, "  - %s: %s (tags: %s)\n", c.Name, c.Description, strings.Join(tags, ", "))
	}

	names, _ := json.Marshal(t.Names())
	fmt.Fprintf(&sb, "\nValid category names: %s\n", names)

	sb.WriteString(`
For each event, extract:
1. sub_activities: Break compound events into individual activities. If the event has commas or multiple activities mentioned, decompose. For simple/atomic events, use a single-item list with the activity.
2. people: Names of specific people mentioned. Use their first name only. Exclude generic references like "friends" or "coworkers" unless a specific name is given.
3. locations: Specific places mentioned (neighborhoods, restaurants, venues, addresses). Not generic ("home" is ok if explicitly stated).
4. categories: 1-3 categories from the taxonomy above that best describe this event.
5. work_depth: "deep", "medium", "shallow", or "meeting" if this is a work event. null otherwise.
6. mood: "positive", "negative", or "neutral" based on the emotional tone. null if no clear signal.
7. is_productive: true if the time was spent intentionally on something valuable (work, exercise, cooking, learning). false for passive consumption or wasted time.
8. is_wasted_time: true if the event clearly represents wasted/unproductive time (social media, phone scrolling, oversleeping).

Respond ONLY with valid JSON: an array of objects in the same order as the events given.`)

	return sb.String()
}

func buildEnrichmentPrompt(batch []domain.RawRecord) string {
	var sb strings.Builder

	sb.WriteString(`Enrich these calendar events. Return a JSON array of objects, one per event, in order.

Each object must have these fields:
- "event_id": string (copy from input)
- "sub_activities": list of strings
- "people": list of strings
- "locations": list of strings
- "categories": list of strings (from taxonomy)
- "work_depth": string or null
- "mood": string or null
- "is_productive": boolean
- "is_wasted_time": boolean

Events:
`)
	for i, rec := range batch {
		fmt.Fprintf(&sb, "%d. event_id=%q | summary=%q | start=%q | end=%q | description=%q | location=%q\n",
			i+1, rec.ID, rec.Summary, rec.Start, rec.End, rec.Description, rec.Location)
	}

	return sb.String()
}
