package vector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	x, err := Open(filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })
	return x
}

func entry(eventID, activity, category string, vec ...float32) Entry {
	return Entry{
		EventID:       eventID,
		Activity:      activity,
		ParentSummary: activity,
		Category:      category,
		Categories:    category,
		Date:          "2024-06-01",
		Year:          2024,
		Month:         6,
		DayOfWeek:     "Saturday",
		StartHour:     9,
		People:        "Sam,Ana",
		IsProductive:  category == "deep_work",
		Text:          activity,
		Vector:        vec,
	}
}

func TestSearchRanksByCosine(t *testing.T) {
	ctx := context.Background()
	x := openTestIndex(t)

	require.NoError(t, x.Rebuild(ctx, []Entry{
		entry("a", "coding", "deep_work", 1, 0, 0),
		entry("b", "reading", "learning", 0.7, 0.7, 0),
		entry("c", "running", "fitness", 0, 0, 1),
	}))

	matches, err := x.Search(ctx, []float32{1, 0, 0}, 2, Filter{})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].EventID)
	assert.Equal(t, 1.0, matches[0].Score)
	assert.Equal(t, "b", matches[1].EventID)
	assert.Equal(t, 0.7071, matches[1].Score)
}

func TestSearchFilters(t *testing.T) {
	ctx := context.Background()
	x := openTestIndex(t)

	late := entry("c", "gaming", "entertainment", 1, 0)
	late.StartHour = 23
	late.People = ""
	party := entry("d", "party", "social", 1, 0)
	party.People = "Joanna,Anastasia"
	require.NoError(t, x.Rebuild(ctx, []Entry{
		entry("a", "coding", "deep_work", 1, 0),
		entry("b", "lunch", "food", 1, 0),
		late,
		party,
	}))

	productive := true
	minHour := 20.0

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"category", Filter{Category: "food"}, []string{"b"}},
		{"productive", Filter{IsProductive: &productive}, []string{"a"}},
		{"min hour", Filter{MinStartHour: &minHour}, []string{"c"}},
		{"person", Filter{Person: "Ana"}, []string{"a", "b"}},
		{"person ignores case", Filter{Person: "sam"}, []string{"a", "b"}},
		{"person matches whole names", Filter{Person: "Ann"}, nil},
		{"person later in the list", Filter{Person: "Joanna"}, []string{"d"}},
		{"year and month", Filter{Year: 2024, Month: 7}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches, err := x.Search(ctx, []float32{1, 0}, 10, tt.filter)
			require.NoError(t, err)
			var got []string
			for _, m := range matches {
				got = append(got, m.EventID)
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestAppendAndSimilar(t *testing.T) {
	ctx := context.Background()
	x := openTestIndex(t)

	require.NoError(t, x.Rebuild(ctx, []Entry{entry("a", "coding", "deep_work", 1, 0)}))
	require.NoError(t, x.Append(ctx, []Entry{
		entry("b", "pairing", "deep_work", 0.9, 0.1),
		entry("c", "nap", "rest", 0, 1),
	}))

	n, err := x.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	matches, err := x.Similar(ctx, "a", 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "b", matches[0].EventID)
	for _, m := range matches {
		assert.NotEqual(t, "a", m.EventID)
	}

	_, err = x.Similar(ctx, "zzz", 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRebuildDropsRows(t *testing.T) {
	ctx := context.Background()
	x := openTestIndex(t)

	require.NoError(t, x.Append(ctx, []Entry{entry("a", "coding", "deep_work", 1)}))
	require.NoError(t, x.Rebuild(ctx, []Entry{entry("b", "gym", "fitness", 1)}))

	n, err := x.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppendRejectsMissingVector(t *testing.T) {
	x := openTestIndex(t)
	err := x.Append(context.Background(), []Entry{entry("a", "coding", "deep_work")})
	assert.Error(t, err)

	n, err := x.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestVectorEncoding(t *testing.T) {
	v := []float32{0, 1.5, -2.25, 3.4028235e38}
	got, err := decodeVector(encodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	r := NewRegistry()
	defer r.Close()

	a, releaseA, err := r.Acquire(path)
	require.NoError(t, err)
	b, releaseB, err := r.Acquire(path)
	require.NoError(t, err)
	assert.Same(t, a, b)
	releaseA()
	releaseB()

	require.NoError(t, r.Invalidate(path))
	c, releaseC, err := r.Acquire(path)
	require.NoError(t, err)
	defer releaseC()
	assert.NotSame(t, a, c)

	require.NoError(t, r.Invalidate("never-opened"))
}

func TestRegistry_InvalidateKeepsHeldHandleOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")
	r := NewRegistry()
	defer r.Close()

	reader, release, err := r.Acquire(path)
	require.NoError(t, err)
	require.NoError(t, reader.Rebuild(ctx, []Entry{entry("a", "coding", "deep_work", 1, 0)}))

	// a writer invalidates while the reader is mid-use
	require.NoError(t, r.Invalidate(path))

	matches, err := reader.Search(ctx, []float32{1, 0}, 5, Filter{})
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	fresh, releaseFresh, err := r.Acquire(path)
	require.NoError(t, err)
	defer releaseFresh()
	assert.NotSame(t, reader, fresh)

	// the last release closes the stale handle; releasing twice is harmless
	release()
	release()
	_, err = reader.Count(ctx)
	assert.Error(t, err)

	n, err := fresh.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
