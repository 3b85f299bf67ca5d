package query

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 20, 4, 30, 0, 0, time.UTC)

var testLimits = Limits{RawRetention: 7 * 24 * time.Hour, Retention: 90 * 24 * time.Hour}

func TestParseWindow_Presets(t *testing.T) {
	for name, d := range Presets {
		w, err := ParseWindow(name, "", "", testNow)
		require.NoError(t, err, name)
		assert.Equal(t, testNow, w.End)
		assert.Equal(t, testNow.Add(-d), w.Start)
		assert.NoError(t, testLimits.Validate(w, testNow), name)
	}
}

func TestParseWindow_Explicit(t *testing.T) {
	w, err := ParseWindow("", "2026-03-01T00:00:00Z", "2026-03-02T12:00:00+02:00", testNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), w.End)
}

func TestParseWindow_BadInput(t *testing.T) {
	cases := map[string][3]string{
		"unknown preset": {"1y", "", ""},
		"missing end":    {"", "2026-03-01T00:00:00Z", ""},
		"bad start":      {"", "yesterday", "2026-03-01T00:00:00Z"},
	}
	for name, c := range cases {
		_, err := ParseWindow(c[0], c[1], c[2], testNow)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, name)
		assert.Equal(t, "bad_range", verr.Code, name)
		assert.True(t, errors.Is(err, ErrBadRange), name)
	}
}

func TestLimits_Validate(t *testing.T) {
	day := 24 * time.Hour
	cases := []struct {
		name     string
		w        Window
		code     string
		sentinel error
	}{
		{"inverted", Window{Start: testNow.Add(-day), End: testNow.Add(-2 * day)}, "inverted_range", ErrInvertedRange},
		{"future", Window{Start: testNow.Add(-day), End: testNow.Add(time.Hour)}, "future_end", ErrFutureEnd},
		{"too wide", Window{Start: testNow.Add(-91 * day), End: testNow}, "span_too_large", ErrSpanTooLarge},
		{"too old", Window{Start: testNow.Add(-95 * day), End: testNow.Add(-80 * day)}, "before_retention", ErrBeforeRetention},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := testLimits.Validate(tc.w, testNow)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.code, verr.Code)
			assert.ErrorIs(t, err, tc.sentinel)
			assert.NotEmpty(t, verr.Message)
		})
	}

	// Small clock skew is tolerated.
	assert.NoError(t, testLimits.Validate(Window{Start: testNow.Add(-day), End: testNow.Add(30 * time.Second)}, testNow))
}

func TestClassify(t *testing.T) {
	boundary := time.Date(2026, 3, 13, 4, 0, 0, 0, time.UTC)
	assert.Equal(t, PlanRaw, Classify(Window{Start: boundary, End: testNow}, boundary))
	assert.Equal(t, PlanAggregated, Classify(Window{Start: boundary.Add(-48 * time.Hour), End: boundary}, boundary))
	assert.Equal(t, PlanSplit, Classify(Window{Start: boundary.Add(-time.Hour), End: testNow}, boundary))
}
