package validate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/glucolink/internal/glucose"
	"github.com/srg/glucolink/internal/testutils"
)

type ValidatorTestSuite struct {
	suite.Suite

	validator *Validator
	base      time.Time
	current   time.Time
}

func TestValidatorSuite(t *testing.T) {
	suite.Run(t, new(ValidatorTestSuite))
}

func (suite *ValidatorTestSuite) SetupTest() {
	suite.validator = New(nil, nil)
	suite.base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	suite.current = suite.base
	suite.validator.now = func() time.Time { return suite.current }
}

// reading builds a same-source reading offset minutes after the base time
// and keeps the validator clock in step so nothing is accidentally stale.
func (suite *ValidatorTestSuite) reading(value float64, offsetMin int, source glucose.DataSource) glucose.Reading {
	ts := suite.base.Add(time.Duration(offsetMin) * time.Minute)
	if ts.After(suite.current) {
		suite.current = ts
	}
	return glucose.Reading{
		Value:     value,
		Timestamp: ts.UnixMilli(),
		Unit:      glucose.UnitMgDL,
		Source:    source,
	}
}

func (suite *ValidatorTestSuite) TestCleanReading() {
	vr := suite.validator.Validate(suite.reading(120, 0, glucose.SourceExternal))

	suite.True(vr.Valid)
	suite.Empty(vr.Errors)
	suite.Equal(100, vr.QualityScore)
	suite.Equal(120.0, vr.ProcessedValue)
	suite.Equal(ConfidenceHigh, vr.Confidence)
}

func (suite *ValidatorTestSuite) TestOutOfRange() {
	suite.Run("above range is tagged but still accepted", func() {
		vr := suite.validator.Validate(suite.reading(650, 0, glucose.SourceExternal))

		suite.True(vr.Valid)
		suite.True(vr.HasError(ErrOutOfRange))
		suite.Equal(70, vr.QualityScore)
		suite.Equal(650.0, vr.ProcessedValue)
	})

	suite.Run("below range", func() {
		vr := suite.validator.Validate(suite.reading(35, 60, glucose.SourceWireless))

		suite.True(vr.HasError(ErrOutOfRange))
	})

	suite.Run("boundaries are inclusive", func() {
		vr := suite.validator.Validate(suite.reading(40, 120, glucose.SourceExternal))
		suite.False(vr.HasError(ErrOutOfRange))

		vr = suite.validator.Validate(suite.reading(600, 180, glucose.SourceExternal))
		suite.False(vr.HasError(ErrOutOfRange))
	})
}

func (suite *ValidatorTestSuite) TestRateOfChange() {
	suite.validator.Validate(suite.reading(110, 0, glucose.SourceExternal))
	vr := suite.validator.Validate(suite.reading(300, 3, glucose.SourceExternal))

	suite.True(vr.HasError(ErrRateTooHigh))
	suite.Equal(75, vr.QualityScore)
	suite.True(vr.Valid)
}

func (suite *ValidatorTestSuite) TestRateOfChangeIsPerSource() {
	suite.validator.Validate(suite.reading(110, 0, glucose.SourceExternal))
	// Same jump, different source: no prior baseline there.
	vr := suite.validator.Validate(suite.reading(300, 3, glucose.SourceWireless))

	suite.False(vr.HasError(ErrRateTooHigh))
}

func (suite *ValidatorTestSuite) TestOutlierIsIdempotent() {
	// Clean baseline around 101 mg/dL, gently spaced.
	for i, v := range []float64{100, 104, 98, 102} {
		vr := suite.validator.Validate(suite.reading(v, i*10, glucose.SourceExternal))
		suite.Require().Empty(vr.Errors)
	}

	first := suite.validator.Validate(suite.reading(115, 40, glucose.SourceExternal))
	suite.True(first.HasError(ErrOutlier))
	suite.False(first.HasError(ErrRateTooHigh))

	// The tagged value must not contaminate the baseline: the same
	// implausible value keeps getting tagged.
	second := suite.validator.Validate(suite.reading(115, 50, glucose.SourceExternal))
	suite.True(second.HasError(ErrOutlier))
}

func (suite *ValidatorTestSuite) TestDuplicateTimestamp() {
	r := suite.reading(120, 0, glucose.SourceExternal)
	suite.validator.Validate(r)
	vr := suite.validator.Validate(r)

	suite.True(vr.HasError(ErrDuplicate))
	suite.Equal(85, vr.QualityScore)
	suite.True(vr.Valid)
}

func (suite *ValidatorTestSuite) TestStaleReading() {
	suite.current = suite.base.Add(20 * time.Minute)
	vr := suite.validator.Validate(glucose.Reading{
		Value:     120,
		Timestamp: suite.base.UnixMilli(),
		Source:    glucose.SourceExternal,
	})

	suite.True(vr.HasError(ErrStale))
	suite.Equal(90, vr.QualityScore)
	suite.True(vr.Valid)
	suite.Equal(ConfidenceMedium, vr.Confidence)
}

func (suite *ValidatorTestSuite) TestRejectionSubstitutesMedian() {
	for i, v := range []float64{100, 110, 120} {
		vr := suite.validator.Validate(suite.reading(v, i*10, glucose.SourceExternal))
		suite.Require().True(vr.Valid)
	}

	// Out of range, implausible rate, and a statistical outlier all at once.
	vr := suite.validator.Validate(suite.reading(700, 21, glucose.SourceExternal))

	suite.False(vr.Valid)
	suite.True(vr.HasError(ErrOutOfRange))
	suite.True(vr.HasError(ErrRateTooHigh))
	suite.Equal(110.0, vr.ProcessedValue)
	suite.Equal(ConfidenceVeryLow, vr.Confidence)
}

func (suite *ValidatorTestSuite) TestRejectionWithoutHistoryKeepsRawValue() {
	suite.current = suite.base.Add(30 * time.Minute)
	// Stale and out of range: two tags, no clean history to substitute from.
	vr := suite.validator.Validate(glucose.Reading{
		Value:     700,
		Timestamp: suite.base.UnixMilli(),
		Source:    glucose.SourceWireless,
	})

	suite.False(vr.Valid)
	suite.Equal(700.0, vr.ProcessedValue)
}

func (suite *ValidatorTestSuite) TestConfidenceTiers() {
	tests := []struct {
		name     string
		score    int
		errors   int
		expected Confidence
	}{
		{name: "perfect", score: 100, errors: 0, expected: ConfidenceHigh},
		{name: "95 clean", score: 95, errors: 0, expected: ConfidenceHigh},
		{name: "95 with error", score: 95, errors: 1, expected: ConfidenceMedium},
		{name: "one cheap error", score: 85, errors: 1, expected: ConfidenceMedium},
		{name: "two errors", score: 75, errors: 2, expected: ConfidenceLow},
		{name: "heavy damage", score: 45, errors: 2, expected: ConfidenceVeryLow},
		{name: "three errors", score: 60, errors: 3, expected: ConfidenceVeryLow},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			suite.Equal(tt.expected, confidence(tt.score, tt.errors))
		})
	}
}

func (suite *ValidatorTestSuite) TestConsistency() {
	suite.Run("defaults to 100 with a single source", func() {
		suite.validator.Validate(suite.reading(100, 0, glucose.SourceExternal))
		suite.Equal(100.0, suite.validator.Consistency())
	})

	suite.Run("scores a close pair", func() {
		suite.validator.Validate(suite.reading(110, 1, glucose.SourceWireless))
		// 10 apart on an average of 105: pctDiff 9.52, score 80.95.
		suite.InDelta(80.95, suite.validator.Consistency(), 0.01)
	})

	suite.Run("ignores pairs outside the window", func() {
		suite.validator.Validate(suite.reading(100, 30, glucose.SourceExternal))
		suite.Equal(100.0, suite.validator.Consistency())
	})
}

func (suite *ValidatorTestSuite) TestHistoryCap() {
	small := New(nil, &Options{
		MinValue: 40, MaxValue: 600, MaxRatePerMinute: 1000,
		ZScoreThreshold: 100, StatWindow: 10, MinStatSamples: 3,
		StaleAfter: 24 * time.Hour, ConsistencyWindow: 5 * time.Minute,
		HistoryCap: 5, StreamCap: 8,
	})
	small.now = func() time.Time { return suite.base.Add(3 * time.Hour) }

	for i := 0; i < 12; i++ {
		small.Validate(suite.reading(float64(100+i), i, glucose.SourceExternal))
	}

	history := small.History()
	suite.Len(history, 5)
	suite.Equal(111.0, history[4].Reading.Value)
}

func (suite *ValidatorTestSuite) TestSummary() {
	suite.validator.Validate(suite.reading(120, 0, glucose.SourceExternal))
	// Far enough apart that only the range check fires.
	suite.validator.Validate(suite.reading(650, 120, glucose.SourceExternal))

	data, err := json.Marshal(suite.validator.Summary())
	suite.Require().NoError(err)

	testutils.NewJSONAsserter(suite.T()).Ignoring("last_quality_score").Assert(string(data), `{
		"accepted": "2",
		"rejected": "0",
		"consistency_score": "100",
		"OUT_OF_RANGE": "1",
		"RATE_OF_CHANGE_TOO_HIGH": "0",
		"STATISTICAL_OUTLIER": "0",
		"DUPLICATE_TIMESTAMP": "0",
		"STALE_DATA": "0",
		"last_confidence": "LOW"
	}`)
}
