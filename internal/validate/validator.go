// Package validate scores every reading coming off the combined stream.
// Nothing here throws readings away outright: failed checks become tags
// plus quality deductions, and rejected readings still yield a best-effort
// filtered value so downstream can show "stale" instead of nothing.
package validate

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/glucolink/internal/glucose"
	"github.com/srg/glucolink/internal/groutine"
	"github.com/srg/glucolink/internal/stream"
)

// ValidationError tags one failed check. Tags, not exceptions: a reading
// may carry several.
type ValidationError string

const (
	ErrOutOfRange  ValidationError = "OUT_OF_RANGE"
	ErrRateTooHigh ValidationError = "RATE_OF_CHANGE_TOO_HIGH"
	ErrOutlier     ValidationError = "STATISTICAL_OUTLIER"
	ErrDuplicate   ValidationError = "DUPLICATE_TIMESTAMP"
	ErrStale       ValidationError = "STALE_DATA"
)

// Confidence is the per-reading trust tier derived from the quality score.
type Confidence int

const (
	ConfidenceVeryLow Confidence = iota
	ConfidenceLow
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "HIGH"
	case ConfidenceMedium:
		return "MEDIUM"
	case ConfidenceLow:
		return "LOW"
	default:
		return "VERY_LOW"
	}
}

// ValidatedReading wraps a reading with the validation verdict. Immutable
// once created.
type ValidatedReading struct {
	Reading glucose.Reading
	Valid   bool
	Errors  []ValidationError
	// QualityScore starts at 100 and loses a fixed amount per failed check.
	QualityScore int
	// ProcessedValue is the raw value for accepted readings, or the median
	// of recent clean same-source values for rejected ones.
	ProcessedValue float64
	Confidence     Confidence
}

// HasError reports whether tag was raised on this reading.
func (vr ValidatedReading) HasError(tag ValidationError) bool {
	for _, e := range vr.Errors {
		if e == tag {
			return true
		}
	}
	return false
}

// Options holds the validation thresholds.
type Options struct {
	// MinValue/MaxValue bound physiologically plausible glucose (mg/dL).
	MinValue float64 `default:"40"`
	MaxValue float64 `default:"600"`
	// MaxRatePerMinute is the plausible rate-of-change ceiling.
	MaxRatePerMinute float64 `default:"10"`
	// ZScoreThreshold flags statistical outliers.
	ZScoreThreshold float64 `default:"3.0"`
	// StatWindow is how many recent history entries feed the outlier stats.
	StatWindow int `default:"10"`
	// MinStatSamples is the minimum same-source baseline before the outlier
	// check engages.
	MinStatSamples int `default:"3"`
	// StaleAfter marks readings older than this at validation time.
	StaleAfter time.Duration `default:"15m"`
	// ConsistencyWindow is the maximum timestamp spread for a cross-source
	// comparison pair.
	ConsistencyWindow time.Duration `default:"5m"`
	// HistoryCap bounds the rolling validated-reading history.
	HistoryCap int `default:"100"`
	// StreamCap sizes the Run output channel.
	StreamCap int `default:"64"`
}

// Deduction per failed check.
const (
	penaltyOutOfRange = 30
	penaltyRate       = 25
	penaltyOutlier    = 20
	penaltyDuplicate  = 15
	penaltyStale      = 10
)

// DefaultOptions returns the standard thresholds.
func DefaultOptions() *Options {
	o := &Options{}
	defaults.SetDefaults(o)
	return o
}

// Validator keeps the rolling history and consistency score. It is the
// sole writer of its own state; readers get snapshots.
type Validator struct {
	logger *logrus.Logger
	opts   *Options

	mu          sync.Mutex
	history     []ValidatedReading
	consistency float64
	accepted    int64
	rejected    int64
	errorCounts map[ValidationError]int64

	now func() time.Time // test hook
}

// New creates a validator.
func New(logger *logrus.Logger, opts *Options) *Validator {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Validator{
		logger:      logger,
		opts:        opts,
		consistency: 100, // assume consistent absent evidence otherwise
		errorCounts: make(map[ValidationError]int64),
		now:         time.Now,
	}
}

// Validate runs every check on r (checks are independent, never
// short-circuited), appends the result to the rolling history, and
// recomputes the cross-source consistency score.
func (v *Validator) Validate(r glucose.Reading) ValidatedReading {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	score := 100
	var tags []ValidationError

	fail := func(tag ValidationError, penalty int) {
		tags = append(tags, tag)
		score -= penalty
		v.errorCounts[tag]++
	}

	// 1. Hard physiological range.
	if r.Value < v.opts.MinValue || r.Value > v.opts.MaxValue {
		fail(ErrOutOfRange, penaltyOutOfRange)
	}

	// 2. Rate of change against the most recent prior same-source reading.
	if prev, ok := v.lastFromSource(r.Source); ok {
		elapsedMin := float64(r.Timestamp-prev.Reading.Timestamp) / 60000
		if elapsedMin > 0 {
			rate := math.Abs(r.Value-prev.Reading.Value) / elapsedMin
			if rate > v.opts.MaxRatePerMinute {
				fail(ErrRateTooHigh, penaltyRate)
			}
		}
	}

	// 3. Statistical outlier against the clean same-source baseline in the
	// last StatWindow entries. Tagged readings stay out of the baseline so
	// the same implausible value keeps getting tagged (outlier idempotence).
	if baseline := v.cleanBaseline(r.Source); len(baseline) >= v.opts.MinStatSamples {
		mean, stddev := meanStddev(baseline)
		switch {
		case stddev > 0:
			if math.Abs(r.Value-mean)/stddev > v.opts.ZScoreThreshold {
				fail(ErrOutlier, penaltyOutlier)
			}
		case r.Value != mean:
			// Zero spread: any deviation is an outlier.
			fail(ErrOutlier, penaltyOutlier)
		}
	}

	// 4. Duplicate: same source, identical timestamp already in history.
	if v.hasDuplicate(r) {
		fail(ErrDuplicate, penaltyDuplicate)
	}

	// 5. Staleness at validation time.
	if r.Age(now) > v.opts.StaleAfter {
		fail(ErrStale, penaltyStale)
	}

	valid := len(tags) == 0 || (len(tags) == 1 && score > 50)

	processed := r.Value
	if !valid {
		processed = v.medianRecentClean(r.Source, 3, r.Value)
	}

	vr := ValidatedReading{
		Reading:        r,
		Valid:          valid,
		Errors:         tags,
		QualityScore:   score,
		ProcessedValue: processed,
		Confidence:     confidence(score, len(tags)),
	}

	v.history = append(v.history, vr)
	if len(v.history) > v.opts.HistoryCap {
		v.history = v.history[len(v.history)-v.opts.HistoryCap:]
	}
	if valid {
		v.accepted++
		promValidated.WithLabelValues("accepted").Inc()
	} else {
		v.rejected++
		promValidated.WithLabelValues("rejected").Inc()
		v.logger.WithFields(logrus.Fields{
			"value":  r.Value,
			"source": r.Source.String(),
			"errors": tags,
			"score":  score,
		}).Warn("Reading rejected, substituting filtered value")
	}

	v.recomputeConsistency()
	promConsistency.Set(v.consistency)
	return vr
}

// Run drains the combined stream through Validate until ctx is cancelled
// or in closes. Validation is per-reading, not periodic.
func (v *Validator) Run(ctx context.Context, in <-chan glucose.Reading) <-chan ValidatedReading {
	out := stream.NewRingChannel[ValidatedReading](v.opts.StreamCap)
	groutine.Go(ctx, "validator", func(ctx context.Context) {
		defer out.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-in:
				if !ok {
					return
				}
				out.Send(v.Validate(r))
			}
		}
	})
	return out.C()
}

// Consistency returns the current cross-source consistency score (0-100).
func (v *Validator) Consistency() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.consistency
}

// History returns a copy of the rolling validated-reading history,
// oldest first.
func (v *Validator) History() []ValidatedReading {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]ValidatedReading, len(v.history))
	copy(out, v.history)
	return out
}

// Summary returns a flat string-keyed map for diagnostic display.
func (v *Validator) Summary() *orderedmap.OrderedMap[string, string] {
	v.mu.Lock()
	defer v.mu.Unlock()

	m := orderedmap.New[string, string]()
	m.Set("accepted", fmt.Sprintf("%d", v.accepted))
	m.Set("rejected", fmt.Sprintf("%d", v.rejected))
	m.Set("consistency_score", fmt.Sprintf("%.0f", v.consistency))
	for _, tag := range []ValidationError{ErrOutOfRange, ErrRateTooHigh, ErrOutlier, ErrDuplicate, ErrStale} {
		m.Set(string(tag), fmt.Sprintf("%d", v.errorCounts[tag]))
	}
	if len(v.history) > 0 {
		last := v.history[len(v.history)-1]
		m.Set("last_quality_score", fmt.Sprintf("%d", last.QualityScore))
		m.Set("last_confidence", last.Confidence.String())
	}
	return m
}

// lastFromSource finds the most recent history entry from source.
func (v *Validator) lastFromSource(source glucose.DataSource) (ValidatedReading, bool) {
	for i := len(v.history) - 1; i >= 0; i-- {
		if v.history[i].Reading.Source == source {
			return v.history[i], true
		}
	}
	return ValidatedReading{}, false
}

// cleanBaseline collects error-free same-source values from the last
// StatWindow history entries.
func (v *Validator) cleanBaseline(source glucose.DataSource) []float64 {
	start := len(v.history) - v.opts.StatWindow
	if start < 0 {
		start = 0
	}
	var values []float64
	for _, vr := range v.history[start:] {
		if vr.Reading.Source == source && vr.Valid && len(vr.Errors) == 0 {
			values = append(values, vr.Reading.Value)
		}
	}
	return values
}

func (v *Validator) hasDuplicate(r glucose.Reading) bool {
	for _, vr := range v.history {
		if vr.Reading.Source == r.Source && vr.Reading.Timestamp == r.Timestamp {
			return true
		}
	}
	return false
}

// medianRecentClean returns the median of the last n valid same-source
// readings, or fallback if none exist.
func (v *Validator) medianRecentClean(source glucose.DataSource, n int, fallback float64) float64 {
	var values []float64
	for i := len(v.history) - 1; i >= 0 && len(values) < n; i-- {
		vr := v.history[i]
		if vr.Reading.Source == source && vr.Valid {
			values = append(values, vr.Reading.Value)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	sort.Float64s(values)
	return values[len(values)/2]
}

// recomputeConsistency compares the most recent reading of each source.
// Only pairs within ConsistencyWindow of each other count; with no
// comparable pair the score stays at 100.
func (v *Validator) recomputeConsistency() {
	ext, okE := v.lastFromSource(glucose.SourceExternal)
	wl, okW := v.lastFromSource(glucose.SourceWireless)
	if !okE || !okW {
		v.consistency = 100
		return
	}
	spread := ext.Reading.Timestamp - wl.Reading.Timestamp
	if spread < 0 {
		spread = -spread
	}
	if time.Duration(spread)*time.Millisecond > v.opts.ConsistencyWindow {
		v.consistency = 100
		return
	}
	avg := (ext.Reading.Value + wl.Reading.Value) / 2
	if avg == 0 {
		v.consistency = 100
		return
	}
	pctDiff := math.Abs(ext.Reading.Value-wl.Reading.Value) / avg * 100
	v.consistency = math.Max(0, 100-2*pctDiff)
}

func confidence(score, errorCount int) Confidence {
	switch {
	case score >= 95 && errorCount == 0:
		return ConfidenceHigh
	case score >= 80 && errorCount <= 1:
		return ConfidenceMedium
	case score >= 60 && errorCount <= 2:
		return ConfidenceLow
	default:
		return ConfidenceVeryLow
	}
}

func meanStddev(values []float64) (mean, stddev float64) {
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	stddev = math.Sqrt(sum / float64(len(values)))
	return mean, stddev
}
