package tariff

import "time"

// Rate is a tariff pricing category.
type Rate string

const (
	Low  Rate = "low"
	High Rate = "high"
)

// Ruleset maps a wall-clock time (already shifted into the reference
// timezone) to a rate. Implementations must be stateless.
type Ruleset interface {
	Name() string
	Classify(local time.Time) Rate
}

// Classifier resolves the tariff rate of an absolute instant by evaluating a
// jurisdiction ruleset against the instant's wall clock in a fixed reference
// timezone. The host timezone and the log source's timezone never matter.
type Classifier struct {
	loc   *time.Location
	rules Ruleset
}

// Option configures the classifier.
type Option func(*Classifier)

// WithRuleset overrides the default jurisdiction ruleset.
func WithRuleset(r Ruleset) Option {
	return func(c *Classifier) {
		if r != nil {
			c.rules = r
		}
	}
}

// NewClassifier constructs a classifier evaluating in loc.
func NewClassifier(loc *time.Location, opts ...Option) *Classifier {
	c := &Classifier{loc: loc, rules: SlovakResidential{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the rate for an absolute instant. Pure: identical input
// always yields identical output, safe for concurrent use.
func (c *Classifier) Classify(instant time.Time) Rate {
	return c.rules.Classify(instant.In(c.loc))
}

// Ruleset returns the name of the active ruleset.
func (c *Classifier) Ruleset() string { return c.rules.Name() }

// SlovakResidential is the default dual-tariff schedule for residential
// meters: low rate on the weekend window (Saturday 22:00 through Monday
// 07:00), the midday window (13:00-15:00) and the nightly window
// (22:00-07:00); high rate otherwise. The weekend and nightly windows
// overlap on Saturday night; both resolve to low so ordering is irrelevant.
type SlovakResidential struct{}

func (SlovakResidential) Name() string { return "sk-residential" }

func (SlovakResidential) Classify(local time.Time) Rate {
	hour := local.Hour()

	switch local.Weekday() {
	case time.Saturday:
		if hour >= 22 {
			return Low
		}
	case time.Sunday:
		return Low
	case time.Monday:
		if hour < 7 {
			return Low
		}
	}

	if hour >= 13 && hour < 15 {
		return Low
	}
	if hour >= 22 || hour < 7 {
		return Low
	}
	return High
}
