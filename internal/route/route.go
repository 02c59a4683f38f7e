// Package route decides which trading venue offers the better conversion and
// whether the improvement is large enough to act on. Everything here is pure.
package route

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// VenueQuote is one venue's figures as seen by the comparator. An
// unavailable quote counts as zero output at infinite cost.
type VenueQuote struct {
	Venue          string
	RouteID        string
	Out            decimal.Decimal
	Cost           decimal.Decimal
	PriceImpactPct decimal.Decimal
	Available      bool
}

// Unavailable returns the placeholder for a venue that produced no quote.
func Unavailable(venue string) VenueQuote {
	return VenueQuote{Venue: venue}
}

func (q VenueQuote) out() decimal.Decimal {
	if !q.Available {
		return decimal.Zero
	}
	return q.Out
}

// Policy holds the comparator's thresholds, all in percent.
type Policy struct {
	MaterialityPct        decimal.Decimal
	ExecutionThresholdPct decimal.Decimal
	PreferredVenue        string
}

// DefaultPolicy returns the production thresholds: 0.05% materiality and a
// 0.1% execution threshold.
func DefaultPolicy(preferred string) Policy {
	return Policy{
		MaterialityPct:        decimal.RequireFromString("0.05"),
		ExecutionThresholdPct: decimal.RequireFromString("0.1"),
		PreferredVenue:        preferred,
	}
}

// Comparison is the comparator's verdict.
type Comparison struct {
	Winner        VenueQuote
	Other         VenueQuote
	PercentBetter decimal.Decimal
	Reason        string
	ShouldExecute bool
}

var hundred = decimal.NewFromInt(100)

// PercentBetter returns (a − b) / b × 100, or zero when b has no output.
func PercentBetter(a, b VenueQuote) decimal.Decimal {
	outB := b.out()
	if !outB.IsPositive() {
		return decimal.Zero
	}
	return a.out().Sub(outB).Div(outB).Mul(hundred)
}

// Compare decides between venue a and venue b. a wins on output when it
// beats b by more than the materiality threshold; otherwise the cheaper
// venue wins, and the preferred venue breaks a cost tie. Execution is
// recommended only when a's improvement clears the execution threshold and
// no trade has been made yet.
func Compare(a, b VenueQuote, policy Policy, alreadyTraded bool) Comparison {
	pct := PercentBetter(a, b)
	c := Comparison{PercentBetter: pct}

	switch {
	case !a.Available && !b.Available:
		c.Winner, c.Other = preferred(a, b, policy)
		c.Reason = "Route Comparison: no venue returned a quote."
		return c
	case a.Available && pct.GreaterThan(policy.MaterialityPct):
		c.Winner, c.Other = a, b
		c.Reason = fmt.Sprintf("Route Comparison: %s output is %s%% better than %s.", a.Venue, pct.StringFixed(3), b.Venue)
	case cheaper(b, a):
		c.Winner, c.Other = b, a
		c.Reason = fmt.Sprintf("Route Comparison: %s gas ($%s) is cheaper than %s (%s).", b.Venue, b.Cost.StringFixed(2), a.Venue, costLabel(a))
	case cheaper(a, b):
		c.Winner, c.Other = a, b
		c.Reason = fmt.Sprintf("Route Comparison: %s gas ($%s) is cheaper than %s (%s).", a.Venue, a.Cost.StringFixed(2), b.Venue, costLabel(b))
	default:
		c.Winner, c.Other = preferred(a, b, policy)
		c.Reason = fmt.Sprintf("Route Comparison: %s selected as most efficient route.", c.Winner.Venue)
	}

	c.ShouldExecute = c.Winner.Available && c.Winner.Venue == a.Venue &&
		pct.GreaterThan(policy.ExecutionThresholdPct) && !alreadyTraded
	return c
}

// Best ranks any number of quotes: the champion is found by pairwise
// ranking and then compared against the runner-up. A single
// quote is compared against an unavailable placeholder.
func Best(quotes []VenueQuote, policy Policy, alreadyTraded bool) (Comparison, bool) {
	switch len(quotes) {
	case 0:
		return Comparison{}, false
	case 1:
		return Compare(quotes[0], Unavailable(""), policy, alreadyTraded), true
	}

	champion := fold(quotes, policy)
	rest := make([]VenueQuote, 0, len(quotes)-1)
	skipped := false
	for _, q := range quotes {
		if !skipped && q.Venue == champion.Venue {
			skipped = true
			continue
		}
		rest = append(rest, q)
	}
	runnerUp := fold(rest, policy)
	return Compare(champion, runnerUp, policy, alreadyTraded), true
}

func fold(quotes []VenueQuote, policy Policy) VenueQuote {
	champion := quotes[0]
	for _, q := range quotes[1:] {
		if beats(q, champion, policy) {
			champion = q
		}
	}
	return champion
}

// beats is the symmetric form of the comparison rule used when ranking more
// than two venues: a material output gap decides in either direction.
func beats(q, champion VenueQuote, policy Policy) bool {
	if !q.Available {
		return false
	}
	if !champion.Available {
		return true
	}
	pct := PercentBetter(q, champion)
	if pct.GreaterThan(policy.MaterialityPct) {
		return true
	}
	if pct.LessThan(policy.MaterialityPct.Neg()) {
		return false
	}
	if q.Cost.Equal(champion.Cost) {
		return q.Venue == policy.PreferredVenue
	}
	return q.Cost.LessThan(champion.Cost)
}

// cheaper reports whether x costs strictly less than y.
func cheaper(x, y VenueQuote) bool {
	if !x.Available {
		return false
	}
	if !y.Available {
		return true
	}
	return x.Cost.LessThan(y.Cost)
}

func preferred(a, b VenueQuote, policy Policy) (VenueQuote, VenueQuote) {
	if policy.PreferredVenue != "" && b.Venue == policy.PreferredVenue && a.Venue != policy.PreferredVenue {
		return b, a
	}
	return a, b
}

func costLabel(q VenueQuote) string {
	if !q.Available {
		return "unavailable"
	}
	return "$" + q.Cost.StringFixed(2)
}
