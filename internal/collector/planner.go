// Package collector harvests forum posts: it plans a diversified grid
// of listing fetches, executes them through the credential pool under
// the API rate budget, and streams fresh posts into the raw archive.
package collector

import (
	"math/rand"
	"time"

	"github.com/probelabs/trendscout/internal/config"
)

// Strategy addresses one listing fetch in the sampling plan.
type Strategy struct {
	SubSource string
	Sort      string // hot, new, top, rising, controversial
	TimeRange string // hour, day, week, month, year, all; top/controversial only
	Limit     int
	// Offset skips this many leading posts by paging past them.
	Offset int
	// AfterUnix/BeforeUnix bound a time window filtered client-side;
	// zero means unbounded.
	AfterUnix  int64
	BeforeUnix int64
}

// Planner turns the sources configuration into a shuffled strategy
// list that maximizes unique-post yield per run.
type Planner struct {
	cfg *config.SourcesConfig
	rng *rand.Rand
	now func() time.Time
}

// NewPlanner creates a Planner. A nil rng gets a time-seeded one.
func NewPlanner(cfg *config.SourcesConfig, rng *rand.Rand) *Planner {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, rng: rng, now: time.Now}
}

// deepOffsets are the page depths the extra hot/rising probes start
// at; deep pages surface posts the front page churned past.
var deepOffsets = []int{50, 100, 200, 400, 600}

const (
	extraTimeFilterProbes = 3
	extraFreshProbes      = 2
	extraFreshLimit       = 25
	randomWindows         = 5
	windowSpan            = 2 * 24 * time.Hour
	windowHorizon         = 30 * 24 * time.Hour
)

// Plan emits the per-run strategy list for targetCount posts spread
// across the configured sub-sources by weight. The final shuffle
// spreads the load across credentials and listing endpoints.
func (p *Planner) Plan(targetCount int) []Strategy {
	if targetCount <= 0 {
		targetCount = 100
	}

	totalWeight := p.cfg.TotalWeight()
	var plan []Strategy
	for _, sub := range p.cfg.Subs {
		perSub := targetCount * sub.Weight / totalWeight
		if perSub < 1 {
			perSub = 1
		}
		plan = append(plan, p.planSub(sub.Name, perSub)...)
	}

	p.rng.Shuffle(len(plan), func(i, j int) {
		plan[i], plan[j] = plan[j], plan[i]
	})
	return plan
}

func (p *Planner) planSub(name string, target int) []Strategy {
	sorts := p.cfg.Sampling.Sorts
	baseLimit := clampLimit((target + len(sorts) - 1) / len(sorts))

	var out []Strategy
	for _, sort := range sorts {
		s := Strategy{SubSource: name, Sort: sort, Limit: baseLimit}
		if timeFiltered(sort) {
			s.TimeRange = p.randomTimeRange()
		}
		out = append(out, s)

		switch {
		case timeFiltered(sort):
			// Different time filters reach different winners.
			for i := 0; i < extraTimeFilterProbes; i++ {
				out = append(out, Strategy{
					SubSource: name,
					Sort:      sort,
					TimeRange: p.randomTimeRange(),
					Limit:     baseLimit,
				})
			}
		default:
			for i := 0; i < extraFreshProbes; i++ {
				out = append(out, Strategy{SubSource: name, Sort: sort, Limit: extraFreshLimit})
			}
		}

		if sort == "hot" || sort == "rising" {
			offset := deepOffsets[p.rng.Intn(len(deepOffsets))] + p.rng.Intn(50)
			out = append(out, Strategy{SubSource: name, Sort: sort, Limit: baseLimit, Offset: offset})
		}
	}

	out = append(out, p.randomWindows(name)...)
	return out
}

// randomWindows samples two-day slices of the trailing month with
// sort=new, catching posts the recency listings have already rotated
// out.
func (p *Planner) randomWindows(name string) []Strategy {
	if !contains(p.cfg.Sampling.Sorts, "new") {
		return nil
	}

	now := p.now()
	out := make([]Strategy, 0, randomWindows)
	for i := 0; i < randomWindows; i++ {
		start := now.Add(-windowHorizon + time.Duration(p.rng.Int63n(int64(windowHorizon-windowSpan))))
		out = append(out, Strategy{
			SubSource:  name,
			Sort:       "new",
			Limit:      100,
			AfterUnix:  start.Unix(),
			BeforeUnix: start.Add(windowSpan).Unix(),
		})
	}
	return out
}

func (p *Planner) randomTimeRange() string {
	ranges := p.cfg.Sampling.TimeRanges
	if len(ranges) == 0 {
		return "day"
	}
	return ranges[p.rng.Intn(len(ranges))]
}

func timeFiltered(sort string) bool {
	return sort == "top" || sort == "controversial"
}

func clampLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
