package async

// PriorityWeights tunes the enqueue-time priority blend. Every bonus is capped
// so no single signal can carry a job to the top on its own.
type PriorityWeights struct {
	UrgentBonus  int
	TierBonus    map[string]int
	MaxTierBonus int

	// Demand bands per window. A window earns the bonus of the highest band
	// its count reaches; both windows add up before MaxDemandBonus applies.
	DailyBands        []DemandBand
	WeeklyBands       []DemandBand
	MaxDemandBonus    int
	FirstRequestBonus int
}

// DemandBand awards Bonus once a window's request count reaches MinCount
type DemandBand struct {
	MinCount int
	Bonus    int
}

// DefaultPriorityWeights returns the standard blend
func DefaultPriorityWeights() PriorityWeights {
	return PriorityWeights{
		UrgentBonus: 5,
		TierBonus: map[string]int{
			"free":       0,
			"basic":      1,
			"pro":        2,
			"enterprise": 3,
		},
		MaxTierBonus: 3,
		DailyBands: []DemandBand{
			{MinCount: 10, Bonus: 3},
			{MinCount: 3, Bonus: 2},
			{MinCount: 1, Bonus: 1},
		},
		WeeklyBands: []DemandBand{
			{MinCount: 20, Bonus: 1},
		},
		MaxDemandBonus:    3,
		FirstRequestBonus: 1,
	}
}

// DemandSignal is the rolled-up request volume for a resource key
type DemandSignal struct {
	Count24h int
	Count7d  int
}

// PriorityInput carries the signals for one enqueue
type PriorityInput struct {
	Urgent bool
	Tier   string
	Demand *DemandSignal // nil when no summary exists yet
}

// ComputePriority blends urgency, tier and demand into [MinPriority, MaxPriority]
func ComputePriority(in PriorityInput, w PriorityWeights) int {
	p := BasePriority

	if in.Urgent {
		p += w.UrgentBonus
	}

	p += clamp(w.TierBonus[in.Tier], 0, w.MaxTierBonus)
	p += demandBonus(in.Demand, w)

	return clamp(p, MinPriority, MaxPriority)
}

// demandBonus favors hot keys by recent volume, gives a smaller bump for
// sustained weekly interest and a first-time bonus for keys never summarized.
func demandBonus(d *DemandSignal, w PriorityWeights) int {
	if d == nil {
		return w.FirstRequestBonus
	}
	bonus := bandBonus(d.Count24h, w.DailyBands) + bandBonus(d.Count7d, w.WeeklyBands)
	return clamp(bonus, 0, w.MaxDemandBonus)
}

// bandBonus returns the bonus of the highest band count reaches, or 0
func bandBonus(count int, bands []DemandBand) int {
	bonus, reached := 0, -1
	for _, b := range bands {
		if count >= b.MinCount && b.MinCount > reached {
			bonus, reached = b.Bonus, b.MinCount
		}
	}
	return bonus
}

// CategoryFor labels a job from its urgency and computed priority
func CategoryFor(urgent bool, priority int) Category {
	switch {
	case urgent:
		return CategoryUrgent
	case priority >= 7:
		return CategoryNormal
	case priority >= 4:
		return CategoryBackground
	default:
		return CategoryBatch
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
