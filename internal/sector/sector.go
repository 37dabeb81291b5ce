// Package sector holds the minimal economic actors that drive the core:
// households, labour-only firms and the government's job guarantee.
// Calibration is illustrative only.
package sector

import (
	"fmt"
	"log/slog"
	"math/rand"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
)

// Food is the only consumption good.
const Food ledger.Commodity = "food"

// Params sizes and calibrates the economy.
type Params struct {
	Households int
	Firms      int

	// WageReserveDays is how many days of wages a firm holds back before it
	// may hire.
	WageReserveDays int

	JGWage         ledger.Money // Daily job guarantee wage.
	FirmWage       ledger.Money // Daily private wage.
	FloorPrice     ledger.Money // Government floor bid for food.
	JGPrice        ledger.Money // Job guarantee food offer.
	Productivity   int64        // Firm food per worker-day.
	JGProductivity int64        // Job guarantee food per worker-day.
	Markup         float64      // Firm price over unit cost.

	HouseholdCash ledger.Money
	FirmCash      ledger.Money
	Propensity    float64 // Share of free cash a household spends on food per day.
	FoodPerDay    int64

	// Locations names trading places besides market.Home. Firms and
	// households are spread over all of them in turn and trade food where
	// they live; the job guarantee stays at Home.
	Locations []string

	Seed int64
}

// DefaultParams returns a small illustrative economy.
func DefaultParams() Params {
	return Params{
		Households:      50,
		Firms:           3,
		WageReserveDays: 15,
		JGWage:          10,
		FirmWage:        12,
		FloorPrice:      2,
		JGPrice:         6,
		Productivity:    4,
		JGProductivity:  2,
		Markup:          0.25,
		HouseholdCash:   100,
		FirmCash:        2000,
		Propensity:      0.3,
		FoodPerDay:      1,
		Seed:            1,
	}
}

// Economy is the sector layer bound to one simulation.
type Economy struct {
	sim    *engine.Simulation
	params Params
	noise  opensimplex.Noise
	rng    *rand.Rand

	Government   entity.GID
	JobGuarantee entity.GID
	Locations    []entity.GID // Home first.
	Firms        []entity.GID
	Households   []entity.GID
}

// Setup populates sim: a government, its job guarantee, firms and households.
// Every household starts in the job guarantee.
func Setup(sim *engine.Simulation, p Params) (*Economy, error) {
	if p.WageReserveDays <= 0 {
		return nil, fmt.Errorf("wage reserve days must be positive, got %d", p.WageReserveDays)
	}
	if p.FloorPrice <= 0 || p.JGPrice <= 0 {
		return nil, fmt.Errorf("prices must be positive (floor %d, jg %d)", p.FloorPrice, p.JGPrice)
	}
	eco := &Economy{
		sim:    sim,
		params: p,
		noise:  opensimplex.NewNormalized(p.Seed),
		rng:    rand.New(rand.NewSource(p.Seed + 300)),
	}
	sim.Market.AddCommodity(Food)
	eco.Locations = []entity.GID{market.Home}
	for i, name := range p.Locations {
		eco.Locations = append(eco.Locations, sim.AddLocation(name, float64(i+1), 0))
	}
	eco.registerQueries()

	sim.RegisterKind("household", func(gid entity.GID, spec engine.EntitySpec) entity.Entity {
		return eco.newHousehold(gid, spec.Name, spec.Cash, entity.GID(spec.Params["location"]))
	})
	sim.RegisterKind("firm", func(gid entity.GID, spec engine.EntitySpec) entity.Entity {
		wage := p.FirmWage
		if w, ok := spec.Params["wage"]; ok && w > 0 {
			wage = ledger.Money(w)
		}
		return eco.newFirm(gid, spec.Name, spec.Cash, wage, entity.GID(spec.Params["location"]))
	})
	sim.RegisterKind("dealer", func(gid entity.GID, spec engine.EntitySpec) entity.Entity {
		return eco.newDealer(gid, spec.Name, spec.Cash, int64(spec.Params["food"]))
	})

	eco.Government = sim.Spawn(func(gid entity.GID) entity.Entity {
		return &Government{
			Base:  entity.Base{ID: gid, Name: "Treasury"},
			Books: ledger.Books{Acct: ledger.NewUnlimitedAccount(gid), Inv: ledger.NewInventory(gid)},
		}
	})
	eco.JobGuarantee = sim.Spawn(func(gid entity.GID) entity.Entity {
		return &JobGuarantee{
			Base:  entity.Base{ID: gid, Name: "Job Guarantee"},
			Books: ledger.NewBooks(gid, 0),
			eco:   eco,
		}
	})
	for i := 0; i < p.Firms; i++ {
		gid, err := sim.Create(engine.EntitySpec{
			Kind:   "firm",
			Name:   fmt.Sprintf("Farm %d", i+1),
			Cash:   p.FirmCash,
			Params: map[string]float64{"location": float64(eco.site(i))},
		})
		if err != nil {
			return nil, err
		}
		eco.Firms = append(eco.Firms, gid)
	}
	jg, _ := entity.As[*JobGuarantee](sim.Registry, eco.JobGuarantee)
	for i := 0; i < p.Households; i++ {
		// Starting cash varies ±20% so households do not move in lockstep.
		cash := p.HouseholdCash + ledger.Money(float64(p.HouseholdCash)*0.4*(eco.rng.Float64()-0.5))
		gid, err := sim.Create(engine.EntitySpec{
			Kind:   "household",
			Name:   fmt.Sprintf("Household %d", i+1),
			Cash:   cash,
			Params: map[string]float64{"location": float64(eco.site(i))},
		})
		if err != nil {
			return nil, err
		}
		eco.Households = append(eco.Households, gid)
		jg.Enroll(gid)
	}

	slog.Info("economy created",
		"households", p.Households,
		"firms", p.Firms,
		"locations", len(eco.Locations),
		"wage_reserve_days", p.WageReserveDays,
		"jg_wage", p.JGWage.String(),
	)
	return eco, nil
}

func (e *Economy) site(i int) entity.GID { return e.Locations[i%len(e.Locations)] }

// registerQueries adds the data requests sector actions rely on.
func (e *Economy) registerQueries() {
	e.sim.RegisterQuery(engine.Query{
		Name: "jg_wage",
		Doc:  "Daily job guarantee wage.",
		Fetch: func(*engine.Simulation, entity.GID, map[string]string) (any, error) {
			return e.params.JGWage, nil
		},
	})
	e.sim.RegisterQuery(engine.Query{
		Name:     "productivity",
		Required: []string{"commodity"},
		Doc:      "Units a firm worker produces per day.",
		Fetch: func(_ *engine.Simulation, _ entity.GID, args map[string]string) (any, error) {
			if c := ledger.Commodity(args["commodity"]); c != Food {
				return nil, fmt.Errorf("productivity of %q: %w", c, market.ErrUnknownCommodity)
			}
			return e.params.Productivity, nil
		},
	})
}

// Params returns the calibration in use.
func (e *Economy) Params() Params { return e.params }

// Employment counts workers in firms and in the job guarantee.
func (e *Economy) Employment() (private, guaranteed int) {
	for _, gid := range e.Firms {
		if f, err := entity.As[*Firm](e.sim.Registry, gid); err == nil {
			private += len(f.Workers)
		}
	}
	if jg, err := entity.As[*JobGuarantee](e.sim.Registry, e.JobGuarantee); err == nil {
		guaranteed = len(jg.Workers)
	}
	return private, guaranteed
}

// octaveNoise layers several frequencies of noise into one value in [0, 1].
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0
	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}
	return total / maxVal
}

// propensity is the share of free cash a household spends today. Noise over
// (household, day) gives each household its own slowly drifting appetite.
func (e *Economy) propensity(gid entity.GID, day int) float64 {
	n := octaveNoise(e.noise, float64(gid)*0.37, float64(day)*0.1, 3, 1, 0.5)
	return e.params.Propensity * (0.6 + 0.8*n)
}
