package observable

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dynamomd/dynasweep/internal/sweep/stats"
)

// SingleAttrib reads one numeric attribute of the first element matching Tag.
type SingleAttrib struct {
	Tag  string
	Attr string
	// EventWeighted weights by executed events instead of simulated time.
	EventWeighted bool
	DivByN        bool
	DivByT        bool
	// Missing is used when the element or attribute is absent. Nil makes
	// absence an error.
	Missing *float64
	// SkipMissing drops the observation when the element is absent.
	SkipMissing bool
}

func (s SingleAttrib) Extract(in Input) (stats.Acc, bool, error) {
	out := in.Output
	var value float64
	n := out.Root.Find(s.Tag)
	raw, present := n.Attr(s.Attr)
	switch {
	case !present && s.SkipMissing:
		return stats.Acc{}, false, nil
	case !present && s.Missing == nil:
		return stats.Acc{}, false, fmt.Errorf("%s: no attribute %q on <%s>", out.Path, s.Attr, s.Tag)
	case !present:
		value = *s.Missing
	default:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return stats.Acc{}, false, fmt.Errorf("%s: <%s %s=%q>: %w", out.Path, s.Tag, s.Attr, raw, err)
		}
		value = v
	}

	if s.DivByN {
		count, err := out.N()
		if err != nil {
			return stats.Acc{}, false, err
		}
		if count > 0 {
			value /= float64(count)
		}
	}
	t, err := out.Time()
	if err != nil {
		return stats.Acc{}, false, err
	}
	if s.DivByT && t > 0 {
		value /= t
	}

	weight := t
	if s.EventWeighted {
		ev, err := out.Events()
		if err != nil {
			return stats.Acc{}, false, err
		}
		weight = float64(ev)
	}
	return stats.Scalar(value, weight), true, nil
}

func ptr(f float64) *float64 { return &f }

// radialDistribution converts the raw moments of N(r), collected about an
// origin N0(r), into central moments weighted by the sample count. Moment n
// is keyed "moment<n>"; moment1 is the mean <N(r)>.
func radialDistribution(in Input) (stats.Acc, bool, error) {
	out := in.Output
	head := out.Root.Find("RadialDistributionMoments")
	if head == nil {
		return stats.Acc{}, false, nil
	}
	samples, err := head.FloatAttr("SampleCount")
	if err != nil {
		return stats.Acc{}, false, fmt.Errorf("%s: %w", out.Path, err)
	}
	tags := out.Root.FindAll("RadialDistributionMoments/Species/Moment")
	if len(tags) < 2 {
		return stats.Acc{}, false, fmt.Errorf("%s: need at least 2 moment tables, found %d", out.Path, len(tags))
	}
	m := make([][]float64, len(tags))
	for i, tag := range tags {
		col, err := secondColumn(tag.Text)
		if err != nil {
			return stats.Acc{}, false, fmt.Errorf("%s: moment %d: %w", out.Path, i, err)
		}
		if i > 0 && len(col) != len(m[0]) {
			return stats.Acc{}, false, fmt.Errorf("%s: moment %d has %d bins, want %d", out.Path, i, len(col), len(m[0]))
		}
		m[i] = col
	}

	bins := len(m[0])
	n0 := append([]float64(nil), m[0]...)
	ones := make([]float64, bins)
	for i := range ones {
		ones[i] = 1
	}
	m[0] = ones

	central := make([][]float64, len(m)-1)
	central[0] = make([]float64, bins)
	for b := 0; b < bins; b++ {
		central[0][b] = m[1][b] + n0[b]
	}
	for n := 2; n < len(m); n++ {
		row := make([]float64, bins)
		for b := 0; b < bins; b++ {
			shift := n0[b] - central[0][b]
			sum := 0.0
			for i := 0; i <= n; i++ {
				sum += binomial(n, i) * m[i][b] * pow(shift, n-i)
			}
			row[b] = sum
		}
		central[n-1] = row
	}

	keyed := make(map[string]stats.Acc, len(central))
	for i, row := range central {
		keyed["moment"+strconv.Itoa(i+1)] = stats.Vector(row, samples)
	}
	return stats.Keyed(keyed), true, nil
}

func secondColumn(text string) ([]float64, error) {
	var out []float64
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func binomial(n, k int) float64 {
	r := 1.0
	for i := 1; i <= k; i++ {
		r = r * float64(n-k+i) / float64(i)
	}
	return r
}

func pow(x float64, n int) float64 {
	r := 1.0
	for ; n > 0; n-- {
		r *= x
	}
	return r
}

// collisionMatrix reports, per interaction/event pair, the event rate per
// particle, weighted by simulated time.
func collisionMatrix(in Input) (stats.Acc, bool, error) {
	out := in.Output
	tags := out.Root.FindAll("CollCounters/Totals/TotCount")
	if len(tags) == 0 {
		return stats.Acc{}, false, nil
	}
	n, err := out.N()
	if err != nil {
		return stats.Acc{}, false, err
	}
	t, err := out.Time()
	if err != nil {
		return stats.Acc{}, false, err
	}
	if n <= 0 || t <= 0 {
		return stats.Acc{}, false, nil
	}
	keyed := make(map[string]stats.Acc, len(tags))
	for _, tag := range tags {
		name, _ := tag.Attr("Name")
		event, _ := tag.Attr("Event")
		count, err := tag.FloatAttr("Count")
		if err != nil {
			return stats.Acc{}, false, fmt.Errorf("%s: %w", out.Path, err)
		}
		keyed[name+":"+event] = stats.Scalar(count/(float64(n)*t), t)
	}
	return stats.Keyed(keyed), true, nil
}

// Builtin returns the registry of DynamO observables.
func Builtin() *Registry {
	r, err := NewRegistry(
		Observable{Name: "N", Extractor: SingleAttrib{Tag: "ParticleCount", Attr: "val"}},
		Observable{Name: "p", Extractor: SingleAttrib{Tag: "Pressure", Attr: "Avg"}},
		Observable{Name: "cv", Extractor: SingleAttrib{Tag: "ResidualHeatCapacity", Attr: "Value", DivByN: true}},
		Observable{Name: "u", Extractor: SingleAttrib{Tag: "UConfigurational", Attr: "Mean", DivByN: true}},
		Observable{Name: "T", Extractor: SingleAttrib{Tag: "Temperature", Attr: "Mean"}},
		Observable{Name: "density", Extractor: SingleAttrib{Tag: "Density", Attr: "val"}},
		Observable{
			Name:      "MSD",
			Plugins:   []string{"-LMSD"},
			Extractor: SingleAttrib{Tag: "MSD/Species", Attr: "diffusionCoeff", SkipMissing: true},
		},
		Observable{
			Name:      "NeventsSO",
			StateVars: []string{"Rso"},
			Extractor: SingleAttrib{
				Tag:     `EventCounters/Entry[@Name="SOCells"]`,
				Attr:    "Count",
				DivByN:  true,
				DivByT:  true,
				Missing: ptr(0),
			},
		},
		Observable{
			Name:      "RadialDistribution",
			Plugins:   []string{"-LRadialDistribution"},
			Extractor: ExtractorFunc(radialDistribution),
		},
		Observable{
			Name:      "CollisionMatrix",
			Plugins:   []string{"-LCollisionMatrix"},
			Extractor: ExtractorFunc(collisionMatrix),
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}
