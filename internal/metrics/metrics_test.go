package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestShardCountersAggregateAcrossShards(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	set := NewSet(reg)

	a := set.Shard("0")
	b := set.Shard("1")

	a.PixelsSet.Add(3)
	b.PixelsSet.Add(4)
	a.ConnectionsAccepted.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	total := func(name string) float64 {
		var sum float64
		for _, fam := range families {
			if fam.GetName() != name {
				continue
			}
			for _, m := range fam.GetMetric() {
				sum += m.GetCounter().GetValue()
			}
		}
		return sum
	}

	if got := total("wellenbrecher_pixels_set_total"); got != 7 {
		t.Fatalf("pixels_set_total = %v, want 7", got)
	}
	if got := total("wellenbrecher_connections_accepted_total"); got != 1 {
		t.Fatalf("connections_accepted_total = %v, want 1", got)
	}
}

func TestNewSetRegistersAllFamilies(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	set := NewSet(reg)
	c := set.Shard("0")
	c.ConnectionsAccepted.Inc()
	c.ConnectionsRejected.Inc()
	c.ConnectionsClosed.Inc()
	c.BytesRead.Inc()
	c.BytesWritten.Inc()
	c.PixelsSet.Inc()
	c.PixelsBlended.Inc()
	c.PixelReads.Inc()
	c.ProtocolErrors.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 9 {
		t.Fatalf("gathered %d families, want 9", len(families))
	}
}
