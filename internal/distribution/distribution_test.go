package distribution

import "testing"

func TestRoundRobinObjectStripeScenario(t *testing.T) {
	// Two object servers, block size
	// 4, writing 10 bytes at offset 0.
	rr := &RoundRobin{BlockSize: 4}
	pieces := Collect(rr.Cursor(0, 10, 2))

	want := []Piece{
		{ServerIndex: 0, Length: 4, LocalOffset: 0, BlockID: 0},
		{ServerIndex: 1, Length: 4, LocalOffset: 0, BlockID: 1},
		{ServerIndex: 0, Length: 2, LocalOffset: 4, BlockID: 2},
	}

	if len(pieces) != len(want) {
		t.Fatalf("expected %d pieces, got %d: %+v", len(want), len(pieces), pieces)
	}
	for i, p := range pieces {
		if p != want[i] {
			t.Errorf("piece %d: expected %+v, got %+v", i, want[i], p)
		}
	}
}

func TestRoundRobinCompletenessProperty(t *testing.T) {
	// Sum of piece lengths equals length, for arbitrary offsets/lengths.
	cases := []struct {
		offset, length uint64
		numServers     int
	}{
		{0, 1, 1}, {0, 1000, 3}, {17, 513, 4}, {100000, 1, 7},
	}
	rr := NewRoundRobin()
	for _, c := range cases {
		pieces := Collect(rr.Cursor(c.offset, c.length, c.numServers))
		var sum uint64
		for _, p := range pieces {
			sum += p.Length
		}
		if sum != c.length {
			t.Errorf("offset=%d length=%d servers=%d: expected total length %d, got %d",
				c.offset, c.length, c.numServers, c.length, sum)
		}
	}
}

func TestSingleServerPlacesEverythingOnOneServer(t *testing.T) {
	ss := NewSingleServer(2)
	pieces := Collect(ss.Cursor(0, 1000, 4))
	for _, p := range pieces {
		if p.ServerIndex != 2 {
			t.Errorf("expected every piece on server 2, got %d", p.ServerIndex)
		}
	}
}
