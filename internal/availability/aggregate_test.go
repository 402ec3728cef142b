package availability

import (
	"reflect"
	"testing"

	"stockwatch/internal/model"
	"stockwatch/internal/provider"
)

func intPtr(v int) *int { return &v }

func stores(codes ...string) []model.Store {
	out := make([]model.Store, 0, len(codes))
	for _, c := range codes {
		out = append(out, model.Store{CountryCode: "de", Code: c})
	}
	return out
}

func TestAggregate_MissingStoreIsUnknown(t *testing.T) {
	readings := []provider.Reading{
		{StoreCode: "148", ProductID: "80213074", Stock: intPtr(3), Probability: "LOW_STOCK"},
		{StoreCode: "324", ProductID: "80213074", Stock: intPtr(0), Probability: "OUT_OF_STOCK"},
	}
	snap := Aggregate("80213074", stores("148", "324", "445"), readings)

	if snap.TotalStock != 3 {
		t.Fatalf("expected total 3, got %d", snap.TotalStock)
	}
	if snap.KnownStores != 2 || snap.UnknownStores != 1 {
		t.Fatalf("expected 2 known / 1 unknown, got %d / %d", snap.KnownStores, snap.UnknownStores)
	}
	if len(snap.Stores) != 3 {
		t.Fatalf("expected one entry per requested store, got %d", len(snap.Stores))
	}
	missing := snap.Stores[2]
	if missing.StoreCode != "445" || missing.Known || missing.Stock != nil {
		t.Fatalf("missing store must be unknown, got %+v", missing)
	}
	zero := snap.Stores[1]
	if !zero.Known || zero.Stock == nil || *zero.Stock != 0 {
		t.Fatalf("zero stock must stay known, got %+v", zero)
	}
}

func TestAggregate_Cases(t *testing.T) {
	tests := []struct {
		name        string
		stores      []model.Store
		readings    []provider.Reading
		wantTotal   int
		wantKnown   int
		wantUnknown int
		wantProb    string
	}{
		{
			name:        "no readings",
			stores:      stores("1", "2"),
			wantUnknown: 2,
			wantProb:    ProbabilityUnknown,
		},
		{
			name:   "null stock is unknown",
			stores: stores("1"),
			readings: []provider.Reading{
				{StoreCode: "1", Probability: "HIGH_STOCK"},
			},
			wantUnknown: 1,
			wantProb:    "HIGH_STOCK",
		},
		{
			name:   "unrequested stores ignored",
			stores: stores("1"),
			readings: []provider.Reading{
				{StoreCode: "1", Stock: intPtr(2)},
				{StoreCode: "9", Stock: intPtr(50)},
			},
			wantTotal: 2,
			wantKnown: 1,
			wantProb:  ProbabilityUnknown,
		},
		{
			name:   "other products ignored",
			stores: stores("1"),
			readings: []provider.Reading{
				{StoreCode: "1", ProductID: "other", Stock: intPtr(9)},
				{StoreCode: "1", ProductID: "p", Stock: intPtr(4)},
			},
			wantTotal: 4,
			wantKnown: 1,
			wantProb:  ProbabilityUnknown,
		},
		{
			name:   "duplicate reading keeps first",
			stores: stores("1"),
			readings: []provider.Reading{
				{StoreCode: "1", Stock: intPtr(1)},
				{StoreCode: "1", Stock: intPtr(100)},
			},
			wantTotal: 1,
			wantKnown: 1,
			wantProb:  ProbabilityUnknown,
		},
		{
			name:   "probabilities sorted and unique",
			stores: stores("1", "2", "3"),
			readings: []provider.Reading{
				{StoreCode: "1", Stock: intPtr(1), Probability: "LOW_STOCK"},
				{StoreCode: "2", Stock: intPtr(5), Probability: "HIGH_STOCK"},
				{StoreCode: "3", Stock: intPtr(2), Probability: "LOW_STOCK"},
			},
			wantTotal: 8,
			wantKnown: 3,
			wantProb:  "HIGH_STOCK, LOW_STOCK",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Aggregate("p", tt.stores, tt.readings)
			if snap.TotalStock != tt.wantTotal {
				t.Fatalf("total: got %d want %d", snap.TotalStock, tt.wantTotal)
			}
			if snap.KnownStores != tt.wantKnown || snap.UnknownStores != tt.wantUnknown {
				t.Fatalf("known/unknown: got %d/%d want %d/%d", snap.KnownStores, snap.UnknownStores, tt.wantKnown, tt.wantUnknown)
			}
			if snap.ProbabilitySummary != tt.wantProb {
				t.Fatalf("probability: got %q want %q", snap.ProbabilitySummary, tt.wantProb)
			}
		})
	}
}

func TestAggregate_DeterministicAndOrdered(t *testing.T) {
	readings := []provider.Reading{
		{StoreCode: "3", StoreName: "Drei", Stock: intPtr(3)},
		{StoreCode: "1", StoreName: "Eins", Stock: intPtr(1)},
	}
	req := stores("1", "2", "3")

	first := Aggregate("p", req, readings)
	second := Aggregate("p", req, readings)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("aggregation is not deterministic:\n%+v\n%+v", first, second)
	}
	got := []string{first.Stores[0].StoreCode, first.Stores[1].StoreCode, first.Stores[2].StoreCode}
	if !reflect.DeepEqual(got, []string{"1", "2", "3"}) {
		t.Fatalf("breakdown must follow requested order, got %v", got)
	}
	if first.Stores[0].StoreName != "Eins" {
		t.Fatalf("store name should fall back to reading name, got %q", first.Stores[0].StoreName)
	}
}

func TestAggregate_DoesNotAliasReadingStock(t *testing.T) {
	stock := intPtr(5)
	snap := Aggregate("p", stores("1"), []provider.Reading{{StoreCode: "1", Stock: stock}})
	*stock = 99
	if *snap.Stores[0].Stock != 5 {
		t.Fatalf("snapshot must own its stock values, got %d", *snap.Stores[0].Stock)
	}
}
