package model

import (
	"reflect"
	"testing"
)

func TestTrackedItem_StoreFilter(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "empty", raw: "", want: nil},
		{name: "blank", raw: "  , ,", want: nil},
		{name: "trim and order", raw: " 445, 203 ,094", want: []string{"445", "203", "094"}},
		{name: "dedup", raw: "445,445,203", want: []string{"445", "203"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := &TrackedItem{StoreIDs: tt.raw}
			if got := item.StoreFilter(); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("StoreFilter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTrackedItem_Watched(t *testing.T) {
	five := 5
	if (&TrackedItem{NotifyEnabled: true}).Watched() {
		t.Fatalf("item without threshold must not be watched")
	}
	if (&TrackedItem{NotifyThreshold: &five}).Watched() {
		t.Fatalf("item with notifications disabled must not be watched")
	}
	if !(&TrackedItem{NotifyEnabled: true, NotifyThreshold: &five}).Watched() {
		t.Fatalf("expected watched item")
	}
}

func TestCheckRun_Tally(t *testing.T) {
	run := &CheckRun{Outcomes: []CheckOutcome{
		{Status: OutcomeSucceeded},
		{Status: OutcomeFailed, Kind: KindTimeout},
		{Status: OutcomeSkipped, Kind: KindAlreadyInProgress},
		{Status: OutcomeSucceeded},
	}}
	run.Tally()
	if run.Checked != 4 || run.Succeeded != 2 || run.Failed != 1 || run.Skipped != 1 {
		t.Fatalf("unexpected tally: %+v", run)
	}
}
