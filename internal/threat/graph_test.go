package threat

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCountCyclesDetectsWashLoop(t *testing.T) {
	a, b, c := mintN(1), mintN(2), mintN(3)
	one := decimal.NewFromInt(1)

	transfers := []Transfer{
		{From: a, To: b, Amount: one},
		{From: b, To: c, Amount: one},
		{From: c, To: a, Amount: one}, // closes the loop
	}
	if got := countCycles(transfers); got != 1 {
		t.Errorf("cycles = %d, want 1", got)
	}
}

func TestCountCyclesAcyclic(t *testing.T) {
	a, b, c := mintN(1), mintN(2), mintN(3)
	one := decimal.NewFromInt(1)

	transfers := []Transfer{
		{From: a, To: b, Amount: one},
		{From: a, To: c, Amount: one},
		{From: b, To: c, Amount: one},
	}
	if got := countCycles(transfers); got != 0 {
		t.Errorf("cycles = %d, want 0 for a DAG", got)
	}
}

func TestLargestFundingClusterShare(t *testing.T) {
	funder := mintN(10)
	w1, w2, w3 := mintN(11), mintN(12), mintN(13)
	outsider := mintN(14)

	edges := []Transfer{
		{From: funder, To: w1},
		{From: funder, To: w2},
		{From: funder, To: w3},
	}
	holders := []HolderShare{
		{Address: w1, Share: 0.2},
		{Address: w2, Share: 0.2},
		{Address: w3, Share: 0.2},
		{Address: outsider, Share: 0.1},
	}

	got := largestFundingClusterShare(edges, holders)
	if got < 0.59 || got > 0.61 {
		t.Errorf("largest cluster share = %.3f, want 0.60", got)
	}
}
