package math

import "sort"

// SecondsPerYear is the annualization base for strike-book yields.
const SecondsPerYear int64 = 31_536_000

// ComputeRentPerSecond returns notional * yield / secondsPerYear, rounded down.
func ComputeRentPerSecond(notional, yield Wad, secondsPerYear int64) Wad {
	return notional.Mul(yield).DivInt(secondsPerYear)
}

// ComputeAccruedRent returns rent * elapsed. Non-positive elapsed accrues nothing.
func ComputeAccruedRent(rentPerSecond Wad, elapsed int64) Wad {
	if elapsed <= 0 {
		return Zero()
	}
	return rentPerSecond.MulInt(elapsed)
}

// RentShare is one contract's claim on an account's accrued rent.
type RentShare struct {
	ContractID    uint64
	RentPerSecond Wad
	Due           Wad // filled by ComputeRentAllocation
	Paid          Wad // filled by ComputeRentAllocation
}

// RentAllocation is the outcome of charging accrued rent against a balance.
type RentAllocation struct {
	Due    Wad // rent owed before flooring
	Paid   Wad // min(Due, balance); always equals the sum of share payments
	Shares []RentShare
}

// ComputeRentAllocation charges elapsed rent for every share against balance.
// When the balance cannot cover the total, each share is paid pro-rata
// (rounded down) and the rounding residual is assigned to the last share in
// contract-id order, so the amount deducted always equals the amount forwarded.
func ComputeRentAllocation(balance Wad, elapsed int64, shares []RentShare) RentAllocation {
	sorted := make([]RentShare, len(shares))
	copy(sorted, shares)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ContractID < sorted[j].ContractID
	})

	due := Zero()
	for i := range sorted {
		sorted[i].Due = ComputeAccruedRent(sorted[i].RentPerSecond, elapsed)
		due = due.Add(sorted[i].Due)
	}

	if balance.Sign() <= 0 {
		balance = Zero()
	}

	if due.LTE(balance) {
		for i := range sorted {
			sorted[i].Paid = sorted[i].Due
		}
		return RentAllocation{Due: due, Paid: due, Shares: sorted}
	}

	// Floored: pay pro-rata out of the whole balance
	paid := Zero()
	for i := range sorted {
		sorted[i].Paid = sorted[i].Due.MulDiv(balance, due, RoundDown)
		paid = paid.Add(sorted[i].Paid)
	}
	if residual := balance.Sub(paid); !residual.IsZero() && len(sorted) > 0 {
		last := len(sorted) - 1
		sorted[last].Paid = sorted[last].Paid.Add(residual)
	}

	return RentAllocation{Due: due, Paid: balance, Shares: sorted}
}
