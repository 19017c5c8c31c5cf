package core

import (
	"PerpOptions/internal/event"
	"PerpOptions/internal/ledger"
	fpmath "PerpOptions/internal/math"
	"context"
	"fmt"

	"github.com/google/uuid"
)

// DepositCollateral pulls amount of the collateral asset from owner's wallet
// (against the owner's allowance) into their collateral account.
func (e *Engine) DepositCollateral(ctx context.Context, owner uuid.UUID, amount fpmath.Wad) (*event.CollateralDeposited, error) {
	var out *event.CollateralDeposited
	_, err := e.apply(ctx, "deposit_collateral", owner, func(t *txn) (event.Event, error) {
		if amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: deposit collateral", ErrZeroAmount)
		}
		accrual, err := t.accrue(owner)
		if err != nil {
			return nil, err
		}

		acc := t.account(owner)
		ledger.GenerateCollateralDeposit(t.batch, owner, e.collateralID, amount)
		acc.Balance = acc.Balance.Add(amount)

		out = &event.CollateralDeposited{
			Owner:   owner,
			Amount:  amount,
			Balance: acc.Balance,
			Accrual: accrual,
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WithdrawCollateral returns amount to owner's wallet. Rent is accrued first;
// the withdrawal fails if amount exceeds what is left.
func (e *Engine) WithdrawCollateral(ctx context.Context, owner uuid.UUID, amount fpmath.Wad) (*event.CollateralWithdrawn, error) {
	var out *event.CollateralWithdrawn
	_, err := e.apply(ctx, "withdraw_collateral", owner, func(t *txn) (event.Event, error) {
		if amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: withdraw collateral", ErrZeroAmount)
		}
		accrual, err := t.accrue(owner)
		if err != nil {
			return nil, err
		}

		acc := t.account(owner)
		if amount.GT(acc.Balance) {
			return nil, fmt.Errorf("%w: %s has %s collateral after rent, requested %s",
				ErrInsufficientBalance, owner, acc.Balance, amount)
		}
		ledger.GenerateCollateralWithdrawal(t.batch, owner, e.collateralID, amount)
		acc.Balance = acc.Balance.Sub(amount)

		out = &event.CollateralWithdrawn{
			Owner:   owner,
			Amount:  amount,
			Balance: acc.Balance,
			Accrual: accrual,
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CanOpenContract reports whether owner's balance, after accrual, sustains a
// full threshold window of rent with additionalRentPerSecond added.
func (e *Engine) CanOpenContract(owner uuid.UUID, additionalRentPerSecond fpmath.Wad) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	acc, ok := e.accounts[owner]
	if !ok {
		return additionalRentPerSecond.Sign() <= 0
	}
	return acc.CanOpen(e.clock.Now(), additionalRentPerSecond, e.params.ThresholdSeconds())
}

// NeedLiquidation reports balance < rent * threshold at the current time.
func (e *Engine) NeedLiquidation(owner uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	acc, ok := e.accounts[owner]
	if !ok {
		return false
	}
	return acc.NeedsLiquidation(e.clock.Now(), e.params.ThresholdSeconds())
}

// Mint credits tokens from the external mint account. Only enabled for
// development deployments.
func (e *Engine) Mint(ctx context.Context, owner uuid.UUID, asset string, amount fpmath.Wad) error {
	_, err := e.apply(ctx, "mint", owner, func(t *txn) (event.Event, error) {
		if !e.faucet {
			return nil, ErrFaucetDisabled
		}
		if amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: mint", ErrZeroAmount)
		}
		assetID, ok := ledger.GetAssetID(asset)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
		}
		ledger.GenerateMint(t.batch, owner, assetID, amount)
		name, _ := ledger.GetAssetName(assetID)
		return &event.TokensMinted{Owner: owner, Asset: name, Amount: amount}, nil
	})
	return err
}

// Approve sets the amount of asset the protocol may pull from owner's wallet.
func (e *Engine) Approve(ctx context.Context, owner uuid.UUID, asset string, amount fpmath.Wad) error {
	_, err := e.apply(ctx, "approve", owner, func(t *txn) (event.Event, error) {
		if amount.Sign() < 0 {
			return nil, fmt.Errorf("%w: allowance %s", ErrNegativeAmount, amount)
		}
		assetID, ok := ledger.GetAssetID(asset)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
		}
		t.approvals = append(t.approvals, ledger.AllowanceSpend{Owner: owner, AssetID: assetID, Amount: amount})
		name, _ := ledger.GetAssetName(assetID)
		return &event.AllowanceApproved{Owner: owner, Asset: name, Amount: amount}, nil
	})
	return err
}

// WalletBalance returns owner's wallet balance of asset.
func (e *Engine) WalletBalance(owner uuid.UUID, asset string) (fpmath.Wad, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return fpmath.Zero(), fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokens.BalanceOf(owner, assetID), nil
}

// Allowance returns what the protocol may still pull from owner's wallet.
func (e *Engine) Allowance(owner uuid.UUID, asset string) (fpmath.Wad, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return fpmath.Zero(), fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokens.Allowance(owner, assetID), nil
}
