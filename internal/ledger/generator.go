package ledger

import (
	fpmath "PerpOptions/internal/math"

	"github.com/google/uuid"
)

// The helpers below append the journals of one protocol movement to a batch.
// Account naming:
//   user:<id>:wallet:<asset>                 trader / LP tokens
//   system:collateral_vault:<asset>          collateral backing all trader accounts
//   system:book_vault:<book>:<asset>         native liquidity of a strike book
//   system:reward_pool:<book>:<asset>        rent owed to a book's LPs
//   external:mint:<asset>                    token issuance
//   external:settlement:<asset>              counterparty of ITM payoffs and conversions

// GenerateMint credits newly issued tokens to a wallet.
func GenerateMint(b *Batch, owner uuid.UUID, assetID AssetID, amount fpmath.Wad) {
	b.Transfer(
		NewExternalAccountKey(SubTypeExternalMint, assetID),
		NewUserAccountKey(owner, assetID),
		amount, JournalTypeMint,
	)
}

// GenerateCollateralDeposit pulls collateral from the owner's wallet into the vault.
func GenerateCollateralDeposit(b *Batch, owner uuid.UUID, assetID AssetID, amount fpmath.Wad) {
	b.TransferFrom(owner, NewSystemAccountKey(SubTypeCollateralVault, assetID), amount, JournalTypeCollateralDeposit)
}

// GenerateCollateralWithdrawal returns collateral from the vault to the owner.
func GenerateCollateralWithdrawal(b *Batch, owner uuid.UUID, assetID AssetID, amount fpmath.Wad) {
	b.Transfer(
		NewSystemAccountKey(SubTypeCollateralVault, assetID),
		NewUserAccountKey(owner, assetID),
		amount, JournalTypeCollateralWithdrawal,
	)
}

// GenerateRentPayment forwards accrued rent from the vault to a book's reward pool.
func GenerateRentPayment(b *Batch, bookID uuid.UUID, assetID AssetID, amount fpmath.Wad) {
	b.Transfer(
		NewSystemAccountKey(SubTypeCollateralVault, assetID),
		NewBookAccountKey(bookID, SubTypeRewardPool, assetID),
		amount, JournalTypeRentPayment,
	)
}

// GenerateLiquidityDeposit pulls native liquidity from the LP into the book vault.
func GenerateLiquidityDeposit(b *Batch, owner, bookID uuid.UUID, nativeID AssetID, amount fpmath.Wad) {
	b.TransferFrom(owner, NewBookAccountKey(bookID, SubTypeBookVault, nativeID), amount, JournalTypeLiquidityDeposit)
}

// GenerateRewardClaim pays rent rewards from a book's pool to an LP.
func GenerateRewardClaim(b *Batch, owner, bookID uuid.UUID, assetID AssetID, amount fpmath.Wad) {
	b.Transfer(
		NewBookAccountKey(bookID, SubTypeRewardPool, assetID),
		NewUserAccountKey(owner, assetID),
		amount, JournalTypeRewardClaim,
	)
}

// GenerateSettlementPayout pays an ITM payoff from the settlement counterparty.
func GenerateSettlementPayout(b *Batch, owner uuid.UUID, assetID AssetID, amount fpmath.Wad) {
	b.Transfer(
		NewExternalAccountKey(SubTypeExternalSettlement, assetID),
		NewUserAccountKey(owner, assetID),
		amount, JournalTypeSettlementPayout,
	)
}

// LiquidityWithdrawal describes the two-currency payout of one LP withdrawal.
type LiquidityWithdrawal struct {
	Owner      uuid.UUID
	BookID     uuid.UUID
	NativeID   AssetID
	OppositeID AssetID
	Free       fpmath.Wad // native paid straight from the vault
	Converted  fpmath.Wad // native handed to settlement in exchange for Opposite
	Opposite   fpmath.Wad // realized value paid in the opposite asset
}

// GenerateLiquidityWithdrawal pays an LP its free native share and its share of
// realized value. The native backing the realized part leaves the vault to the
// settlement counterparty, which pays the opposite asset.
func GenerateLiquidityWithdrawal(b *Batch, w LiquidityWithdrawal) {
	vault := NewBookAccountKey(w.BookID, SubTypeBookVault, w.NativeID)
	b.Transfer(vault, NewUserAccountKey(w.Owner, w.NativeID), w.Free, JournalTypeLiquidityWithdrawal)
	b.Transfer(vault, NewExternalAccountKey(SubTypeExternalSettlement, w.NativeID), w.Converted, JournalTypeLiquidityConversion)
	b.Transfer(
		NewExternalAccountKey(SubTypeExternalSettlement, w.OppositeID),
		NewUserAccountKey(w.Owner, w.OppositeID),
		w.Opposite, JournalTypeLiquidityConversion,
	)
}

// GenerateLiquidationPenalty pays the liquidation penalty out of the trader's
// collateral to the liquidator.
func GenerateLiquidationPenalty(b *Batch, liquidator uuid.UUID, assetID AssetID, amount fpmath.Wad) {
	b.Transfer(
		NewSystemAccountKey(SubTypeCollateralVault, assetID),
		NewUserAccountKey(liquidator, assetID),
		amount, JournalTypeLiquidationPenalty,
	)
}
