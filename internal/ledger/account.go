package ledger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeCollateralVault // all trader collateral, one per collateral asset
	SubTypeBookVault       // native liquidity of one strike book
	SubTypeRewardPool      // rent credited to one strike book, owed to its LPs

	// External sub-types
	SubTypeExternalMint       // token issuance (deposits from outside / dev faucet)
	SubTypeExternalSettlement // settlement counterparty for ITM payoffs and conversions
)

var subTypeNames = map[AccountSubType]string{
	SubTypeWallet:             "wallet",
	SubTypeCollateralVault:    "collateral_vault",
	SubTypeBookVault:          "book_vault",
	SubTypeRewardPool:         "reward_pool",
	SubTypeExternalMint:       "mint",
	SubTypeExternalSettlement: "settlement",
}

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetMu   sync.RWMutex
	assetToID = map[string]AssetID{
		"USDT": 1,
		"USDC": 2,
		"BTC":  3,
		"ETH":  4,
	}
	idToAsset = map[AssetID]string{
		1: "USDT",
		2: "USDC",
		3: "BTC",
		4: "ETH",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	name, ok := idToAsset[id]
	return name, ok
}

// RegisterAsset returns the id of asset, allocating a new one if needed.
func RegisterAsset(asset string) (AssetID, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" || strings.ContainsAny(asset, ": ") {
		return 0, fmt.Errorf("invalid asset symbol %q", asset)
	}

	assetMu.Lock()
	defer assetMu.Unlock()

	if id, ok := assetToID[asset]; ok {
		return id, nil
	}
	id := AssetID(len(assetToID) + 1)
	for {
		if _, taken := idToAsset[id]; !taken {
			break
		}
		id++
	}
	assetToID[asset] = id
	idToAsset[id] = asset
	return id, nil
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // user id for wallets, book id for book accounts, zero for singletons
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for a user's token wallet
func NewUserAccountKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  SubTypeWallet,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for a singleton system account
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewBookAccountKey creates a key for an account owned by one strike book
func NewBookAccountKey(bookID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: bookID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// CanGoNegative reports whether the account is a ledger boundary.
// Only external accounts may carry a negative balance.
func (k AccountKey) CanGoNegative() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		if k.EntityID == ([16]byte{}) {
			return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
		}
		return fmt.Sprintf("system:%s:%s:%s", k.subTypeName(), uuid.UUID(k.EntityID).String(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) < 3 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	assetID, ok := GetAssetID(parts[len(parts)-1])
	if !ok {
		var err error
		if assetID, err = RegisterAsset(parts[len(parts)-1]); err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
	}

	subType := func(name string) (AccountSubType, error) {
		for st, n := range subTypeNames {
			if n == name {
				return st, nil
			}
		}
		return 0, fmt.Errorf("account path %q: unknown sub-type %q", path, name)
	}

	switch {
	case parts[0] == "user" && len(parts) == 4:
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		return NewUserAccountKey(uid, assetID), nil

	case parts[0] == "system" && len(parts) == 3:
		st, err := subType(parts[1])
		if err != nil {
			return AccountKey{}, err
		}
		return NewSystemAccountKey(st, assetID), nil

	case parts[0] == "system" && len(parts) == 4:
		st, err := subType(parts[1])
		if err != nil {
			return AccountKey{}, err
		}
		bookID, err := uuid.Parse(parts[2])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		return NewBookAccountKey(bookID, st, assetID), nil

	case parts[0] == "external" && len(parts) == 3:
		st, err := subType(parts[1])
		if err != nil {
			return AccountKey{}, err
		}
		return NewExternalAccountKey(st, assetID), nil
	}

	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}
