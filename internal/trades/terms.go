package trades

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/nftswap/internal/domain"
	"github.com/mbd888/nftswap/internal/validation"
)

const (
	// MaxAssetsPerSide bounds each asset list of a trade.
	MaxAssetsPerSide = 50

	// NativeDecimals is the precision of the chain's native currency.
	NativeDecimals = 18
)

// Terms are the immutable conditions of a trade as submitted by a client.
// They are validated and normalized once, in Manager.Create.
type Terms struct {
	CreatorAddress      string     `json:"creatorAddress"`
	CounterpartyAddress string     `json:"counterpartyAddress"`
	OfferedAssets       []Asset    `json:"offeredAssets"`
	RequestedAssets     []Asset    `json:"requestedAssets"`
	OfferedNative       string     `json:"offeredNative"`
	RequestedNative     string     `json:"requestedNative"`
	ExpiresAt           *time.Time `json:"expiresAt,omitempty"`
	ChainTradeID        string     `json:"chainTradeId,omitempty"`
	TxHash              string     `json:"txHash,omitempty"`
}

// normalize validates t and returns it with lower-cased addresses and
// hashes, canonical asset amounts and canonical native amounts.
func (t Terms) normalize() (Terms, error) {
	out := t
	out.CreatorAddress = validation.NormalizeAddress(t.CreatorAddress)
	out.CounterpartyAddress = validation.NormalizeAddress(t.CounterpartyAddress)

	if errs := validation.Validate(
		validation.Required("creatorAddress", out.CreatorAddress),
		validation.Required("counterpartyAddress", out.CounterpartyAddress),
		validation.ValidAddress("creatorAddress", out.CreatorAddress),
		validation.ValidAddress("counterpartyAddress", out.CounterpartyAddress),
	); len(errs) > 0 {
		return Terms{}, domain.Validationf("%s", errs.Error())
	}
	if out.CreatorAddress == out.CounterpartyAddress {
		return Terms{}, domain.Validationf("creator and counterparty must be different addresses")
	}

	var err error
	if out.OfferedAssets, err = normalizeAssets("offeredAssets", t.OfferedAssets); err != nil {
		return Terms{}, err
	}
	if out.RequestedAssets, err = normalizeAssets("requestedAssets", t.RequestedAssets); err != nil {
		return Terms{}, err
	}
	offered, err := parseNative("offeredNative", t.OfferedNative)
	if err != nil {
		return Terms{}, err
	}
	requested, err := parseNative("requestedNative", t.RequestedNative)
	if err != nil {
		return Terms{}, err
	}
	out.OfferedNative, out.RequestedNative = offered.String(), requested.String()

	if len(out.OfferedAssets) == 0 && len(out.RequestedAssets) == 0 && offered.IsZero() && requested.IsZero() {
		return Terms{}, domain.Validationf("a trade must offer or request at least one asset or a native amount")
	}

	out.ChainTradeID = strings.TrimSpace(t.ChainTradeID)
	if out.ChainTradeID != "" {
		id, ok := new(big.Int).SetString(out.ChainTradeID, 10)
		if !validation.IsUint(out.ChainTradeID) || !ok {
			return Terms{}, domain.Validationf("chainTradeId must be an unsigned decimal integer")
		}
		out.ChainTradeID = id.String()
	}

	out.TxHash = strings.ToLower(strings.TrimSpace(t.TxHash))
	if errs := validation.Validate(validation.ValidTxHash("txHash", out.TxHash)); len(errs) > 0 {
		return Terms{}, domain.Validationf("%s", errs.Error())
	}

	if t.ExpiresAt != nil {
		if t.ExpiresAt.IsZero() {
			out.ExpiresAt = nil
		} else {
			exp := t.ExpiresAt.UTC()
			out.ExpiresAt = &exp
		}
	}
	return out, nil
}

func normalizeAssets(field string, assets []Asset) ([]Asset, error) {
	if len(assets) > MaxAssetsPerSide {
		return nil, domain.Validationf("%s: at most %d assets per side", field, MaxAssetsPerSide)
	}
	out := make([]Asset, 0, len(assets))
	for i, a := range assets {
		name := fmt.Sprintf("%s[%d]", field, i)
		contract := validation.NormalizeAddress(a.ContractAddress)
		if !validation.IsValidEthAddress(contract) {
			return nil, domain.Validationf("%s.contractAddress must be a valid Ethereum address", name)
		}
		tokenID := strings.TrimSpace(a.TokenID)
		if !validation.IsUint(tokenID) {
			return nil, domain.Validationf("%s.tokenId must be an unsigned decimal integer", name)
		}
		tid, _ := new(big.Int).SetString(tokenID, 10)

		amount := strings.TrimSpace(a.Amount)
		switch Standard(strings.ToUpper(strings.TrimSpace(string(a.Standard)))) {
		case StandardERC721:
			if amount != "" && amount != "1" {
				return nil, domain.Validationf("%s.amount must be 1 for ERC721", name)
			}
			out = append(out, Asset{ContractAddress: contract, TokenID: tid.String(), Amount: "1", Standard: StandardERC721})
		case StandardERC1155:
			n, ok := new(big.Int).SetString(amount, 10)
			if !validation.IsUint(amount) || !ok || n.Sign() == 0 {
				return nil, domain.Validationf("%s.amount must be a positive integer for ERC1155", name)
			}
			out = append(out, Asset{ContractAddress: contract, TokenID: tid.String(), Amount: n.String(), Standard: StandardERC1155})
		default:
			return nil, domain.Validationf("%s.standard must be ERC721 or ERC1155", name)
		}
	}
	return out, nil
}

// parseNative parses a native currency amount. Empty means zero.
func parseNative(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, domain.Validationf("%s must be a decimal amount", field)
	}
	if d.IsNegative() {
		return decimal.Zero, domain.Validationf("%s must not be negative", field)
	}
	if !d.Equal(d.Truncate(NativeDecimals)) {
		return decimal.Zero, domain.Validationf("%s has more than %d decimal places", field, NativeDecimals)
	}
	return d, nil
}

// toWei converts a normalized native amount to the chain's base unit.
func toWei(amount string) *big.Int {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return new(big.Int)
	}
	return d.Shift(NativeDecimals).BigInt()
}
