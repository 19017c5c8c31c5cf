package ingestion

import (
	fpmath "PerpOptions/internal/math"
	"PerpOptions/internal/oracle"
	"encoding/json"
	"fmt"
	"strings"
)

// PriceSubjectPrefix is the subject space price publishers write to:
// perpopt.prices.<market>
const PriceSubjectPrefix = "perpopt.prices"

// priceJSON is the wire format of a price update. Field names use snake_case
// to match upstream producers; price is a decimal string or JSON number.
type priceJSON struct {
	Market         string     `json:"market"`
	Price          fpmath.Wad `json:"price"`
	PriceSequence  int64      `json:"price_sequence"`
	PriceTimestamp int64      `json:"price_timestamp_us"`
}

// ParsePriceUpdate decodes a price message. The market falls back to the last
// subject token when the payload omits it; if both are present they must match.
func ParsePriceUpdate(subject string, data []byte) (oracle.Update, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return oracle.Update{}, fmt.Errorf("parse price update: %w", err)
	}

	fromSubject := MarketFromSubject(subject)
	switch {
	case j.Market == "":
		j.Market = fromSubject
	case fromSubject != "" && fromSubject != j.Market:
		return oracle.Update{}, fmt.Errorf("parse price update: market %q on subject %q", j.Market, subject)
	}
	if j.Market == "" {
		return oracle.Update{}, fmt.Errorf("parse price update: no market")
	}
	if j.PriceSequence <= 0 {
		return oracle.Update{}, fmt.Errorf("parse price update: price_sequence must be positive, got %d", j.PriceSequence)
	}

	return oracle.Update{
		MarketID:  j.Market,
		Price:     j.Price,
		Sequence:  j.PriceSequence,
		Timestamp: j.PriceTimestamp / 1_000_000,
	}, nil
}

// MarketFromSubject returns the market token of perpopt.prices.<market>,
// or "" for any other subject.
func MarketFromSubject(subject string) string {
	rest, ok := strings.CutPrefix(subject, PriceSubjectPrefix+".")
	if !ok || rest == "" || strings.Contains(rest, ".") {
		return ""
	}
	return rest
}
