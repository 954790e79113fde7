package storage

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/perpcore/pkg/app/core/position"
)

// Pebble key schema
//
//	ord:<20-digit id>                 → Order (resting only)
//	pos:<user>:<asset>:<market>       → Position
//	fnd:<market>                      → funding.State
//	bal:<account>:<asset>             → vault.Record
//	evt:<20-digit seq>                → events.Event
//	meta:lastOrderID, meta:paused     → counters and flags
//
// Ids and sequence numbers are zero-padded so lexicographic order is numeric order
const (
	prefixOrder    = "ord:"
	prefixPosition = "pos:"
	prefixFunding  = "fnd:"
	prefixBalance  = "bal:"
	prefixEvent    = "evt:"
	keyLastOrderID = "meta:lastOrderID"
	keyPaused      = "meta:paused"
	keyLastSeq     = "meta:lastSeq"
)

// orderKey returns the key for an order
// Format: "ord:{id:020d}"
func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

// positionKey returns the key for a position
// Format: "pos:{user}:{asset}:{market}"
func positionKey(k position.Key) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", prefixPosition, k.User.Hex(), k.Asset.Hex(), k.Market))
}

// fundingKey returns the key for a market's funding state
func fundingKey(market string) []byte {
	return []byte(prefixFunding + market)
}

// balanceKey returns the key for a custody balance row
func balanceKey(account, asset common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, account.Hex(), asset.Hex()))
}

// eventKey returns the key for an event
// Format: "evt:{seq:020d}"
func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "ord:" -> upper bound "ord;" (next byte after ':')
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// orderIDFromKey parses the id out of an order key
func orderIDFromKey(key []byte) (uint64, error) {
	if len(key) <= len(prefixOrder) {
		return 0, fmt.Errorf("invalid order key %q", key)
	}
	return strconv.ParseUint(string(key[len(prefixOrder):]), 10, 64)
}
