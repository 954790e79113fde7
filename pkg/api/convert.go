package api

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/perpcore/pkg/app/core/order"
	"github.com/uhyunpark/perpcore/pkg/app/core/position"
	"github.com/uhyunpark/perpcore/pkg/app/perp"
	"github.com/uhyunpark/perpcore/pkg/crypto"
	"github.com/uhyunpark/perpcore/pkg/util"
)

// parseAmount reads a non-negative base-unit integer; "" is zero
func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", field, s)
	}
	return v, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseSignature(s string) ([]byte, error) {
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature: want 65 bytes, got %d", len(sig))
	}
	return sig, nil
}

// Typed converts the payload into the structure the owner signed
func (p OrderPayload) Typed() (*crypto.OrderEIP712, error) {
	owner, err := parseAddress("owner", p.Owner)
	if err != nil {
		return nil, err
	}
	if owner == (common.Address{}) {
		return nil, fmt.Errorf("owner: required")
	}
	assetAddr, err := parseAddress("asset", p.Asset)
	if err != nil {
		return nil, err
	}
	typ, err := order.ParseType(p.OrderType)
	if err != nil {
		return nil, err
	}

	t := &crypto.OrderEIP712{
		Owner:        owner,
		Asset:        assetAddr,
		Market:       p.Market,
		IsLong:       p.IsLong,
		OrderType:    uint8(typ),
		IsReduceOnly: p.IsReduceOnly,
		Expiry:       big.NewInt(p.Expiry),
		Nonce:        new(big.Int).SetUint64(p.Nonce),
	}
	amounts := []struct {
		field string
		raw   string
		dst   **big.Int
	}{
		{"margin", p.Margin, &t.Margin},
		{"size", p.Size, &t.Size},
		{"price", p.Price, &t.Price},
		{"takeProfit", p.TakeProfit, &t.TakeProfit},
		{"stopLoss", p.StopLoss, &t.StopLoss},
	}
	for _, a := range amounts {
		v, err := parseAmount(a.field, a.raw)
		if err != nil {
			return nil, err
		}
		*a.dst = v
	}
	return t, nil
}

// PayloadFromTyped is the inverse of Typed, used by signing clients
func PayloadFromTyped(t *crypto.OrderEIP712) OrderPayload {
	return OrderPayload{
		Owner:        t.Owner.Hex(),
		Asset:        t.Asset.Hex(),
		Market:       t.Market,
		IsLong:       t.IsLong,
		OrderType:    order.Type(t.OrderType).String(),
		IsReduceOnly: t.IsReduceOnly,
		Margin:       util.Big(t.Margin).String(),
		Size:         util.Big(t.Size).String(),
		Price:        util.Big(t.Price).String(),
		TakeProfit:   util.Big(t.TakeProfit).String(),
		StopLoss:     util.Big(t.StopLoss).String(),
		Expiry:       util.Big(t.Expiry).Int64(),
		Nonce:        util.Big(t.Nonce).Uint64(),
	}
}

// toOrder maps a verified typed order onto an engine order plus TP/SL prices
func toOrder(t *crypto.OrderEIP712) (o order.Order, takeProfit, stopLoss *big.Int) {
	o = order.Order{
		User:         t.Owner,
		Asset:        t.Asset,
		Market:       t.Market,
		Margin:       util.Copy(t.Margin),
		Size:         util.Copy(t.Size),
		Price:        util.Copy(t.Price),
		IsLong:       t.IsLong,
		Type:         order.Type(t.OrderType),
		IsReduceOnly: t.IsReduceOnly,
		Expiry:       util.Big(t.Expiry).Int64(),
	}
	return o, util.Copy(t.TakeProfit), util.Copy(t.StopLoss)
}

func side(long bool) string {
	if long {
		return "long"
	}
	return "short"
}

func orderInfo(o order.Order) OrderInfo {
	return OrderInfo{
		ID:            o.ID,
		User:          o.User.Hex(),
		Asset:         o.Asset.Hex(),
		Market:        o.Market,
		Side:          side(o.IsLong),
		Type:          o.Type.String(),
		IsReduceOnly:  o.IsReduceOnly,
		Margin:        util.Big(o.Margin).String(),
		Size:          util.Big(o.Size).String(),
		Price:         util.Big(o.Price).String(),
		Fee:           util.Big(o.Fee).String(),
		Timestamp:     o.Timestamp,
		Expiry:        o.Expiry,
		CancelOrderID: o.CancelOrderID,
	}
}

func orderInfos(orders []order.Order) []OrderInfo {
	out := make([]OrderInfo, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderInfo(o))
	}
	return out
}

func positionInfo(p position.Position) PositionInfo {
	return PositionInfo{
		User:           p.User.Hex(),
		Asset:          p.Asset.Hex(),
		Market:         p.Market,
		Side:           side(p.IsLong),
		Size:           util.Big(p.Size).String(),
		Margin:         util.Big(p.Margin).String(),
		EntryPrice:     util.Big(p.Price).String(),
		Leverage:       p.Leverage(),
		FundingTracker: util.Big(p.FundingTracker).String(),
		Timestamp:      p.Timestamp,
	}
}

func executionInfo(r perp.ExecResult) *ExecutionInfo {
	info := &ExecutionInfo{
		OrderID:   r.OrderID,
		Price:     util.Big(r.Price).String(),
		Fee:       util.Big(r.Fee).String(),
		PnL:       util.Big(r.PnL).String(),
		Funding:   util.Big(r.Funding).String(),
		Cancelled: r.Cancelled,
	}
	if r.Position != nil {
		pos := positionInfo(*r.Position)
		info.Position = &pos
	}
	return info
}

func liquidationInfo(r perp.LiquidationResult) LiquidationInfo {
	return LiquidationInfo{
		User:      r.Key.User.Hex(),
		Asset:     r.Key.Asset.Hex(),
		Market:    r.Key.Market,
		Price:     util.Big(r.Price).String(),
		Margin:    util.Big(r.Margin).String(),
		PnL:       util.Big(r.PnL).String(),
		Funding:   util.Big(r.Funding).String(),
		Reward:    util.Big(r.Reward).String(),
		Cancelled: r.Cancelled,
	}
}
