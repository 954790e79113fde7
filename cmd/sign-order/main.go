// Command sign-order builds and signs EIP-712 order and cancel requests
// ready to POST to the node API
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/perpcore/pkg/api"
	"github.com/uhyunpark/perpcore/pkg/app/core/order"
	"github.com/uhyunpark/perpcore/pkg/crypto"
	"github.com/uhyunpark/perpcore/pkg/util"
)

type orderOpts struct {
	key        string
	chainID    int64
	assetAddr  string
	decimals   int32
	market     string
	short      bool
	orderType  string
	reduceOnly bool
	margin     string
	size       string
	price      string
	takeProfit string
	stopLoss   string
	value      string
	ttl        time.Duration
	nonce      uint64
}

type cancelOpts struct {
	key     string
	chainID int64
	orderID uint64
	nonce   uint64
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "sign-order",
		Short:        "Signs perpcore orders and cancels with EIP-712",
		SilenceUsage: true,
	}
	root.AddCommand(keygenCommand(), orderCommand(), cancelCommand())
	return root
}

func keygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generates a new secp256k1 key",
		RunE: func(c *cobra.Command, _ []string) error {
			s, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			return writeJSON(c.OutOrStdout(), map[string]string{
				"address":    s.Address().Hex(),
				"privateKey": s.PrivateKeyHex(),
			})
		},
	}
}

func orderCommand() *cobra.Command {
	var o orderOpts
	c := &cobra.Command{
		Use:   "order",
		Short: "Prints a signed POST /api/v1/orders body",
		RunE: func(c *cobra.Command, _ []string) error {
			req, err := signOrder(o, time.Now())
			if err != nil {
				return err
			}
			return writeJSON(c.OutOrStdout(), req)
		},
	}
	f := c.Flags()
	f.StringVar(&o.key, "key", os.Getenv("PRIVATE_KEY"), "hex private key (default $PRIVATE_KEY)")
	f.Int64Var(&o.chainID, "chain-id", 1337, "EIP-712 domain chain id")
	f.StringVar(&o.assetAddr, "asset", "", "collateral token address, empty for the native coin")
	f.Int32Var(&o.decimals, "decimals", 18, "collateral decimals for margin and size")
	f.StringVar(&o.market, "market", "ETH-USD", "market symbol")
	f.BoolVar(&o.short, "short", false, "sell instead of buy")
	f.StringVar(&o.orderType, "type", "market", "market, limit or stop")
	f.BoolVar(&o.reduceOnly, "reduce-only", false, "only shrink an existing position")
	f.StringVar(&o.margin, "margin", "0", "margin in collateral units, e.g. 1.5")
	f.StringVar(&o.size, "size", "0", "notional size in collateral units")
	f.StringVar(&o.price, "price", "0", "trigger price (limit and stop)")
	f.StringVar(&o.takeProfit, "tp", "0", "take-profit trigger price, 0 for none")
	f.StringVar(&o.stopLoss, "sl", "0", "stop-loss trigger price, 0 for none")
	f.StringVar(&o.value, "value", "", "native value to attach, default margin plus fee headroom")
	f.DurationVar(&o.ttl, "ttl", 0, "expire the order after this long, 0 never")
	f.Uint64Var(&o.nonce, "nonce", 0, "signer nonce, default current unix millis")
	return c
}

func cancelCommand() *cobra.Command {
	var o cancelOpts
	c := &cobra.Command{
		Use:   "cancel",
		Short: "Prints a signed POST /api/v1/orders/cancel body",
		RunE: func(c *cobra.Command, _ []string) error {
			req, err := signCancel(o, time.Now())
			if err != nil {
				return err
			}
			return writeJSON(c.OutOrStdout(), req)
		},
	}
	f := c.Flags()
	f.StringVar(&o.key, "key", os.Getenv("PRIVATE_KEY"), "hex private key (default $PRIVATE_KEY)")
	f.Int64Var(&o.chainID, "chain-id", 1337, "EIP-712 domain chain id")
	f.Uint64Var(&o.orderID, "order", 0, "id of the order to cancel")
	f.Uint64Var(&o.nonce, "nonce", 0, "signer nonce, default current unix millis")
	_ = c.MarkFlagRequired("order")
	return c
}

func signerFor(key string, chainID int64) (*crypto.Signer, *crypto.EIP712Signer, error) {
	if key == "" {
		return nil, nil, fmt.Errorf("no key: pass --key or set PRIVATE_KEY")
	}
	s, err := crypto.FromPrivateKeyHex(key)
	if err != nil {
		return nil, nil, err
	}
	d := crypto.DefaultDomain()
	d.ChainID = big.NewInt(chainID)
	return s, crypto.NewEIP712Signer(d), nil
}

func signOrder(o orderOpts, now time.Time) (api.SubmitOrderRequest, error) {
	s, es, err := signerFor(o.key, o.chainID)
	if err != nil {
		return api.SubmitOrderRequest{}, err
	}
	typ, err := order.ParseType(o.orderType)
	if err != nil {
		return api.SubmitOrderRequest{}, err
	}

	var collateral common.Address
	if o.assetAddr != "" {
		if !common.IsHexAddress(o.assetAddr) {
			return api.SubmitOrderRequest{}, fmt.Errorf("asset: invalid address %q", o.assetAddr)
		}
		collateral = common.HexToAddress(o.assetAddr)
	}

	units := func(name, v string, decimals int32) (*big.Int, error) {
		out, err := util.ToUnits(v, decimals)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return out, nil
	}

	t := &crypto.OrderEIP712{
		Owner:        s.Address(),
		Asset:        collateral,
		Market:       o.market,
		IsLong:       !o.short,
		OrderType:    uint8(typ),
		IsReduceOnly: o.reduceOnly,
		Expiry:       new(big.Int),
		Nonce:        new(big.Int).SetUint64(o.nonce),
	}
	if o.nonce == 0 {
		t.Nonce.SetInt64(now.UnixMilli())
	}
	if o.ttl > 0 {
		t.Expiry.SetInt64(now.Add(o.ttl).Unix())
	}
	// prices are always 18 decimals; margin and size follow the collateral
	for _, f := range []struct {
		name, raw string
		decimals  int32
		dst       **big.Int
	}{
		{"margin", o.margin, o.decimals, &t.Margin},
		{"size", o.size, o.decimals, &t.Size},
		{"price", o.price, util.PriceDecimals, &t.Price},
		{"tp", o.takeProfit, util.PriceDecimals, &t.TakeProfit},
		{"sl", o.stopLoss, util.PriceDecimals, &t.StopLoss},
	} {
		if *f.dst, err = units(f.name, f.raw, f.decimals); err != nil {
			return api.SubmitOrderRequest{}, err
		}
	}

	value := new(big.Int)
	switch {
	case o.value != "":
		if value, err = units("value", o.value, 18); err != nil {
			return api.SubmitOrderRequest{}, err
		}
	case collateral == (common.Address{}):
		// margin plus the size as fee headroom; the node refunds the excess
		value.Add(t.Margin, t.Size)
	}

	sig, err := es.SignOrder(s, t)
	if err != nil {
		return api.SubmitOrderRequest{}, err
	}
	return api.SubmitOrderRequest{
		Order:     api.PayloadFromTyped(t),
		Value:     value.String(),
		Signature: hexutil.Encode(sig),
	}, nil
}

func signCancel(o cancelOpts, now time.Time) (api.CancelOrderRequest, error) {
	s, es, err := signerFor(o.key, o.chainID)
	if err != nil {
		return api.CancelOrderRequest{}, err
	}
	nonce := o.nonce
	if nonce == 0 {
		nonce = uint64(now.UnixMilli())
	}
	c := &crypto.CancelEIP712{
		OrderID: new(big.Int).SetUint64(o.orderID),
		Nonce:   new(big.Int).SetUint64(nonce),
		Owner:   s.Address(),
	}
	sig, err := es.SignCancel(s, c)
	if err != nil {
		return api.CancelOrderRequest{}, err
	}
	return api.CancelOrderRequest{
		Owner:     s.Address().Hex(),
		OrderID:   o.orderID,
		Nonce:     nonce,
		Signature: hexutil.Encode(sig),
	}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
