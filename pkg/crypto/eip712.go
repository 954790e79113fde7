package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var ErrBadSignature = errors.New("signature does not match owner")

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/contracts
type EIP712Domain struct {
	Name              string         // Protocol name
	Version           string         // Protocol version (e.g., "1")
	ChainID           *big.Int       // Chain ID (1337 for local, 1 for mainnet)
	VerifyingContract common.Address // Contract address (or zero for off-chain)
}

// DefaultDomain returns the local development domain
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "PerpCore",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

// OrderEIP712 is the order a trader signs in their wallet
type OrderEIP712 struct {
	Owner        common.Address
	Asset        common.Address // zero = native
	Market       string         // "ETH-USD"
	IsLong       bool
	OrderType    uint8 // 0 = market, 1 = limit, 2 = stop
	IsReduceOnly bool
	Margin       *big.Int
	Size         *big.Int
	Price        *big.Int // 0 for market orders
	TakeProfit   *big.Int // 0 = none
	StopLoss     *big.Int // 0 = none
	Expiry       *big.Int // unix seconds, 0 = never
	Nonce        *big.Int
}

// CancelEIP712 is a signed request to cancel one order
type CancelEIP712 struct {
	OrderID *big.Int
	Nonce   *big.Int
	Owner   common.Address
}

var domainFields = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var orderFields = []apitypes.Type{
	{Name: "owner", Type: "address"},
	{Name: "asset", Type: "address"},
	{Name: "market", Type: "string"},
	{Name: "isLong", Type: "bool"},
	{Name: "orderType", Type: "uint8"},
	{Name: "isReduceOnly", Type: "bool"},
	{Name: "margin", Type: "uint256"},
	{Name: "size", Type: "uint256"},
	{Name: "price", Type: "uint256"},
	{Name: "takeProfit", Type: "uint256"},
	{Name: "stopLoss", Type: "uint256"},
	{Name: "expiry", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
}

var cancelFields = []apitypes.Type{
	{Name: "orderId", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "owner", Type: "address"},
}

// EIP712Signer hashes, signs and verifies typed orders under one domain
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

func num(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (o *OrderEIP712) message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"owner":        o.Owner.Hex(),
		"asset":        o.Asset.Hex(),
		"market":       o.Market,
		"isLong":       o.IsLong,
		"orderType":    fmt.Sprintf("%d", o.OrderType),
		"isReduceOnly": o.IsReduceOnly,
		"margin":       num(o.Margin),
		"size":         num(o.Size),
		"price":        num(o.Price),
		"takeProfit":   num(o.TakeProfit),
		"stopLoss":     num(o.StopLoss),
		"expiry":       num(o.Expiry),
		"nonce":        num(o.Nonce),
	}
}

func (c *CancelEIP712) message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"orderId": num(c.OrderID),
		"nonce":   num(c.Nonce),
		"owner":   c.Owner.Hex(),
	}
}

func (e *EIP712Signer) typedData(primary string, fields []apitypes.Type, msg apitypes.TypedDataMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: msg,
	}
}

// digest is keccak256("\x19\x01" || domainSeparator || hashStruct(message))
func (e *EIP712Signer) digest(td apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", td.PrimaryType, err)
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(messageHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256(raw), nil
}

// HashOrder returns the digest a wallet signs for o
func (e *EIP712Signer) HashOrder(o *OrderEIP712) ([]byte, error) {
	return e.digest(e.typedData("Order", orderFields, o.message()))
}

// HashCancel returns the digest a wallet signs for c
func (e *EIP712Signer) HashCancel(c *CancelEIP712) ([]byte, error) {
	return e.digest(e.typedData("CancelOrder", cancelFields, c.message()))
}

func (e *EIP712Signer) SignOrder(signer *Signer, o *OrderEIP712) ([]byte, error) {
	hash, err := e.HashOrder(o)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

func (e *EIP712Signer) SignCancel(signer *Signer, c *CancelEIP712) ([]byte, error) {
	hash, err := e.HashCancel(c)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// VerifyOrder checks that signature was made by o.Owner
func (e *EIP712Signer) VerifyOrder(o *OrderEIP712, signature []byte) error {
	hash, err := e.HashOrder(o)
	if err != nil {
		return err
	}
	return verify(o.Owner, hash, signature)
}

// VerifyCancel checks that signature was made by c.Owner
func (e *EIP712Signer) VerifyCancel(c *CancelEIP712, signature []byte) error {
	hash, err := e.HashCancel(c)
	if err != nil {
		return err
	}
	return verify(c.Owner, hash, signature)
}

func verify(owner common.Address, hash, signature []byte) error {
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if recovered != owner {
		return fmt.Errorf("%w: signed by %s, owner %s", ErrBadSignature, recovered.Hex(), owner.Hex())
	}
	return nil
}

// OrderToJSON renders o as eth_signTypedData_v4 input for browser wallets
func (e *EIP712Signer) OrderToJSON(o *OrderEIP712) (string, error) {
	td := e.typedData("Order", orderFields, o.message())
	out, err := json.MarshalIndent(td, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal typed data: %w", err)
	}
	return string(out), nil
}
