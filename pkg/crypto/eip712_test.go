package crypto

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testOrder(owner common.Address) *OrderEIP712 {
	return &OrderEIP712{
		Owner:      owner,
		Market:     "ETH-USD",
		IsLong:     true,
		OrderType:  1,
		Margin:     big.NewInt(1e18),
		Size:       new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
		Price:      new(big.Int).Mul(big.NewInt(2000), big.NewInt(1e18)),
		TakeProfit: new(big.Int).Mul(big.NewInt(2500), big.NewInt(1e18)),
		StopLoss:   new(big.Int).Mul(big.NewInt(1800), big.NewInt(1e18)),
		Expiry:     big.NewInt(0),
		Nonce:      big.NewInt(1),
	}
}

func TestOrderSignVerify(t *testing.T) {
	signer, _ := GenerateKey()
	e := NewEIP712Signer(DefaultDomain())
	o := testOrder(signer.Address())

	sig, err := e.SignOrder(signer, o)
	if err != nil {
		t.Fatalf("failed to sign order: %v", err)
	}
	if err := e.VerifyOrder(o, sig); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	// any field change invalidates the signature
	o.Size = big.NewInt(1)
	if err := e.VerifyOrder(o, sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered order: err = %v, want ErrBadSignature", err)
	}
}

func TestOrderHashDeterministic(t *testing.T) {
	e := NewEIP712Signer(DefaultDomain())
	owner := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0")

	h1, err := e.HashOrder(testOrder(owner))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, _ := e.HashOrder(testOrder(owner))
	if string(h1) != string(h2) {
		t.Error("hash differs for identical orders")
	}
	if len(h1) != 32 {
		t.Errorf("hash length = %d, want 32", len(h1))
	}
}

func TestOrderDomainSeparation(t *testing.T) {
	signer, _ := GenerateKey()
	local := NewEIP712Signer(DefaultDomain())

	other := DefaultDomain()
	other.ChainID = big.NewInt(1)
	mainnet := NewEIP712Signer(other)

	o := testOrder(signer.Address())
	sig, err := local.SignOrder(signer, o)
	if err != nil {
		t.Fatalf("failed to sign order: %v", err)
	}
	if err := mainnet.VerifyOrder(o, sig); err == nil {
		t.Error("signature from another chain verified")
	}
}

func TestOrderWrongOwner(t *testing.T) {
	signer, _ := GenerateKey()
	e := NewEIP712Signer(DefaultDomain())

	o := testOrder(common.HexToAddress("0x0000000000000000000000000000000000000001"))
	sig, _ := e.SignOrder(signer, o)
	if err := e.VerifyOrder(o, sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestCancelSignVerify(t *testing.T) {
	signer, _ := GenerateKey()
	e := NewEIP712Signer(DefaultDomain())
	c := &CancelEIP712{OrderID: big.NewInt(7), Nonce: big.NewInt(2), Owner: signer.Address()}

	sig, err := e.SignCancel(signer, c)
	if err != nil {
		t.Fatalf("failed to sign cancel: %v", err)
	}
	if err := e.VerifyCancel(c, sig); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	c.OrderID = big.NewInt(8)
	if err := e.VerifyCancel(c, sig); err == nil {
		t.Error("cancel for another order verified")
	}
}

func TestOrderToJSON(t *testing.T) {
	e := NewEIP712Signer(DefaultDomain())
	out, err := e.OrderToJSON(testOrder(common.Address{}))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	for _, want := range []string{`"primaryType": "Order"`, `"market": "ETH-USD"`, `"PerpCore"`} {
		if !strings.Contains(out, want) {
			t.Errorf("json missing %s", want)
		}
	}
}

func TestNonceTracker(t *testing.T) {
	tr := NewNonceTracker()
	a := common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	b := common.HexToAddress("0xb0b0000000000000000000000000000000000002")

	if err := tr.Use(a, big.NewInt(1)); err != nil {
		t.Fatalf("first nonce: %v", err)
	}
	if err := tr.Use(a, big.NewInt(1)); !errors.Is(err, ErrNonceUsed) {
		t.Errorf("replay: err = %v, want ErrNonceUsed", err)
	}
	if err := tr.Use(a, big.NewInt(5)); err != nil {
		t.Errorf("gap should be allowed: %v", err)
	}
	if err := tr.Use(a, big.NewInt(3)); !errors.Is(err, ErrNonceUsed) {
		t.Errorf("lower nonce: err = %v, want ErrNonceUsed", err)
	}
	if err := tr.Use(b, big.NewInt(1)); err != nil {
		t.Errorf("nonces are per signer: %v", err)
	}
	if err := tr.Use(b, big.NewInt(0)); !errors.Is(err, ErrNonceUsed) {
		t.Errorf("zero nonce: err = %v, want ErrNonceUsed", err)
	}
	if got := tr.Last(a); got.Int64() != 5 {
		t.Errorf("last = %s, want 5", got)
	}
}
