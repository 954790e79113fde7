package access

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestRoleStore(t *testing.T) {
	keeper := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	admin := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	r := NewRoleStore()
	r.Grant(keeper, Executor)
	r.Grant(keeper, Liquidator)
	r.Grant(admin, Governance)

	tests := []struct {
		who  common.Address
		cap  Capability
		want bool
	}{
		{keeper, Executor, true},
		{keeper, Liquidator, true},
		{keeper, Governance, false},
		{admin, Governance, true},
		{admin, Executor, false},
	}
	for _, tt := range tests {
		if got := r.IsAuthorized(tt.who, tt.cap); got != tt.want {
			t.Errorf("IsAuthorized(%s, %s) = %v, want %v", tt.who.Hex(), tt.cap, got, tt.want)
		}
	}

	r.Revoke(keeper, Executor)
	if r.IsAuthorized(keeper, Executor) {
		t.Error("revoked capability still authorized")
	}
	if len(r.Members(Liquidator)) != 1 {
		t.Errorf("Members = %v", r.Members(Liquidator))
	}
	if !(AllowAll{}).IsAuthorized(admin, Executor) {
		t.Error("AllowAll denied")
	}
}
