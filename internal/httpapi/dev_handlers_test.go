package httpapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"autorepay.org/internal/pool"
)

// boundFunder is bound to the env's pool once the env exists.
type boundFunder struct {
	Funder
}

func newFundedEnv(t *testing.T) *testEnv {
	t.Helper()
	f := &boundFunder{}
	env := newTestEnv(t, WithDevFunding(f))
	f.Funder = pool.NewFaucet(env.pool, engineAcct)
	return env
}

func TestDevFundEnablesSettlement(t *testing.T) {
	env := newFundedEnv(t)

	resp := env.do(http.MethodPost, "/v1/dev/fund", ptr(alice), fundRequest{Base: usdc.Hex(), Amount: "5000"})
	expectStatus(t, resp, http.StatusOK)
	if got := decode[fundResponse](t, resp); got.Account != alice.Hex() || got.Amount != "5000" {
		t.Fatalf("unexpected fund response: %+v", got)
	}

	resp = env.do(http.MethodPost, "/v1/authorizations", ptr(alice), configureRequest{
		Tokens:             []string{usdc.Hex()},
		Caps:               []string{"1000"},
		PeriodicitySeconds: 1,
	})
	expectStatus(t, resp, http.StatusOK)
	env.clock.Advance(time.Second)

	resp = env.do(http.MethodPost, "/v1/settlements", ptr(executor), settleRequest{User: alice.Hex(), Token: usdc.Hex()})
	expectStatus(t, resp, http.StatusCreated)
	if res := decode[settlementDTO](t, resp); res.Gross != "1000" {
		t.Fatalf("unexpected settlement: %+v", res)
	}
}

func TestDevFundErrors(t *testing.T) {
	env := newFundedEnv(t)
	unknown := common.HexToAddress("0x00000000000000000000000000000000000c0001")

	expectErrorCode(t, env.do(http.MethodPost, "/v1/dev/fund", nil, fundRequest{Base: usdc.Hex(), Amount: "1"}),
		http.StatusUnauthorized, "Unauthenticated")
	expectErrorCode(t, env.do(http.MethodPost, "/v1/dev/fund", ptr(alice), fundRequest{Base: usdc.Hex(), Amount: "-1"}),
		http.StatusBadRequest, "BadRequest")
	expectErrorCode(t, env.do(http.MethodPost, "/v1/dev/fund", ptr(alice), fundRequest{Base: unknown.Hex(), Amount: "1"}),
		http.StatusUnprocessableEntity, "FundingFailed")
	expectErrorCode(t, env.do(http.MethodGet, "/v1/dev/fund", ptr(alice), nil),
		http.StatusMethodNotAllowed, "MethodNotAllowed")
}

func TestDevFundDisabledByDefault(t *testing.T) {
	env := newTestEnv(t)
	expectErrorCode(t, env.do(http.MethodPost, "/v1/dev/fund", ptr(alice), fundRequest{Base: usdc.Hex(), Amount: "1"}),
		http.StatusNotFound, "NotFound")
}
