package main

// End-to-end: HTTP router → engine → ledger (miniredis) → chain client on the
// go-ethereum simulated backend, with a background miner sealing blocks.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/api"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/chain"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/claim"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/config"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/keys"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/ledger"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/payout"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/reconcile"
)

func init() { gin.SetMode(gin.TestMode) }

// ── helpers ───────────────────────────────────────────────────────────────────

const (
	faucetKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testToken    = "s3cret"
	recipientHex = "0x00000000000000000000000000000000000000bb"
)

var simChainID = big.NewInt(1337)

func testConfig() *config.Config {
	return &config.Config{
		Payout: config.PayoutConfig{
			Amount:            "0.00001",
			ConfirmTimeoutSec: 20,
		},
		Networks: map[string]config.NetworkConfig{
			"sim": {RPCURL: "http://sim", ChainID: 1337, FeeModel: "legacy", NativeSymbol: "ETH"},
		},
		Reconcile: config.ReconcileConfig{GraceSec: 600},
	}
}

type stack struct {
	backend *simulated.Backend
	rdb     *redis.Client
	router  *gin.Engine
	rec     *reconcile.Reconciler
}

func newStack(t *testing.T) *stack {
	t.Helper()
	signer, err := keys.Parse(faucetKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	balance, _ := new(big.Int).SetString("1000000000000000000000", 10)
	backend := simulated.NewBackend(types.GenesisAlloc{signer.Address: {Balance: balance}})
	t.Cleanup(func() { backend.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	dial := func(_ context.Context, name string, n config.NetworkConfig) (*chain.Client, error) {
		fee, err := chain.ParseFeeModel(n.FeeModel)
		if err != nil {
			return nil, err
		}
		return chain.New(backend.Client(), name, simChainID, signer, fee, zap.NewNop()), nil
	}

	cfg := testConfig()
	networks, readers, err := buildNetworks(context.Background(), cfg, dial)
	if err != nil {
		t.Fatalf("buildNetworks: %v", err)
	}
	l := ledger.New(rdb)
	store := claim.NewStore(rdb)
	engine, err := payout.NewEngine(networks, l, store, payout.Options{ConfirmTimeout: cfg.Payout.ConfirmTimeout()}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &stack{
		backend: backend,
		rdb:     rdb,
		router:  newRouter(api.NewHandler(engine, zap.NewNop()), rdb, testToken),
		rec:     reconcile.New(readers, l, store, time.Minute, zap.NewNop()),
	}
}

// autoMine seals a block every few milliseconds until the test ends.
func (s *stack) autoMine(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		tk := time.NewTicker(20 * time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-done:
				return
			case <-tk.C:
				s.backend.Commit()
			}
		}
	}()
	t.Cleanup(func() {
		close(done)
		<-stopped
	})
}

func (s *stack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// ── end-to-end ────────────────────────────────────────────────────────────────

func TestE2E_ClaimPaysOnce(t *testing.T) {
	s := newStack(t)
	s.autoMine(t)

	w := s.do(t, http.MethodPost, "/api/claim", map[string]string{"address": recipientHex})
	if w.Code != http.StatusOK {
		t.Fatalf("first claim: %d %s", w.Code, w.Body.String())
	}
	var res claim.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != claim.ResultConfirmed || res.TxHash == "" {
		t.Fatalf("result: %+v", res)
	}

	bal, err := s.backend.Client().BalanceAt(context.Background(), common.HexToAddress(recipientHex), nil)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Cmp(big.NewInt(10_000_000_000_000)) != 0 {
		t.Errorf("recipient balance: %s", bal)
	}

	// Same recipient, different casing: refused without a second transfer.
	w = s.do(t, http.MethodPost, "/api/claim", map[string]string{"address": "0x00000000000000000000000000000000000000BB"})
	if w.Code != http.StatusConflict {
		t.Fatalf("repeat claim: expected 409, got %d %s", w.Code, w.Body.String())
	}
	if again, _ := s.backend.Client().BalanceAt(context.Background(), common.HexToAddress(recipientHex), nil); again.Cmp(bal) != 0 {
		t.Errorf("balance changed on repeat: %s", again)
	}

	w = s.do(t, http.MethodGet, "/api/claim/"+recipientHex, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var st struct {
		State  string `json:"state"`
		TxHash string `json:"tx_hash"`
	}
	json.Unmarshal(w.Body.Bytes(), &st) //nolint:errcheck
	if st.State != "paid" || st.TxHash != res.TxHash {
		t.Errorf("status body: %+v", st)
	}
}

func TestE2E_StartupReconcileIsNoOpWhenClean(t *testing.T) {
	s := newStack(t)
	s.autoMine(t)

	if w := s.do(t, http.MethodPost, "/api/claim", map[string]string{"address": recipientHex}); w.Code != http.StatusOK {
		t.Fatalf("claim: %d %s", w.Code, w.Body.String())
	}
	sum, err := s.rec.Pass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum != (reconcile.Summary{}) {
		t.Errorf("nothing should be pending: %+v", sum)
	}
}

func TestE2E_InvalidAddressNeverTouchesChain(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/api/claim", map[string]string{"address": "0x1234"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	n, err := s.backend.Client().PendingNonceAt(context.Background(), mustSigner(t).Address)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("faucet nonce moved: %d", n)
	}
}

// ── wiring ────────────────────────────────────────────────────────────────────

func mustSigner(t *testing.T) *keys.Signer {
	t.Helper()
	s, err := keys.Parse(faucetKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRouter_HealthIsOpenAPIIsGuarded(t *testing.T) {
	s := newStack(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/claim/"+recipientHex, nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated api: expected 401, got %d", w.Code)
	}
}

func TestBuildNetworks_DefaultAssetOnlyOnDefaultNetwork(t *testing.T) {
	signer := mustSigner(t)
	cfg := testConfig()
	cfg.Payout.DefaultNetwork = "arb"
	cfg.Payout.DefaultAsset = "USDC"
	cfg.Networks = map[string]config.NetworkConfig{
		"arb": {
			ChainID: 42161, FeeModel: "eip1559", NativeSymbol: "ETH",
			Assets: []config.AssetConfig{{
				Symbol: "USDC", Contract: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6, Amount: "1",
			}},
		},
		"op": {ChainID: 10, FeeModel: "eip1559", NativeSymbol: "ETH"},
	}
	dial := func(_ context.Context, name string, n config.NetworkConfig) (*chain.Client, error) {
		return chain.New(nil, name, big.NewInt(n.ChainID), signer, chain.FeeEIP1559, zap.NewNop()), nil
	}

	networks, readers, err := buildNetworks(context.Background(), cfg, dial)
	if err != nil {
		t.Fatalf("buildNetworks: %v", err)
	}
	if len(networks) != 2 || len(readers) != 2 {
		t.Fatalf("networks=%d readers=%d", len(networks), len(readers))
	}
	if e, _ := networks["arb"].Assets.Resolve(""); e.Asset.Symbol != "USDC" {
		t.Errorf("arb default: %+v", e.Asset)
	}
	if e, _ := networks["op"].Assets.Resolve(""); e.Asset.Symbol != "ETH" {
		t.Errorf("op default: %+v", e.Asset)
	}
}

func TestBuildNetworks_DialError(t *testing.T) {
	boom := errors.New("dial refused")
	dial := func(context.Context, string, config.NetworkConfig) (*chain.Client, error) { return nil, boom }

	if _, _, err := buildNetworks(context.Background(), testConfig(), dial); !errors.Is(err, boom) {
		t.Fatalf("expected dial error, got %v", err)
	}
}
