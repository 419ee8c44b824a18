package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/asset"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/config"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/keys"
)

// FeeModel selects how transaction fees are priced.
type FeeModel uint8

const (
	FeeLegacy FeeModel = iota
	FeeEIP1559
)

func ParseFeeModel(s string) (FeeModel, error) {
	switch s {
	case "", "legacy":
		return FeeLegacy, nil
	case "eip1559":
		return FeeEIP1559, nil
	default:
		return 0, fmt.Errorf("unknown fee model %q", s)
	}
}

func (m FeeModel) String() string {
	if m == FeeEIP1559 {
		return "eip1559"
	}
	return "legacy"
}

// Outcome is the chain-side result of a broadcast transaction.
type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeConfirmed
	OutcomeReverted
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "PENDING"
	case OutcomeConfirmed:
		return "CONFIRMED"
	case OutcomeReverted:
		return "REVERTED"
	case OutcomeTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Backend is the subset of *ethclient.Client the dispenser needs. The
// go-ethereum simulated backend satisfies it too.
type Backend interface {
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// FeeEstimate prices one transaction. Legacy estimates set GasPrice;
// EIP-1559 estimates set GasTipCap and GasFeeCap.
type FeeEstimate struct {
	GasLimit  uint64
	GasPrice  *big.Int
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// MaxCost is the most the transaction can spend on gas.
func (f FeeEstimate) MaxCost() *big.Int {
	price := f.GasPrice
	if f.GasFeeCap != nil {
		price = f.GasFeeCap
	}
	if price == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(f.GasLimit), price)
}

// TxHandle identifies a broadcast transaction.
type TxHandle struct {
	Hash  common.Hash
	Nonce uint64
	tx    *types.Transaction
}

// Client is bound to one network and one signing key.
type Client struct {
	network  string
	eth      Backend
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address
	feeModel FeeModel
	log      *zap.Logger

	mu        sync.Mutex
	nextNonce uint64
	haveNonce bool
}

// Dial connects to the network's RPC endpoint and checks that it serves the
// configured chain id, so a misconfigured URL can never sign for the wrong chain.
func Dial(ctx context.Context, network string, n config.NetworkConfig, signer *keys.Signer, log *zap.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, n.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", network, err)
	}
	fee, err := ParseFeeModel(n.FeeModel)
	if err != nil {
		eth.Close()
		return nil, err
	}
	c := New(eth, network, big.NewInt(n.ChainID), signer, fee, log)
	if err := c.VerifyChainID(ctx); err != nil {
		eth.Close()
		return nil, err
	}
	return c, nil
}

func New(eth Backend, network string, chainID *big.Int, signer *keys.Signer, fee FeeModel, log *zap.Logger) *Client {
	return &Client{
		network:  network,
		eth:      eth,
		chainID:  new(big.Int).Set(chainID),
		key:      signer.Key,
		from:     signer.Address,
		feeModel: fee,
		log:      log.With(zap.String("network", network)),
	}
}

func (c *Client) Network() string         { return c.network }
func (c *Client) ChainID() *big.Int       { return new(big.Int).Set(c.chainID) }
func (c *Client) Address() common.Address { return c.from }
func (c *Client) FeeModel() FeeModel      { return c.feeModel }

func (c *Client) VerifyChainID(ctx context.Context) error {
	remote, err := c.eth.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id %s: %w", c.network, err)
	}
	if remote.Cmp(c.chainID) != 0 {
		return fmt.Errorf("chain id mismatch on %s: rpc reports %s, configured %s", c.network, remote, c.chainID)
	}
	return nil
}

// GetBalance returns the native balance of addr at the latest block.
func (c *Client) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("BalanceAt: %w", err)
	}
	return bal, nil
}

// GetTokenBalance returns the ERC20 balance of addr in base units.
func (c *Client) GetTokenBalance(ctx context.Context, contract, addr common.Address) (*big.Int, error) {
	data, err := asset.ERC20ABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	vals, err := asset.ERC20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected return type %T", vals[0])
	}
	return bal, nil
}

// EstimateFee prices the given transfer against current network conditions.
// Nothing is cached: fee markets move between preflight and broadcast.
func (c *Client) EstimateFee(ctx context.Context, shape asset.Shape) (FeeEstimate, error) {
	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.from,
		To:    &shape.To,
		Value: shape.Value,
		Data:  shape.Data,
	})
	if err != nil {
		return FeeEstimate{}, fmt.Errorf("EstimateGas: %w", err)
	}
	// Contract calls get 20% headroom; plain transfers cost exactly 21000.
	if len(shape.Data) > 0 {
		gas += gas / 5
	}

	if c.feeModel == FeeEIP1559 {
		head, err := c.eth.HeaderByNumber(ctx, nil)
		if err != nil {
			return FeeEstimate{}, fmt.Errorf("HeaderByNumber: %w", err)
		}
		if head.BaseFee != nil {
			tip, err := c.eth.SuggestGasTipCap(ctx)
			if err != nil {
				return FeeEstimate{}, fmt.Errorf("SuggestGasTipCap: %w", err)
			}
			feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
			return FeeEstimate{GasLimit: gas, GasTipCap: tip, GasFeeCap: feeCap}, nil
		}
		c.log.Warn("no base fee in latest header, falling back to legacy pricing")
	}

	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return FeeEstimate{}, fmt.Errorf("SuggestGasPrice: %w", err)
	}
	return FeeEstimate{GasLimit: gas, GasPrice: price}, nil
}

// NextNonce returns the nonce for the next transaction from the signing key:
// the larger of the node's pending nonce and the local view, which counts
// transactions this process sent that the node may not report yet.
// Callers must serialize NextNonce → SendTransfer per client.
func (c *Client) NextNonce(ctx context.Context) (uint64, error) {
	pending, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return 0, fmt.Errorf("PendingNonceAt: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.haveNonce && c.nextNonce > pending {
		return c.nextNonce, nil
	}
	return pending, nil
}

// ConfirmedNonce is the number of transactions from the signing key mined
// as of the latest block.
func (c *Client) ConfirmedNonce(ctx context.Context) (uint64, error) {
	n, err := c.eth.NonceAt(ctx, c.from, nil)
	if err != nil {
		return 0, fmt.Errorf("NonceAt: %w", err)
	}
	return n, nil
}

// Resync drops the local nonce view; the next NextNonce trusts the node.
func (c *Client) Resync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haveNonce = false
	c.nextNonce = 0
}

func (c *Client) consumeNonce(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveNonce || n+1 > c.nextNonce {
		c.nextNonce = n + 1
	}
	c.haveNonce = true
}

// SignTransfer builds and signs the transfer (chain id included) without
// sending it. The hash is final, so it can be persisted before broadcast.
func (c *Client) SignTransfer(shape asset.Shape, nonce uint64, fee FeeEstimate) (*TxHandle, error) {
	to := shape.To
	value := shape.Value
	if value == nil {
		value = new(big.Int)
	}

	var inner types.TxData
	if fee.GasFeeCap != nil {
		inner = &types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: fee.GasTipCap,
			GasFeeCap: fee.GasFeeCap,
			Gas:       fee.GasLimit,
			To:        &to,
			Value:     value,
			Data:      shape.Data,
		}
	} else {
		inner = &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fee.GasPrice,
			Gas:      fee.GasLimit,
			To:       &to,
			Value:    value,
			Data:     shape.Data,
		}
	}

	signed, err := types.SignNewTx(c.key, types.LatestSignerForChainID(c.chainID), inner)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return &TxHandle{Hash: signed.Hash(), Nonce: nonce, tx: signed}, nil
}

// Broadcast submits a signed transaction. The nonce counts as consumed
// unless the node definitively rejected the tx.
func (c *Client) Broadcast(ctx context.Context, h *TxHandle) error {
	if h == nil || h.tx == nil {
		return errors.New("broadcast: empty tx handle")
	}
	if err := classifySend(c.eth.SendTransaction(ctx, h.tx)); err != nil {
		if IsRejected(err) {
			if isNonceConflict(err) {
				c.Resync()
			}
		} else {
			c.consumeNonce(h.Nonce)
		}
		c.log.Warn("broadcast failed",
			zap.Uint64("nonce", h.Nonce),
			zap.String("tx", h.Hash.Hex()),
			zap.Bool("rejected", IsRejected(err)),
			zap.Error(err),
		)
		return err
	}

	c.consumeNonce(h.Nonce)
	c.log.Info("transaction sent",
		zap.Uint64("nonce", h.Nonce),
		zap.String("tx", h.Hash.Hex()),
		zap.Stringer("to", h.tx.To()),
	)
	return nil
}

// SendTransfer signs and broadcasts in one step. The handle is returned
// whenever signing succeeded, even if the broadcast failed.
func (c *Client) SendTransfer(ctx context.Context, shape asset.Shape, nonce uint64, fee FeeEstimate) (*TxHandle, error) {
	h, err := c.SignTransfer(shape, nonce, fee)
	if err != nil {
		return nil, err
	}
	return h, c.Broadcast(ctx, h)
}

// AwaitConfirmation waits up to timeout for the transaction to be mined.
// Cancellation of ctx is reported as OutcomeTimedOut: either way the tx is
// still outstanding and its fate is unknown.
func (c *Client) AwaitConfirmation(ctx context.Context, h *TxHandle, timeout time.Duration) (Outcome, *types.Receipt, error) {
	if h == nil || h.tx == nil {
		return OutcomePending, nil, errors.New("await confirmation: empty tx handle")
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.eth, h.tx)
	if err != nil {
		if waitCtx.Err() != nil {
			return OutcomeTimedOut, nil, nil
		}
		return OutcomePending, nil, fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return OutcomeReverted, receipt, nil
	}
	return OutcomeConfirmed, receipt, nil
}

// ReceiptStatus looks a transaction up once, without waiting.
func (c *Client) ReceiptStatus(ctx context.Context, hash common.Hash) (Outcome, *types.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return OutcomePending, nil, nil
		}
		return OutcomePending, nil, fmt.Errorf("TransactionReceipt: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return OutcomeReverted, receipt, nil
	}
	return OutcomeConfirmed, receipt, nil
}
