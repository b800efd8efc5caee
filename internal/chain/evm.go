package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
)

// EthClient is the subset of ethclient.Client the pallet needs.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// escrowABI is the custody surface of the escrow contract. orderId is the
// keccak256 of the order id string; amount is in base units.
const escrowABI = `[
	{"type":"function","name":"lock","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"orderId","type":"bytes32"},{"name":"from","type":"address"},{"name":"asset","type":"uint8"},{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"release","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"orderId","type":"bytes32"},{"name":"to","type":"address"},{"name":"asset","type":"uint8"},{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"orderId","type":"bytes32"},{"name":"to","type":"address"},{"name":"asset","type":"uint8"},{"name":"amount","type":"uint256"}]}
]`

const (
	DefaultGasLimit      = uint64(200000)
	DefaultPollInterval  = 2 * time.Second
	DefaultConfirmations = uint64(1)
)

// EVMConfig configures an EVMPallet.
type EVMConfig struct {
	RPCURL        string
	PrivateKey    string // hex, optional 0x prefix
	ChainID       int64
	Contract      string
	Confirmations uint64
	PollInterval  time.Duration
}

// EVMOption configures an EVMPallet.
type EVMOption func(*EVMPallet)

// WithEthClient sets a custom client (useful for testing).
func WithEthClient(client EthClient) EVMOption {
	return func(p *EVMPallet) { p.client = client }
}

// EVMPallet talks to the escrow contract over JSON-RPC.
type EVMPallet struct {
	client        EthClient
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	chainID       *big.Int
	contract      common.Address
	abi           abi.ABI
	confirmations uint64
	pollInterval  time.Duration

	nonceMu   sync.Mutex
	nextNonce uint64
}

var _ Pallet = (*EVMPallet)(nil)

// NewEVMPallet validates cfg and dials the RPC endpoint unless a client is
// supplied.
func NewEVMPallet(cfg EVMConfig, opts ...EVMOption) (*EVMPallet, error) {
	if err := validateEVMConfig(cfg); err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow ABI: %w", err)
	}

	p := &EVMPallet{
		privateKey:    key,
		address:       crypto.PubkeyToAddress(key.PublicKey),
		chainID:       big.NewInt(cfg.ChainID),
		contract:      common.HexToAddress(cfg.Contract),
		abi:           parsed,
		confirmations: cfg.Confirmations,
		pollInterval:  cfg.PollInterval,
	}
	if p.confirmations == 0 {
		p.confirmations = DefaultConfirmations
	}
	if p.pollInterval <= 0 {
		p.pollInterval = DefaultPollInterval
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		p.client = client
	}
	return p, nil
}

func validateEVMConfig(cfg EVMConfig) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID <= 0 {
		return errors.New("chain: chain ID required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return errors.New("chain: escrow contract address required")
	}
	return nil
}

// Address returns the operator account.
func (p *EVMPallet) Address() string { return p.address.Hex() }

// Close closes the RPC client.
func (p *EVMPallet) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

// ToBaseUnits converts an asset amount into contract base units.
func ToBaseUnits(call Call) *big.Int {
	return call.Amount.Shift(BaseUnitDecimals).BigInt()
}

func orderKey(orderID string) [32]byte {
	return [32]byte(crypto.Keccak256Hash([]byte(orderID)))
}

func assetCode(a Asset) uint8 {
	if a == AssetSecondary {
		return 1
	}
	return 0
}

func (p *EVMPallet) Prepare(ctx context.Context, call Call) (SubmittedTx, error) {
	if !common.IsHexAddress(call.To) {
		return SubmittedTx{}, Rejected("prepare", fmt.Errorf("invalid address %q", call.To))
	}
	data, err := p.abi.Pack(string(call.Direction), orderKey(call.OrderID), common.HexToAddress(call.To),
		assetCode(call.Asset), ToBaseUnits(call))
	if err != nil {
		return SubmittedTx{}, Rejected("pack", err)
	}

	gasPrice, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return SubmittedTx{}, Unavailable("gas_price", err)
	}
	gasLimit, err := p.client.EstimateGas(ctx, ethereum.CallMsg{
		From: p.address, To: &p.contract, Value: big.NewInt(0), Data: data,
	})
	if err != nil {
		if ce := classifyRPC("estimate_gas", err); ce.Kind != FailureChainUnavailable {
			return SubmittedTx{}, ce
		}
		gasLimit = DefaultGasLimit
	}

	nonce, err := p.reserveNonce(ctx)
	if err != nil {
		return SubmittedTx{}, Unavailable("nonce", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &p.contract,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(p.chainID), p.privateKey)
	if err != nil {
		return SubmittedTx{}, Rejected("sign", err)
	}
	payload, err := signed.MarshalBinary()
	if err != nil {
		return SubmittedTx{}, Rejected("encode", err)
	}
	return SubmittedTx{
		Key:         call.Key(),
		TxHash:      signed.Hash().Hex(),
		Nonce:       nonce,
		Payload:     payload,
		SubmittedAt: time.Now(),
	}, nil
}

// reserveNonce hands out strictly increasing nonces across concurrent
// Prepare calls, never below the node's pending nonce.
func (p *EVMPallet) reserveNonce(ctx context.Context) (uint64, error) {
	p.nonceMu.Lock()
	defer p.nonceMu.Unlock()

	n, err := p.client.PendingNonceAt(ctx, p.address)
	if err != nil {
		return 0, err
	}
	if n < p.nextNonce {
		n = p.nextNonce
	}
	p.nextNonce = n + 1
	return n, nil
}

// resetNonce forgets local reservations after a transaction was refused
// before entering the pool, so the gap is refilled by the next Prepare.
func (p *EVMPallet) resetNonce() {
	p.nonceMu.Lock()
	p.nextNonce = 0
	p.nonceMu.Unlock()
}

func (p *EVMPallet) Broadcast(ctx context.Context, stx SubmittedTx) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(stx.Payload); err != nil {
		return &Error{Kind: FailureRejected, Op: "decode", TxHash: stx.TxHash, Err: err}
	}

	err := p.client.SendTransaction(ctx, tx)
	if err == nil || isAlreadyKnown(err) {
		return nil
	}
	ce := classifyRPC("broadcast", err)
	ce.TxHash = stx.TxHash
	if ce.Kind != FailureChainUnavailable {
		p.resetNonce()
	}
	return ce
}

func (p *EVMPallet) AwaitFinality(ctx context.Context, stx SubmittedTx) (Receipt, error) {
	hash := common.HexToHash(stx.TxHash)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := p.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return Receipt{}, &Error{Kind: FailureRejected, Op: "execute", TxHash: stx.TxHash, Err: errors.New("transaction reverted")}
			}
			mined := receipt.BlockNumber.Uint64()
			head, herr := p.client.BlockNumber(ctx)
			if herr == nil && head+1 >= mined+p.confirmations {
				return Receipt{TxHash: stx.TxHash, BlockNumber: mined}, nil
			}
		}
		// ethereum.NotFound and transport errors both mean "not final yet".

		select {
		case <-ctx.Done():
			return Receipt{}, &Error{Kind: FailureChainUnavailable, Op: "await", TxHash: stx.TxHash, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "known transaction") ||
		strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "replacement transaction underpriced")
}

func classifyRPC(op string, err error) *Error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return InsufficientFunds(op, err)
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "invalid opcode"):
		return Rejected(op, err)
	default:
		return Unavailable(op, err)
	}
}
