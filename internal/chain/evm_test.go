package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEth struct {
	mu          sync.Mutex
	pending     uint64
	estimateErr error
	sendErr     error
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	head        uint64
}

func newFakeEth() *fakeEth {
	return &fakeEth{pending: 5, receipts: make(map[common.Hash]*types.Receipt)}
}

func (f *fakeEth) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeEth) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }

func (f *fakeEth) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 90000, nil
}

func (f *fakeEth) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEth) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeEth) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeEth) Close() {}

func (f *fakeEth) mine(h common.Hash, block uint64, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[h] = &types.Receipt{Status: status, BlockNumber: new(big.Int).SetUint64(block)}
}

func newTestEVMPallet(t *testing.T, client *fakeEth, confirmations uint64) *EVMPallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	p, err := NewEVMPallet(EVMConfig{
		RPCURL:        "http://localhost:8545",
		PrivateKey:    hex.EncodeToString(crypto.FromECDSA(key)),
		ChainID:       1337,
		Contract:      "0x3333333333333333333333333333333333333333",
		Confirmations: confirmations,
		PollInterval:  5 * time.Millisecond,
	}, WithEthClient(client))
	require.NoError(t, err)
	return p
}

func lockCall(orderID string) Call {
	return Call{OrderID: orderID, Direction: DirectionLock, To: makerAddr, Amount: amt("1.5"), Asset: AssetNative}
}

func TestValidateEVMConfig(t *testing.T) {
	good := EVMConfig{RPCURL: "http://x", PrivateKey: "0xab", ChainID: 1, Contract: makerAddr}
	assert.ErrorIs(t, validateEVMConfig(good), ErrInvalidPrivateKey)

	good.PrivateKey = "0123456789012345678901234567890123456789012345678901234567890123"
	assert.NoError(t, validateEVMConfig(good))

	noRPC := good
	noRPC.RPCURL = ""
	assert.ErrorIs(t, validateEVMConfig(noRPC), ErrRPCConnection)

	noChain := good
	noChain.ChainID = 0
	assert.Error(t, validateEVMConfig(noChain))

	noContract := good
	noContract.Contract = "nope"
	assert.Error(t, validateEVMConfig(noContract))
}

func TestEVMPallet_PrepareSignsPinnedTransaction(t *testing.T) {
	client := newFakeEth()
	p := newTestEVMPallet(t, client, 1)

	stx, err := p.Prepare(context.Background(), lockCall("ord_1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stx.Nonce)
	assert.Equal(t, "ord_1:lock", stx.Key)

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(stx.Payload))
	assert.Equal(t, stx.TxHash, tx.Hash().Hex())
	assert.Equal(t, uint64(90000), tx.Gas())

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(1337)), tx)
	require.NoError(t, err)
	assert.Equal(t, p.Address(), sender.Hex())

	method, err := p.abi.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "lock", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, orderKey("ord_1"), args[0])
	assert.Equal(t, 0, args[3].(*big.Int).Cmp(big.NewInt(1_500_000_000_000)))
}

func TestEVMPallet_NoncesNeverRepeat(t *testing.T) {
	p := newTestEVMPallet(t, newFakeEth(), 1)
	a, err := p.Prepare(context.Background(), lockCall("ord_1"))
	require.NoError(t, err)
	b, err := p.Prepare(context.Background(), lockCall("ord_2"))
	require.NoError(t, err)
	assert.Equal(t, a.Nonce+1, b.Nonce)

	p.resetNonce()
	c, err := p.Prepare(context.Background(), lockCall("ord_3"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), c.Nonce)
}

func TestEVMPallet_PrepareClassifiesEstimateErrors(t *testing.T) {
	client := newFakeEth()
	p := newTestEVMPallet(t, client, 1)

	client.estimateErr = errors.New("execution reverted: already locked")
	_, err := p.Prepare(context.Background(), lockCall("ord_1"))
	assert.ErrorIs(t, err, ErrRejected)

	client.estimateErr = errors.New("insufficient funds for gas * price + value")
	_, err = p.Prepare(context.Background(), lockCall("ord_1"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	client.estimateErr = errors.New("connection reset")
	stx, err := p.Prepare(context.Background(), lockCall("ord_1"))
	require.NoError(t, err)
	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(stx.Payload))
	assert.Equal(t, DefaultGasLimit, tx.Gas())
}

func TestEVMPallet_BroadcastIsIdempotent(t *testing.T) {
	client := newFakeEth()
	p := newTestEVMPallet(t, client, 1)
	stx, err := p.Prepare(context.Background(), lockCall("ord_1"))
	require.NoError(t, err)

	require.NoError(t, p.Broadcast(context.Background(), stx))
	client.sendErr = errors.New("already known")
	assert.NoError(t, p.Broadcast(context.Background(), stx))

	client.sendErr = errors.New("insufficient funds for gas")
	err = p.Broadcast(context.Background(), stx)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	client.sendErr = errors.New("503 service unavailable")
	assert.ErrorIs(t, p.Broadcast(context.Background(), stx), ErrChainUnavailable)

	assert.ErrorIs(t, p.Broadcast(context.Background(), SubmittedTx{Payload: []byte{0x01}}), ErrRejected)
}

func TestEVMPallet_AwaitFinality(t *testing.T) {
	client := newFakeEth()
	p := newTestEVMPallet(t, client, 3)
	stx, err := p.Prepare(context.Background(), lockCall("ord_1"))
	require.NoError(t, err)
	h := common.HexToHash(stx.TxHash)

	client.mine(h, 10, types.ReceiptStatusSuccessful)
	client.head = 11 // two confirmations, three required

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	_, err = p.AwaitFinality(ctx, stx)
	cancel()
	assert.ErrorIs(t, err, ErrChainUnavailable)

	client.mu.Lock()
	client.head = 12
	client.mu.Unlock()
	r, err := p.AwaitFinality(context.Background(), stx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), r.BlockNumber)
	assert.Equal(t, stx.TxHash, r.TxHash)
}

func TestEVMPallet_AwaitFinalityReverted(t *testing.T) {
	client := newFakeEth()
	p := newTestEVMPallet(t, client, 1)
	stx, err := p.Prepare(context.Background(), lockCall("ord_1"))
	require.NoError(t, err)
	client.mine(common.HexToHash(stx.TxHash), 4, types.ReceiptStatusFailed)

	_, err = p.AwaitFinality(context.Background(), stx)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestEVMPallet_WithCoordinator(t *testing.T) {
	client := newFakeEth()
	p := newTestEVMPallet(t, client, 1)
	c := NewCoordinator(p, NewMemoryAttemptStore(), quietLogger(), WithCallTimeout(time.Second))

	go func() {
		// mine whatever is sent
		for i := 0; i < 200; i++ {
			client.mu.Lock()
			n := len(client.sent)
			var tx *types.Transaction
			if n > 0 {
				tx = client.sent[0]
			}
			client.mu.Unlock()
			if tx != nil {
				client.mine(tx.Hash(), 1, types.ReceiptStatusSuccessful)
				client.mu.Lock()
				client.head = 1
				client.mu.Unlock()
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	r, err := c.Lock(context.Background(), "ord_1", makerAddr, amt("1.5"), AssetNative).Unwrap()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.BlockNumber)
}

func TestToBaseUnits(t *testing.T) {
	got := ToBaseUnits(Call{Amount: amt("0.000000000001")})
	assert.Equal(t, int64(1), got.Int64())
	got = ToBaseUnits(Call{Amount: amt("12.5")})
	assert.Equal(t, "12500000000000", got.String())
}
