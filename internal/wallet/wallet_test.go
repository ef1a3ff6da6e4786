package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/splitpot/internal/retry"
)

// testPrivateKey is a throwaway key for unit tests only.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// mockEthClient scripts RPC responses.
type mockEthClient struct {
	nonceErr      error
	sendErr       error
	receipt       *types.Receipt
	receiptErr    error
	sentTxs       []*types.Transaction
	receiptChecks int
}

func (m *mockEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, m.nonceErr
}

func (m *mockEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 60000, nil
}

func (m *mockEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sentTxs = append(m.sentTxs, tx)
	return nil
}

func (m *mockEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.receiptChecks++
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	return m.receipt, nil
}

func (m *mockEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return big.NewInt(5_000_000).FillBytes(make([]byte, 32)), nil
}

func (m *mockEthClient) Close() {}

func testLedger(t *testing.T, client EthClient) *Ledger {
	t.Helper()
	l, err := New(Config{
		RPCURL:         "http://localhost:8545",
		PrivateKey:     testPrivateKey,
		ChainID:        84532,
		USDCContract:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		ConfirmTimeout: 250 * time.Millisecond,
	}, WithClient(client), WithPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l
}

func TestNew_ConfigValidation(t *testing.T) {
	base := Config{
		RPCURL:       "http://localhost:8545",
		PrivateKey:   testPrivateKey,
		ChainID:      84532,
		USDCContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}

	bad := base
	bad.PrivateKey = "nothex"
	if _, err := New(bad); !errors.Is(err, ErrInvalidPrivateKey) {
		t.Errorf("short key: expected ErrInvalidPrivateKey, got %v", err)
	}

	bad = base
	bad.RPCURL = ""
	if _, err := New(bad); !errors.Is(err, ErrRPCConnection) {
		t.Errorf("missing RPC URL: expected ErrRPCConnection, got %v", err)
	}

	bad = base
	bad.ChainID = 0
	if _, err := New(bad); err == nil {
		t.Error("missing chain ID: expected error")
	}

	// 0x prefix is accepted.
	ok := base
	ok.PrivateKey = "0x" + testPrivateKey
	if _, err := New(ok, WithClient(&mockEthClient{})); err != nil {
		t.Errorf("prefixed key should be accepted: %v", err)
	}
}

func TestSubmit_SendsSignedTransfer(t *testing.T) {
	client := &mockEthClient{}
	l := testLedger(t, client)

	txHash, err := l.Submit(context.Background(), "0xbbbb000000000000000000000000000000000002", 1_500_000)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if txHash == "" {
		t.Fatal("expected a transaction hash")
	}
	if len(client.sentTxs) != 1 {
		t.Fatalf("expected 1 sent transaction, got %d", len(client.sentTxs))
	}

	tx := client.sentTxs[0]
	if tx.To() == nil || *tx.To() != l.usdcContract {
		t.Errorf("transfer must target the USDC contract, got %v", tx.To())
	}
	if tx.Nonce() != 7 {
		t.Errorf("expected nonce 7, got %d", tx.Nonce())
	}
	if tx.Value().Sign() != 0 {
		t.Errorf("ERC-20 transfer must carry no ETH value, got %s", tx.Value())
	}
}

func TestSubmit_PermanentOnBadInput(t *testing.T) {
	l := testLedger(t, &mockEthClient{})
	ctx := context.Background()

	_, err := l.Submit(ctx, "not-an-address", 100)
	if !retry.IsPermanent(err) {
		t.Errorf("bad destination must be permanent, got %v", err)
	}
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}

	_, err = l.Submit(ctx, "0xbbbb000000000000000000000000000000000002", 0)
	if !retry.IsPermanent(err) || !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount must be permanent ErrInvalidAmount, got %v", err)
	}
}

func TestSubmit_TransientOnRPCFailure(t *testing.T) {
	client := &mockEthClient{nonceErr: errors.New("connection refused")}
	l := testLedger(t, client)

	_, err := l.Submit(context.Background(), "0xbbbb000000000000000000000000000000000002", 100)
	if err == nil {
		t.Fatal("expected error")
	}
	if retry.IsPermanent(err) {
		t.Error("RPC failure must stay transient so the executor retries it")
	}

	var te *TransferError
	if !errors.As(err, &te) || te.Op != "nonce" {
		t.Errorf("expected a nonce TransferError, got %v", err)
	}
}

func TestConfirm_Success(t *testing.T) {
	client := &mockEthClient{
		receipt: &types.Receipt{Status: 1, BlockNumber: big.NewInt(100)},
	}
	l := testLedger(t, client)

	if err := l.Confirm(context.Background(), "0xdeadbeef"); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
}

func TestConfirm_RevertedIsPermanent(t *testing.T) {
	client := &mockEthClient{
		receipt: &types.Receipt{Status: 0},
	}
	l := testLedger(t, client)

	err := l.Confirm(context.Background(), "0xdeadbeef")
	if !retry.IsPermanent(err) {
		t.Errorf("reverted tx must be permanent, got %v", err)
	}
	if !errors.Is(err, ErrTransactionFailed) {
		t.Errorf("expected ErrTransactionFailed, got %v", err)
	}
}

func TestConfirm_TimeoutIsTransient(t *testing.T) {
	// Receipt never appears; Confirm should give up at the timeout but
	// leave the door open for a retry.
	client := &mockEthClient{receiptErr: errors.New("not found")}
	l := testLedger(t, client)

	err := l.Confirm(context.Background(), "0xdeadbeef")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if retry.IsPermanent(err) {
		t.Error("timeout must stay transient")
	}
	if client.receiptChecks == 0 {
		t.Error("expected at least one receipt poll")
	}
}

func TestFormatUSDC(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{1_000_000, "1"},
		{1_500_000, "1.500000"},
		{33, "0.000033"},
	}
	for _, tc := range cases {
		if got := FormatUSDC(tc.in); got != tc.want {
			t.Errorf("FormatUSDC(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
