// Package wallet handles all blockchain interactions for USDC payouts.
//
// The Ledger submits ERC-20 transfers from the pot's custodial wallet and
// polls receipts for finality. Failures are classified at this boundary:
// anything the chain has definitively rejected (bad destination, reverted
// transaction) comes back wrapped with retry.Permanent, everything else
// (RPC hiccups, unmined transactions) is left transient for the settlement
// executor to retry.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/splitpot/internal/retry"
	"github.com/mbd888/splitpot/internal/settlement"
)

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrInvalidAddress    = errors.New("wallet: invalid address")
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
	ErrTransactionFailed = errors.New("wallet: transaction failed")
	ErrTimeout           = errors.New("wallet: operation timed out")
	ErrRPCConnection     = errors.New("wallet: RPC connection failed")
)

// TransferError wraps transfer failures with context
type TransferError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// USDCDecimals is the decimal precision of USDC. Micro-USDC amounts
	// used throughout the service are already in this base unit, so no
	// scaling happens at the chain boundary.
	USDCDecimals = 6

	// DefaultGasLimit for ERC20 transfers
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmTimeout for waiting on transactions
	DefaultConfirmTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// Config for creating a new ledger
type Config struct {
	RPCURL         string
	PrivateKey     string // Hex string, 0x prefix optional
	ChainID        int64
	USDCContract   string
	ConfirmTimeout time.Duration
}

// Option configures the ledger
type Option func(*Ledger)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(l *Ledger) {
		l.client = client
	}
}

// WithPollInterval overrides the receipt poll interval (useful for testing)
func WithPollInterval(d time.Duration) Option {
	return func(l *Ledger) {
		l.pollInterval = d
	}
}

// Ledger moves USDC on Base on behalf of the settlement executor.
type Ledger struct {
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	usdcContract   common.Address
	usdcABI        abi.ABI
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// Compile-time check: Ledger is the executor's ledger client.
var _ settlement.LedgerClient = (*Ledger)(nil)

// New creates a new Ledger instance
func New(cfg Config, opts ...Option) (*Ledger, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	l := &Ledger{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(*publicKey),
		chainID:        big.NewInt(cfg.ChainID),
		usdcContract:   common.HexToAddress(cfg.USDCContract),
		usdcABI:        parsedABI,
		confirmTimeout: cfg.ConfirmTimeout,
	}
	if l.confirmTimeout <= 0 {
		l.confirmTimeout = DefaultConfirmTimeout
	}
	l.pollInterval = ConfirmationPollInterval

	for _, opt := range opts {
		opt(l)
	}

	// Connect to RPC if no client provided
	if l.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		l.client = client
	}

	return l, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.USDCContract == "" {
		return fmt.Errorf("USDC contract address required")
	}
	return nil
}

// Address returns the custodial wallet's address
func (l *Ledger) Address() string {
	return l.address.Hex()
}

// BalanceOf returns the raw USDC balance of any address
func (l *Ledger) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := l.usdcABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := l.client.CallContract(ctx, ethereum.CallMsg{
		To:   &l.usdcContract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	balance := new(big.Int)
	balance.SetBytes(result)
	return balance, nil
}

// Submit signs and broadcasts a USDC transfer of amount micro-USDC to
// destination and returns the transaction hash. Validation failures are
// permanent; broadcast failures are transient and retryable.
func (l *Ledger) Submit(ctx context.Context, destination string, amount int64) (string, error) {
	if !common.IsHexAddress(destination) {
		return "", retry.Permanent(fmt.Errorf("%w: %q", ErrInvalidAddress, destination))
	}
	if amount <= 0 {
		return "", retry.Permanent(fmt.Errorf("%w: %d", ErrInvalidAmount, amount))
	}
	to := common.HexToAddress(destination)

	data, err := l.usdcABI.Pack("transfer", to, big.NewInt(amount))
	if err != nil {
		return "", retry.Permanent(&TransferError{Op: "pack", Err: err})
	}

	nonce, err := l.client.PendingNonceAt(ctx, l.address)
	if err != nil {
		return "", &TransferError{Op: "nonce", Err: err}
	}

	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TransferError{Op: "gas_price", Err: err}
	}

	gasLimit, err := l.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  l.address,
		To:    &l.usdcContract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, l.usdcContract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(l.chainID), l.privateKey)
	if err != nil {
		return "", retry.Permanent(&TransferError{Op: "sign", Err: err})
	}

	if err := l.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &TransferError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return signedTx.Hash().Hex(), nil
}

// Confirm polls for the transaction receipt until it is mined or the
// configured timeout elapses. A reverted transaction is permanent; a
// timeout is transient since the transaction may still land later.
func (l *Ledger) Confirm(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, l.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return ctx.Err()

		case <-ticker.C:
			receipt, err := l.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Transaction not yet mined, continue waiting
				continue
			}

			if receipt.Status == 0 {
				return retry.Permanent(&TransferError{
					Op:     "confirm",
					TxHash: txHash,
					Err:    ErrTransactionFailed,
				})
			}
			return nil
		}
	}
}

// Close closes the client connection
func (l *Ledger) Close() error {
	if l.client != nil {
		l.client.Close()
	}
	return nil
}

// FormatUSDC renders a micro-USDC amount as a human-readable string.
func FormatUSDC(amount int64) string {
	whole := amount / 1_000_000
	remainder := amount % 1_000_000
	if remainder == 0 {
		return fmt.Sprintf("%d", whole)
	}
	return fmt.Sprintf("%d.%06d", whole, remainder)
}
