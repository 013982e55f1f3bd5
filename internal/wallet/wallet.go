// Package wallet reads payment transactions from the chain and signs USDC
// transfers from the facilitator account.
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

	"github.com/agenthub/agenthub/internal/units"
)

var (
	ErrInvalidPrivateKey   = errors.New("wallet: invalid private key")
	ErrInvalidAddress      = errors.New("wallet: invalid address")
	ErrInvalidAmount       = errors.New("wallet: invalid amount")
	ErrInsufficientBalance = errors.New("wallet: insufficient balance")
	ErrTransactionFailed   = errors.New("wallet: transaction failed")
	ErrTxNotFound          = errors.New("wallet: transaction not found")
	ErrTimeout             = errors.New("wallet: operation timed out")
	ErrRPCConnection       = errors.New("wallet: RPC connection failed")
)

// TransferError wraps transfer failures with the step that failed.
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EthClient is the subset of ethclient.Client used here. Tests pass fakes.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ERC20 subset: transfer, balanceOf and the Transfer event.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const (
	// DefaultGasLimit is used when gas estimation fails.
	DefaultGasLimit = uint64(100000)

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// Config for the chain reader and the facilitator wallet.
type Config struct {
	RPCURL       string
	PrivateKey   string // hex, 0x prefix optional; facilitator only
	ChainID      int64
	USDCContract string
}

// Option configures a Reader.
type Option func(*Reader)

// WithClient sets a custom Ethereum client.
func WithClient(client EthClient) Option {
	return func(r *Reader) {
		r.client = client
	}
}

// WithPollInterval overrides the confirmation poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(r *Reader) {
		r.pollInterval = d
	}
}

// TxInfo summarizes a mined transaction.
type TxInfo struct {
	Hash        string `json:"txHash"`
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	From        string `json:"from"`
	To          string `json:"to"`

	// Set when the receipt carries a USDC Transfer log.
	TokenRecipient string `json:"tokenRecipient,omitempty"`
	TokenAmount    string `json:"tokenAmount,omitempty"`

	// Destination is who got paid: To, or the token recipient when the
	// transaction called the USDC contract.
	Destination string `json:"destination"`
}

// Succeeded reports whether the receipt status is success.
func (t *TxInfo) Succeeded() bool {
	return t.Status == types.ReceiptStatusSuccessful
}

// TransferResult describes a submitted or confirmed transfer.
type TransferResult struct {
	TxHash      string   `json:"txHash"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Amount      string   `json:"amount"`
	AmountRaw   *big.Int `json:"-"`
	BlockNumber uint64   `json:"blockNumber,omitempty"`
	Nonce       uint64   `json:"nonce"`
}

// Reader looks up payment transactions. It needs no key.
type Reader struct {
	client       EthClient
	chainID      *big.Int
	usdcContract common.Address
	usdcABI      abi.ABI
	pollInterval time.Duration
}

// NewReader connects a chain reader. The RPC is dialed lazily by ethclient,
// so a bad URL surfaces on first use.
func NewReader(cfg Config, opts ...Option) (*Reader, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.USDCContract) {
		return nil, fmt.Errorf("%w: USDC contract", ErrInvalidAddress)
	}
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	r := &Reader{
		chainID:      big.NewInt(cfg.ChainID),
		usdcContract: common.HexToAddress(cfg.USDCContract),
		usdcABI:      parsedABI,
		pollInterval: ConfirmationPollInterval,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		r.client = client
	}
	return r, nil
}

// Lookup fetches the receipt and transaction for txHash.
func (r *Reader) Lookup(ctx context.Context, txHash string) (*TxInfo, error) {
	hash := common.HexToHash(txHash)

	receipt, err := r.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: receipt: %v", ErrRPCConnection, err)
	}

	info := &TxInfo{Hash: hash.Hex(), Status: receipt.Status}
	if receipt.BlockNumber != nil {
		info.BlockNumber = receipt.BlockNumber.Uint64()
	}

	tx, _, err := r.client.TransactionByHash(ctx, hash)
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("%w: transaction: %v", ErrRPCConnection, err)
	}
	if tx != nil {
		if to := tx.To(); to != nil {
			info.To = to.Hex()
		}
		if from, err := types.Sender(types.LatestSignerForChainID(r.chainID), tx); err == nil {
			info.From = from.Hex()
		}
	}

	transferID := r.usdcABI.Events["Transfer"].ID
	for _, lg := range receipt.Logs {
		if lg.Address != r.usdcContract || len(lg.Topics) < 3 || lg.Topics[0] != transferID {
			continue
		}
		info.TokenRecipient = common.BytesToAddress(lg.Topics[2].Bytes()).Hex()
		info.TokenAmount = units.FormatUSDC(new(big.Int).SetBytes(lg.Data))
		break
	}

	info.Destination = info.To
	if strings.EqualFold(info.To, r.usdcContract.Hex()) && info.TokenRecipient != "" {
		info.Destination = info.TokenRecipient
	}
	return info, nil
}

// BalanceOf returns the USDC balance of addr in token units.
func (r *Reader) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := r.usdcABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := r.client.CallContract(ctx, ethereum.CallMsg{
		To:   &r.usdcContract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balanceOf: %v", ErrRPCConnection, err)
	}
	return new(big.Int).SetBytes(result), nil
}

// WaitForConfirmation polls until txHash is mined or ctx ends.
func (r *Reader) WaitForConfirmation(ctx context.Context, txHash string) (*TransferResult, error) {
	hash := common.HexToHash(txHash)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := r.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, &TransferError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
			res := &TransferResult{TxHash: txHash}
			if receipt.BlockNumber != nil {
				res.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return res, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close closes the client connection.
func (r *Reader) Close() error {
	if r.client != nil {
		r.client.Close()
	}
	return nil
}

// Wallet is the facilitator account that funds /x402/pay.
type Wallet struct {
	*Reader
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// New creates the facilitator wallet.
func New(cfg Config, opts ...Option) (*Wallet, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	reader, err := NewReader(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Wallet{
		Reader:     reader,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Address returns the facilitator address.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// Pay transfers amount (human-readable USDC) to recipient after checking
// the facilitator can cover it.
func (w *Wallet) Pay(ctx context.Context, recipient, amount string) (*TransferResult, error) {
	if !common.IsHexAddress(recipient) {
		return nil, ErrInvalidAddress
	}
	raw, err := units.ParseUSDC(amount)
	if err != nil || raw.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	balance, err := w.BalanceOf(ctx, w.address)
	if err != nil {
		return nil, &TransferError{Op: "balance", Err: err}
	}
	if balance.Cmp(raw) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance,
			units.FormatUSDC(balance), units.FormatUSDC(raw))
	}
	return w.Transfer(ctx, common.HexToAddress(recipient), raw)
}

// Transfer signs and sends a USDC transfer. It does not wait for it to be mined.
func (w *Wallet) Transfer(ctx context.Context, to common.Address, amount *big.Int) (*TransferResult, error) {
	data, err := w.usdcABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, &TransferError{Op: "pack", Err: err}
	}

	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, &TransferError{Op: "nonce", Err: err}
	}

	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TransferError{Op: "gas_price", Err: err}
	}

	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &w.usdcContract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, w.usdcContract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), w.privateKey)
	if err != nil {
		return nil, &TransferError{Op: "sign", Err: err}
	}

	if err := w.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TransferError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return &TransferResult{
		TxHash:    signedTx.Hash().Hex(),
		From:      w.address.Hex(),
		To:        to.Hex(),
		Amount:    units.FormatUSDC(amount),
		AmountRaw: amount,
		Nonce:     nonce,
	}, nil
}
