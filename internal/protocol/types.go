package protocol

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Account is the unit of sharded state. Exactly one shard owns an account at
// any time; ownership is determined by the address router under the current
// shard count. Accounts are created on first credit and never deleted - zero
// balance is a valid terminal state.
type Account struct {
	Address common.Address `json:"address"`
	Balance *uint256.Int   `json:"balance"`
	Nonce   uint64         `json:"nonce"`
}

// DeepCopy creates a deep copy of the Account
func (a *Account) DeepCopy() *Account {
	if a == nil {
		return nil
	}
	return &Account{
		Address: a.Address,
		Balance: new(uint256.Int).Set(a.Balance),
		Nonce:   a.Nonce,
	}
}

// Transaction is a value transfer between two accounts. It is local if both
// addresses route to the same shard, cross-shard otherwise.
type Transaction struct {
	ID        string         `json:"id,omitempty"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Amount    *uint256.Int   `json:"amount"`
	Nonce     uint64         `json:"nonce"`
	Signature []byte         `json:"signature,omitempty"`
}

// SigHash is the digest covered by the transaction signature.
func (tx *Transaction) SigHash() common.Hash {
	return crypto.Keccak256Hash(
		tx.From.Bytes(),
		tx.To.Bytes(),
		tx.Amount.PaddedBytes(32),
		uint64ToBytes(tx.Nonce),
	)
}

// DeepCopy creates a deep copy of the Transaction
func (tx *Transaction) DeepCopy() *Transaction {
	if tx == nil {
		return nil
	}
	cp := *tx
	cp.Amount = new(uint256.Int).Set(tx.Amount)
	cp.Signature = append([]byte(nil), tx.Signature...)
	return &cp
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// TxStatus tracks a cross-shard transaction through the two-phase protocol
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxPrepared  TxStatus = "prepared"
	TxCommitted TxStatus = "committed"
	TxAborted   TxStatus = "aborted"
)

// Receipt is returned for every applied transaction. Balances and nonce are
// the post-apply values; the receipt is only handed out after the WAL record
// for the transaction is durable.
type Receipt struct {
	TxID        string         `json:"tx_id"`
	TxHash      common.Hash    `json:"tx_hash"`
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Amount      *uint256.Int   `json:"amount"`
	FromBalance *uint256.Int   `json:"from_balance"`
	ToBalance   *uint256.Int   `json:"to_balance"`
	FromNonce   uint64         `json:"from_nonce"`
	FromShard   int            `json:"from_shard"`
	ToShard     int            `json:"to_shard"`
	CrossShard  bool           `json:"cross_shard"`
	Status      TxStatus       `json:"status"`
}

// DeepCopy creates a deep copy of the Receipt
func (r *Receipt) DeepCopy() *Receipt {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Amount != nil {
		cp.Amount = new(uint256.Int).Set(r.Amount)
	}
	if r.FromBalance != nil {
		cp.FromBalance = new(uint256.Int).Set(r.FromBalance)
	}
	if r.ToBalance != nil {
		cp.ToBalance = new(uint256.Int).Set(r.ToBalance)
	}
	return &cp
}

// ExpansionEvent records one shard-count change. Events are append-only
// history, immutable once committed, and used for audit and idempotency
// checks: an expansion that moves nothing still produces an event.
type ExpansionEvent struct {
	ID                string `json:"id"`
	OldShardCount     int    `json:"old_shard_count"`
	NewShardCount     int    `json:"new_shard_count"`
	TriggeredAtHeight uint64 `json:"triggered_at_height"`
	AccountsMigrated  int    `json:"accounts_migrated"`
	Timestamp         uint64 `json:"timestamp"`
}

// ShardStatus is the read-only per-shard view served to the query layer
type ShardStatus struct {
	ShardID      int     `json:"shard_id"`
	AccountCount int     `json:"account_count"`
	AppliedCount uint64  `json:"applied_count"`
	Load         float64 `json:"load"`
	Available    bool    `json:"available"`
	Migrating    bool    `json:"migrating"`
}

// TxResult reports the outcome of one transaction within a block: either a
// receipt or a specific error kind so callers can decide whether to retry.
type TxResult struct {
	TxID     string   `json:"tx_id"`
	Receipt  *Receipt `json:"receipt,omitempty"`
	Kind     Kind     `json:"error_kind,omitempty"`
	Error    string   `json:"error,omitempty"`
	Deferred bool     `json:"deferred,omitempty"` // re-queued for the next block
}

// BlockResult is the inbound contract with block production: per-transaction
// outcomes plus aggregate metrics for the block.
type BlockResult struct {
	Height             uint64     `json:"height"`
	Results            []TxResult `json:"results"`
	Applied            int        `json:"applied"`
	Rejected           int        `json:"rejected"`
	Deferred           int        `json:"deferred"`
	TPS                float64    `json:"tps"`
	ExpansionTriggered bool       `json:"expansion_triggered"`
}

// SignatureVerifier checks transaction signatures. Verification is an
// external collaborator capability; the engine only consumes the verdict.
type SignatureVerifier interface {
	Verify(tx *Transaction) error
}

// AcceptAllVerifier trusts the transaction source (e.g. already-verified
// consensus input).
type AcceptAllVerifier struct{}

func (AcceptAllVerifier) Verify(*Transaction) error { return nil }

// RecoverVerifier requires a 65-byte secp256k1 signature over SigHash that
// recovers to the transaction's from address.
type RecoverVerifier struct{}

func (RecoverVerifier) Verify(tx *Transaction) error {
	if len(tx.Signature) != crypto.SignatureLength {
		return fmt.Errorf("%w: signature length %d", ErrInvalidTransaction, len(tx.Signature))
	}
	hash := tx.SigHash()
	pub, err := crypto.SigToPub(hash.Bytes(), tx.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != tx.From {
		return fmt.Errorf("%w: signer %s is not sender %s", ErrInvalidTransaction, recovered.Hex(), tx.From.Hex())
	}
	return nil
}

// SignTransaction signs tx with the given key (test and loadgen helper).
func SignTransaction(tx *Transaction, key *ecdsa.PrivateKey) error {
	sig, err := crypto.Sign(tx.SigHash().Bytes(), key)
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}
