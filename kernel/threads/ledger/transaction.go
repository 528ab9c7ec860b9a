package ledger

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
)

// RewardSender is the sender id of the synthetic transaction that pays a
// node for assembling a block.
const RewardSender int32 = -1

// Timestamp is a wall clock instant split the way it is stored.
type Timestamp struct {
	Sec  int64
	Nsec int32
}

func TimestampOf(t time.Time) Timestamp {
	return Timestamp{Sec: t.Unix(), Nsec: int32(t.Nanosecond())}
}

func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.Sec, int64(ts.Nsec))
}

// Transaction moves Quantity from Sender to Receiver and pays Reward to the
// node that commits it. Transactions are plain values: two transactions are
// the same transaction exactly when every field is equal.
type Transaction struct {
	Timestamp Timestamp
	Sender    int32
	Receiver  int32
	Quantity  int64
	Reward    int64
}

// IsReward reports whether tx was synthesized by a node.
func (tx Transaction) IsReward() bool {
	return tx.Sender == RewardSender
}

// Cost is what the sender pays.
func (tx Transaction) Cost() int64 {
	return tx.Quantity + tx.Reward
}

func (tx Transaction) String() string {
	sender := fmt.Sprint(tx.Sender)
	if tx.IsReward() {
		sender = "REWARD"
	}
	return fmt.Sprintf("%d.%09d %s -> %d qty=%d reward=%d",
		tx.Timestamp.Sec, tx.Timestamp.Nsec, sender, tx.Receiver, tx.Quantity, tx.Reward)
}

// Put encodes tx into buf, which must hold TRANSACTION_SIZE bytes.
func (tx Transaction) Put(buf []byte) {
	_ = buf[sab.TRANSACTION_SIZE-1]
	binary.LittleEndian.PutUint64(buf[0:], uint64(tx.Timestamp.Sec))
	binary.LittleEndian.PutUint32(buf[8:], uint32(tx.Timestamp.Nsec))
	binary.LittleEndian.PutUint32(buf[12:], uint32(tx.Sender))
	binary.LittleEndian.PutUint32(buf[16:], uint32(tx.Receiver))
	binary.LittleEndian.PutUint32(buf[20:], 0)
	binary.LittleEndian.PutUint64(buf[24:], uint64(tx.Quantity))
	binary.LittleEndian.PutUint64(buf[32:], uint64(tx.Reward))
}

// MarshalBinary returns the fixed-size encoding used in mailboxes and the
// registry.
func (tx Transaction) MarshalBinary() ([]byte, error) {
	buf := make([]byte, sab.TRANSACTION_SIZE)
	tx.Put(buf)
	return buf, nil
}

// UnmarshalBinary decodes the output of MarshalBinary.
func (tx *Transaction) UnmarshalBinary(buf []byte) error {
	if len(buf) < sab.TRANSACTION_SIZE {
		return fmt.Errorf("transaction: %w: %d bytes", ErrShortBuffer, len(buf))
	}
	tx.Timestamp.Sec = int64(binary.LittleEndian.Uint64(buf[0:]))
	tx.Timestamp.Nsec = int32(binary.LittleEndian.Uint32(buf[8:]))
	tx.Sender = int32(binary.LittleEndian.Uint32(buf[12:]))
	tx.Receiver = int32(binary.LittleEndian.Uint32(buf[16:]))
	tx.Quantity = int64(binary.LittleEndian.Uint64(buf[24:]))
	tx.Reward = int64(binary.LittleEndian.Uint64(buf[32:]))
	return nil
}

// DecodeTransaction is UnmarshalBinary as a function.
func DecodeTransaction(buf []byte) (Transaction, error) {
	var tx Transaction
	err := tx.UnmarshalBinary(buf)
	return tx, err
}
