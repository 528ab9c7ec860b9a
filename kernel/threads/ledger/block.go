package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
)

// Block is one committed batch. The last transaction is always the reward
// paid to the node that assembled it.
type Block struct {
	Index        uint32
	Transactions []Transaction
}

// AssembleBlock closes a batch of user transactions with the reward
// transaction for node. The index is assigned when the block is appended.
func AssembleBlock(batch []Transaction, node int32, ts Timestamp) Block {
	var total int64
	txs := make([]Transaction, 0, len(batch)+1)
	for _, tx := range batch {
		total += tx.Reward
		txs = append(txs, tx)
	}
	txs = append(txs, Transaction{
		Timestamp: ts,
		Sender:    RewardSender,
		Receiver:  node,
		Quantity:  total,
	})
	return Block{Transactions: txs}
}

// RewardTransaction returns the closing reward of the block.
func (b Block) RewardTransaction() (Transaction, bool) {
	if len(b.Transactions) == 0 {
		return Transaction{}, false
	}
	last := b.Transactions[len(b.Transactions)-1]
	return last, last.IsReward()
}

// Encode lays the block out in sab.BlockBytes(blockSize) bytes.
func (b Block) Encode(blockSize int) ([]byte, error) {
	if len(b.Transactions) != blockSize {
		return nil, fmt.Errorf("%w: block holds %d transactions, want %d", ErrBlockSize, len(b.Transactions), blockSize)
	}
	buf := make([]byte, sab.BlockBytes(blockSize))
	binary.LittleEndian.PutUint32(buf[0:], b.Index)
	for i, tx := range b.Transactions {
		off := sab.BLOCK_HEADER_SIZE + i*sab.TRANSACTION_SIZE
		tx.Put(buf[off : off+sab.TRANSACTION_SIZE])
	}
	return buf, nil
}

// DecodeBlock parses the output of Encode.
func DecodeBlock(buf []byte, blockSize int) (Block, error) {
	if uint32(len(buf)) < sab.BlockBytes(blockSize) {
		return Block{}, fmt.Errorf("block: %w: %d bytes", ErrShortBuffer, len(buf))
	}
	b := Block{
		Index:        binary.LittleEndian.Uint32(buf[0:]),
		Transactions: make([]Transaction, blockSize),
	}
	for i := range b.Transactions {
		off := sab.BLOCK_HEADER_SIZE + i*sab.TRANSACTION_SIZE
		if err := b.Transactions[i].UnmarshalBinary(buf[off:]); err != nil {
			return Block{}, err
		}
	}
	return b, nil
}
