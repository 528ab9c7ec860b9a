package foundation

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
)

const testPayload = 16

func makeMailbox(t *testing.T, capacity uint32) (*Mailbox, *sab.InMemoryProvider) {
	t.Helper()
	mem := sab.NewInMemoryProvider(MailboxBytes(capacity, testPayload))
	mb, err := InitMailbox(mem, capacity, testPayload)
	require.NoError(t, err)
	return mb, mem
}

func payload(v uint64) []byte {
	b := make([]byte, testPayload)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func TestMailbox_FIFO(t *testing.T) {
	mb, _ := makeMailbox(t, 4)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, mb.TrySend(payload(i)))
	}
	assert.Equal(t, 3, mb.Len())

	for i := uint64(1); i <= 3; i++ {
		got, err := mb.Receive(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, binary.LittleEndian.Uint64(got))
	}
	_, err := mb.TryReceive()
	assert.ErrorIs(t, err, ErrMailboxEmpty)
}

func TestMailbox_FullIsReported(t *testing.T) {
	mb, _ := makeMailbox(t, 2)

	require.NoError(t, mb.TrySend(payload(1)))
	require.NoError(t, mb.TrySend(payload(2)))
	assert.ErrorIs(t, mb.TrySend(payload(3)), ErrMailboxFull)

	stats := mb.Stats()
	assert.Equal(t, uint32(2), stats.Enqueued)
	assert.Equal(t, uint32(1), stats.Dropped)
	assert.Equal(t, uint32(2), stats.MaxDepth)

	// wraps around after a receive
	_, err := mb.TryReceive()
	require.NoError(t, err)
	require.NoError(t, mb.TrySend(payload(3)))
	got, err := mb.TryReceive()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(got))
	got, err = mb.TryReceive()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(got))
}

func TestMailbox_AttachSharesState(t *testing.T) {
	mb, mem := makeMailbox(t, 4)
	sender, err := AttachMailbox(mem.View(false), testPayload)
	require.NoError(t, err)

	require.NoError(t, sender.TrySend(payload(42)))
	got, err := mb.TryReceive()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(got))

	_, err = AttachMailbox(mem.View(false), testPayload+8)
	assert.ErrorIs(t, err, ErrPayloadSize)
	assert.ErrorIs(t, sender.TrySend(make([]byte, 3)), ErrPayloadSize)
}

func TestMailbox_ReceiveBlocksUntilSend(t *testing.T) {
	mb, _ := makeMailbox(t, 4)

	got := make(chan []byte, 1)
	go func() {
		msg, err := mb.Receive(context.Background())
		require.NoError(t, err)
		got <- msg
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, mb.TrySend(payload(7)))

	select {
	case msg := <-got:
		assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(msg))
	case <-time.After(time.Second):
		t.Fatal("receiver not woken")
	}
}

func TestMailbox_RemoveWakesReceiver(t *testing.T) {
	mb, _ := makeMailbox(t, 4)

	errs := make(chan error, 1)
	go func() {
		_, err := mb.Receive(context.Background())
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, mb.Remove())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrRemoved)
	case <-time.After(time.Second):
		t.Fatal("receiver not woken by removal")
	}
	assert.True(t, mb.Removed())
	assert.ErrorIs(t, mb.TrySend(payload(1)), ErrRemoved)
}

func TestMailbox_ReceiveHonoursContext(t *testing.T) {
	mb, _ := makeMailbox(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := mb.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
