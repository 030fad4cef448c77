package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMessagesSeqAndPaging(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		m := &Message{MsgID: 100 + i, ConvID: "conv:p2p:1:2", SenderID: 1, ReceiverID: 2, Content: "x"}
		require.NoError(t, s.CreateMessage(ctx, m))
		assert.Equal(t, i, m.Seq)
		assert.False(t, m.CreatedAt.IsZero())
	}

	page, err := s.ListMessages(ctx, 2, "conv:p2p:1:2", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].Seq)
	assert.Equal(t, int64(4), page[1].Seq)

	// not a participant
	page, err = s.ListMessages(ctx, 3, "conv:p2p:1:2", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, page)

	u, err := s.Unread(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), u.Messages)

	n, err := s.MarkConversationRead(ctx, 2, "conv:p2p:1:2")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	u, err = s.Unread(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.Messages)
}

func TestMemoryRejectsInvalid(t *testing.T) {
	s := NewMemory()
	assert.ErrorIs(t, s.CreateMessage(context.Background(), &Message{}), ErrInvalidArgument)
	assert.ErrorIs(t, s.CreateNotification(context.Background(), &Notification{UserID: 1}), ErrInvalidArgument)
}

func TestMemoryNotifications(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.CreateNotification(ctx, &Notification{ID: 10, UserID: 7, Kind: "job_saved", Title: "t"}))
	require.NoError(t, s.CreateNotification(ctx, &Notification{ID: 11, UserID: 7, Kind: "job_saved", Title: "t2"}))

	list, err := s.ListNotifications(ctx, 7, 10, 50)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(11), list[0].ID)

	n, err := s.MarkNotificationRead(ctx, 7, 10)
	require.NoError(t, err)
	assert.True(t, n.Read)

	_, err = s.MarkNotificationRead(ctx, 8, 10)
	assert.ErrorIs(t, err, ErrNotFound)

	u, err := s.Unread(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Notifications)
}

func TestMemoryUsers(t *testing.T) {
	s := NewMemory()
	s.PutUser(1, "hash")

	h, err := s.PasswordHash(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "hash", h)

	_, err = s.PasswordHash(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRejectsRepeatedClientMsgID(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	m := &Message{MsgID: 1, ConvID: "conv:p2p:1:2", SenderID: 1, ReceiverID: 2, Content: "x", ClientMsgID: "k1"}
	require.NoError(t, s.CreateMessage(ctx, m))

	again := &Message{MsgID: 2, ConvID: "conv:p2p:1:2", SenderID: 1, ReceiverID: 2, Content: "x", ClientMsgID: "k1"}
	assert.ErrorIs(t, s.CreateMessage(ctx, again), ErrDuplicate)

	// same id from another sender is a different message
	other := &Message{MsgID: 3, ConvID: "conv:p2p:1:2", SenderID: 2, ReceiverID: 1, Content: "y", ClientMsgID: "k1"}
	require.NoError(t, s.CreateMessage(ctx, other))
	assert.Equal(t, int64(2), other.Seq)

	got, err := s.MessageByClientID(ctx, 1, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.MsgID)
	assert.Equal(t, int64(1), got.Seq)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.MessageByClientID(ctx, 1, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.MessageByClientID(ctx, 1, "")
	assert.ErrorIs(t, err, ErrNotFound)
}
