package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/yuim/internal/broker"
	"github.com/lzyats/yuim/internal/hub"
	"github.com/lzyats/yuim/internal/store"
	"github.com/lzyats/yuim/pkg/protocol"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NextID() (int64, error) { return s.n.Add(1), nil }

func drain(t *testing.T, c *hub.Conn) []protocol.Frame {
	t.Helper()
	var out []protocol.Frame
	for {
		select {
		case b := <-c.Out:
			f, err := protocol.Decode(b)
			require.NoError(t, err)
			out = append(out, f)
		default:
			return out
		}
	}
}

func types(frames []protocol.Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Type)
	}
	return out
}

func newRouter(st store.Store) (*Router, *hub.Hub) {
	h := hub.New(hub.Options{})
	r := New(Options{Registry: h, Store: st, IDs: &seqIDs{}, Idempotency: NewMemoryIdempotency()})
	return r, h
}

func TestConversationRoomIsOrderIndependent(t *testing.T) {
	assert.Equal(t, ConversationRoom(1, 2), ConversationRoom(2, 1))
	assert.Equal(t, "conv:p2p:1:2", ConversationRoom(2, 1))
	assert.NotEqual(t, ConversationRoom(1, 2), ConversationRoom(1, 3))
}

func TestSendMessageScenario(t *testing.T) {
	st := store.NewMemory()
	r, h := newRouter(st)
	ctx := context.Background()

	u1 := hub.NewConn(1, "a", 16)
	u2 := hub.NewConn(2, "b", 16)
	h.Register(u1)
	h.Register(u2)
	_, err := r.Subscribe(u1.ID, ConversationRoom(1, 2))
	require.NoError(t, err)
	_, err = r.Subscribe(u2.ID, ConversationRoom(2, 1))
	require.NoError(t, err)

	res, err := r.SendMessage(ctx, SendInput{From: 1, To: 2, Content: "hi"})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	f1 := drain(t, u1)
	f2 := drain(t, u2)
	assert.Equal(t, []string{protocol.MessagesNew}, types(f1))
	assert.Equal(t, []string{protocol.MessagesNew, protocol.NotificationsUnread}, types(f2))

	var msg protocol.Message
	require.NoError(t, f2[0].DecodePayload(&msg))
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, int64(1), msg.SenderID)

	var unread protocol.Unread
	require.NoError(t, f2[1].DecodePayload(&unread))
	assert.Equal(t, int64(1), unread.Messages)

	stored, err := st.ListMessages(ctx, 2, ConversationRoom(1, 2), 0, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, int64(1), stored[0].SenderID)
	assert.Equal(t, int64(2), stored[0].ReceiverID)
}

// observingStore checks what the receiver has seen at the moment of the write.
type observingStore struct {
	store.Store
	conn        *hub.Conn
	seenAtWrite int
	fail        error
}

func (s *observingStore) CreateMessage(ctx context.Context, m *store.Message) error {
	s.seenAtWrite = len(s.conn.Out)
	if s.fail != nil {
		return s.fail
	}
	return s.Store.CreateMessage(ctx, m)
}

func TestPersistBeforeFanOut(t *testing.T) {
	h := hub.New(hub.Options{})
	c := hub.NewConn(2, "b", 16)
	h.Register(c)
	require.NoError(t, h.JoinRoom(c.ID, ConversationRoom(1, 2)))

	obs := &observingStore{Store: store.NewMemory(), conn: c}
	r := New(Options{Registry: h, Store: obs, IDs: &seqIDs{}})

	_, err := r.SendMessage(context.Background(), SendInput{From: 1, To: 2, Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, 0, obs.seenAtWrite)
	assert.NotEmpty(t, drain(t, c))

	obs.fail = errors.New("disk full")
	_, err = r.SendMessage(context.Background(), SendInput{From: 1, To: 2, Content: "y"})
	require.Error(t, err)
	assert.Empty(t, drain(t, c), "nothing may be delivered when the write fails")
}

func TestRecordSurvivesDeliveryFailure(t *testing.T) {
	st := store.NewMemory()
	r, h := newRouter(st)

	c := hub.NewConn(2, "b", 1)
	h.Register(c)
	c.Close() // socket died mid publish

	_, err := r.SendMessage(context.Background(), SendInput{From: 1, To: 2, Content: "kept"})
	require.NoError(t, err)

	list, err := st.ListMessages(context.Background(), 2, ConversationRoom(1, 2), 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "kept", list[0].Content)
}

func TestSendMessageIdempotent(t *testing.T) {
	st := store.NewMemory()
	r, _ := newRouter(st)
	ctx := context.Background()

	first, err := r.SendMessage(ctx, SendInput{From: 1, To: 2, Content: "hi", ClientMsgID: "c-1"})
	require.NoError(t, err)
	again, err := r.SendMessage(ctx, SendInput{From: 1, To: 2, Content: "hi", ClientMsgID: "c-1"})
	require.NoError(t, err)

	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Message.MsgID, again.Message.MsgID)

	list, err := st.ListMessages(ctx, 1, ConversationRoom(1, 2), 0, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// slowStore widens the window between the idempotency check and the insert.
type slowStore struct {
	store.Store
	delay time.Duration
}

func (s *slowStore) CreateMessage(ctx context.Context, m *store.Message) error {
	time.Sleep(s.delay)
	return s.Store.CreateMessage(ctx, m)
}

func TestConcurrentDuplicateSendPersistsOnce(t *testing.T) {
	mem := store.NewMemory()
	r, h := newRouter(&slowStore{Store: mem, delay: 20 * time.Millisecond})
	c := hub.NewConn(2, "b", 16)
	h.Register(c)
	require.NoError(t, h.JoinRoom(c.ID, ConversationRoom(1, 2)))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*SendResult, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.SendMessage(ctx, SendInput{From: 1, To: 2, Content: "hi", ClientMsgID: "k1"})
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	list, err := mem.ListMessages(ctx, 1, ConversationRoom(1, 2), 0, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, results[0].Message.MsgID, results[1].Message.MsgID)
	assert.NotEqual(t, results[0].Duplicate, results[1].Duplicate, "exactly one send is the original")

	news := 0
	for _, f := range drain(t, c) {
		if f.Type == protocol.MessagesNew {
			news++
		}
	}
	assert.Equal(t, 1, news)
}

func TestDuplicateSendReturnsOriginalRecord(t *testing.T) {
	r, _ := newRouter(store.NewMemory())
	ctx := context.Background()

	first, err := r.SendMessage(ctx, SendInput{From: 1, To: 2, Content: "hi", ClientMsgID: "c-9"})
	require.NoError(t, err)
	again, err := r.SendMessage(ctx, SendInput{From: 1, To: 2, Content: "hi", ClientMsgID: "c-9"})
	require.NoError(t, err)

	require.True(t, again.Duplicate)
	assert.Equal(t, first.Message, again.Message)
	assert.Equal(t, int64(1), again.Message.Seq)
	assert.False(t, again.Message.CreatedAt.IsZero())
	assert.Equal(t, first.Message.CreatedAt.UnixMilli(), MessagePayload(again.Message).CreatedAt)
}

func TestSendMessageValidation(t *testing.T) {
	r, _ := newRouter(store.NewMemory())
	for _, in := range []SendInput{
		{From: 0, To: 2, Content: "x"},
		{From: 1, To: 0, Content: "x"},
		{From: 1, To: 1, Content: "x"},
		{From: 1, To: 2},
	} {
		_, err := r.SendMessage(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidArgument, fmt.Sprintf("%+v", in))
	}
}

func TestPublishOrderWithinRoom(t *testing.T) {
	r, h := newRouter(store.NewMemory())
	c := hub.NewConn(1, "a", 512)
	h.Register(c)
	room := ConversationRoom(1, 2)
	require.NoError(t, h.JoinRoom(c.ID, room))

	for i := 0; i < 200; i++ {
		require.NoError(t, r.Publish(context.Background(), room, protocol.MessagesNew, protocol.Message{Seq: int64(i)}))
	}
	frames := drain(t, c)
	require.Len(t, frames, 200)
	for i, f := range frames {
		var m protocol.Message
		require.NoError(t, f.DecodePayload(&m))
		assert.Equal(t, int64(i), m.Seq)
	}
}

func TestPublishToUserReachesEveryConnection(t *testing.T) {
	r, h := newRouter(store.NewMemory())
	phone := hub.NewConn(5, "a", 4)
	laptop := hub.NewConn(5, "b", 4)
	other := hub.NewConn(6, "c", 4)
	h.Register(phone)
	h.Register(laptop)
	h.Register(other)

	n, err := r.Notify(context.Background(), NotifyInput{UserID: 5, Kind: "job_saved", Title: "Saved"})
	require.NoError(t, err)
	assert.Greater(t, n.ID, int64(0))

	for _, c := range []*hub.Conn{phone, laptop} {
		assert.Equal(t, []string{protocol.NotificationsNew, protocol.NotificationsUnread}, types(drain(t, c)))
	}
	assert.Empty(t, drain(t, other))

	_, err = r.MarkRead(context.Background(), 5, n.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.NotificationsUpdated, protocol.NotificationsUnread}, types(drain(t, phone)))

	_, err = r.MarkRead(context.Background(), 5, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTypingIsEphemeral(t *testing.T) {
	st := store.NewMemory()
	r, h := newRouter(st)
	c := hub.NewConn(2, "b", 4)
	h.Register(c)

	require.NoError(t, r.Typing(context.Background(), 1, 2))
	frames := drain(t, c)
	require.Len(t, frames, 1)
	var ref protocol.UserRef
	require.NoError(t, frames[0].DecodePayload(&ref))
	assert.Equal(t, int64(1), ref.UserID)

	u, err := st.Unread(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.Messages)
}

func TestSubscriptionCancel(t *testing.T) {
	r, h := newRouter(store.NewMemory())
	c := hub.NewConn(1, "a", 4)
	h.Register(c)

	sub, err := r.Subscribe(c.ID, "room")
	require.NoError(t, err)
	require.NoError(t, sub.Cancel())
	require.NoError(t, sub.Cancel())

	require.NoError(t, r.Publish(context.Background(), "room", protocol.Pong, nil))
	assert.Empty(t, drain(t, c))

	_, err = r.Subscribe("missing", "room")
	assert.ErrorIs(t, err, hub.ErrUnknownConn)
}

type fakeBroker struct {
	mu        sync.Mutex
	published []string
	remote    chan [2]string
}

func (b *fakeBroker) Publish(_ context.Context, room string, frame []byte) error {
	b.mu.Lock()
	b.published = append(b.published, room)
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) Run(ctx context.Context, deliver broker.DeliverFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-b.remote:
			deliver(m[0], []byte(m[1]))
		}
	}
}

func (b *fakeBroker) rooms() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}

func TestBrokerForwardsAndDeliversRemote(t *testing.T) {
	h := hub.New(hub.Options{})
	fb := &fakeBroker{remote: make(chan [2]string, 1)}
	r := New(Options{Registry: h, Store: store.NewMemory(), IDs: &seqIDs{}, Broker: fb})

	c := hub.NewConn(9, "s", 4)
	h.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, r.PublishToUser(ctx, 9, protocol.Pong, nil))
	assert.Eventually(t, func() bool { return len(fb.rooms()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{hub.UserRoom(9)}, fb.rooms())
	drain(t, c)

	fb.remote <- [2]string{hub.UserRoom(9), `{"type":"notifications:new"}`}
	assert.Eventually(t, func() bool { return len(c.Out) == 1 }, time.Second, 5*time.Millisecond)
}
