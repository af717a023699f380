package lobby

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/lobbycast/pkg/pubsub"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func sampleChange() *Change {
	return &Change{
		User:  User{ID: "A", DisplayName: "Ada"},
		Guild: Guild{ID: "g1", Name: "Engines", Icon: nil},
		Channel: Channel{
			ID:    "c1",
			Name:  strPtr("🔊 Ada's Lobby"),
			Type:  TypePublic,
			Limit: intPtr(5),
			Members: []Member{
				{ID: "A", DisplayName: "Ada"},
				{ID: "B", DisplayName: "Babbage"},
			},
		},
		UpdatedAt: time.Date(2024, 3, 9, 18, 30, 0, 123456789, time.UTC),
	}
}

type inbox struct {
	mu      sync.Mutex
	changes []*Change
}

func (i *inbox) add(c *Change) {
	i.mu.Lock()
	i.changes = append(i.changes, c)
	i.mu.Unlock()
}

func (i *inbox) all() []*Change {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*Change(nil), i.changes...)
}

func subscribe(t *testing.T, broker *pubsub.MemoryBroker, b *Broadcaster, userID string) *inbox {
	t.Helper()
	before := broker.Stats().Subscribes
	box := &inbox{}
	sub, err := b.SubscribeToUser(userID, box.add)
	require.NoError(t, err)
	t.Cleanup(sub.Cancel)
	require.Eventually(t, func() bool { return broker.Stats().Subscribes > before }, 2*time.Second, 5*time.Millisecond)
	return box
}

func TestBroadcasterRoundTrip(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	conns := broker.Conns()
	t.Cleanup(func() { _ = conns.Close() })
	b := NewBroadcaster(conns)

	box := subscribe(t, broker, b, "A")

	ctx := context.Background()
	sent := sampleChange()
	require.NoError(t, b.Publish(ctx, "A", sent))
	require.NoError(t, b.Publish(ctx, "A", nil))

	require.Eventually(t, func() bool { return len(box.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	got := box.all()
	assert.Equal(t, sent, got[0])
	assert.Nil(t, got[1])
}

func TestBroadcasterIsolatesUsers(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	conns := broker.Conns()
	t.Cleanup(func() { _ = conns.Close() })
	b := NewBroadcaster(conns)

	boxA := subscribe(t, broker, b, "A")
	boxB := subscribe(t, broker, b, "B")

	require.NoError(t, b.Publish(context.Background(), "B", sampleChange()))

	require.Eventually(t, func() bool { return len(boxB.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, boxA.all())
}

func TestBroadcasterRejectsInvalidChange(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	conns := broker.Conns()
	t.Cleanup(func() { _ = conns.Close() })
	b := NewBroadcaster(conns)

	change := sampleChange()
	change.Channel.Type = "Secret"
	change.User.DisplayName = ""

	err := b.Publish(context.Background(), "A", change)
	var ve *pubsub.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "user:A", ve.Channel)
	assert.Len(t, ve.Issues, 2)
	assert.Zero(t, broker.Stats().Published)

	_, err = b.SubscribeToUser("", func(*Change) {})
	assert.Error(t, err)
}

func TestSchema(t *testing.T) {
	assert.NoError(t, Schema.Validate(nil))
	assert.NoError(t, Schema.Validate(sampleChange()))

	c := sampleChange()
	c.Channel.Limit = intPtr(-1)
	assert.Error(t, Schema.Validate(c))

	c = sampleChange()
	c.Channel.Members[1].ID = ""
	assert.Error(t, Schema.Validate(c))

	c = sampleChange()
	c.Channel.Name, c.Channel.Limit, c.Channel.Members = nil, nil, nil
	assert.NoError(t, Schema.Validate(c))
}

type stubPublisher struct {
	calls int
	err   error
}

func (s *stubPublisher) Publish(context.Context, string, *Change) error {
	s.calls++
	return s.err
}

func TestFanoutPublishesEverywhere(t *testing.T) {
	boom := errors.New("boom")
	ok, failing := &stubPublisher{}, &stubPublisher{err: boom}

	err := Fanout{failing, ok}.Publish(context.Background(), "A", sampleChange())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 1, failing.calls)

	assert.NoError(t, Fanout{ok}.Publish(context.Background(), "A", nil))
}

func TestBroadcasterResubscribeAfterCancel(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	conns := broker.Conns()
	t.Cleanup(func() { _ = conns.Close() })
	b := NewBroadcaster(conns)

	first := &inbox{}
	sub, err := b.SubscribeToUser("A", first.add)
	require.NoError(t, err)
	sub.Cancel()

	second := subscribe(t, broker, b, "A")
	require.Eventually(t, func() bool { return broker.Subscribed("user:A") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Publish(context.Background(), "A", sampleChange()))
	require.Eventually(t, func() bool { return len(second.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, first.all())
}
