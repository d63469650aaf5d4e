package cache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	err := svc.Ping(context.Background())
	assert.NoError(t, err)
}

func TestPublishUpdate(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	roomID := "room-1"

	sub := svc.Client().Subscribe(ctx, "apx:room:"+roomID+":updates")
	defer func() { _ = sub.Close() }()

	time.Sleep(50 * time.Millisecond)

	err := svc.PublishUpdate(ctx, roomID, "probability", 0.5)
	assert.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	assert.NoError(t, err)

	var envelope RoomUpdate
	err = json.Unmarshal([]byte(msg.Payload), &envelope)
	assert.NoError(t, err)

	assert.Equal(t, roomID, envelope.RoomID)
	assert.Equal(t, "probability", envelope.Event)
}

func TestSubscribe(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roomID := "room-sub"
	wg := &sync.WaitGroup{}

	received := make(chan RoomUpdate, 1)
	handler := func(u RoomUpdate) {
		received <- u
	}

	svc.Subscribe(ctx, roomID, wg, handler)

	time.Sleep(50 * time.Millisecond)

	update := RoomUpdate{RoomID: roomID, Event: "exclusions"}
	bytes, _ := json.Marshal(update)
	svc.Client().Publish(ctx, "apx:room:"+roomID+":updates", bytes)

	select {
	case u := <-received:
		assert.Equal(t, "exclusions", u.Event)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	wg.Wait()
}

func TestSetOperations(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	key := ExclusionSetKey("room-1")

	err := svc.SetAdd(ctx, key, "3")
	assert.NoError(t, err)
	err = svc.SetAdd(ctx, key, "7")
	assert.NoError(t, err)

	members, err := svc.SetMembers(ctx, key)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"3", "7"}, members)

	err = svc.SetRem(ctx, key, "3")
	assert.NoError(t, err)

	members, err = svc.SetMembers(ctx, key)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"7"}, members)
}

func TestStringOperations(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	key := "apx:room:room-1:deathlink_probability"

	v, err := svc.GetString(ctx, key)
	assert.NoError(t, err)
	assert.Empty(t, v)

	err = svc.SetString(ctx, key, "0.75")
	assert.NoError(t, err)

	v, err = svc.GetString(ctx, key)
	assert.NoError(t, err)
	assert.Equal(t, "0.75", v)
}

func TestRedisFailure_Graceful(t *testing.T) {
	svc, mr := newTestService(t)

	mr.Close()

	ctx := context.Background()

	err := svc.Ping(ctx)
	assert.Error(t, err)
}

func TestSetOperations_ErrorPaths(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	key := "test-error-set"

	err := svc.SetAdd(ctx, key, "m1")
	assert.NoError(t, err)

	members, err := svc.SetMembers(ctx, key)
	assert.NoError(t, err)
	assert.Len(t, members, 1)

	mr.Close()

	err = svc.SetAdd(ctx, key, "m4")
	assert.Error(t, err)

	_, err = svc.SetMembers(ctx, key)
	assert.Error(t, err)
}

func TestPublishUpdate_CircuitBreakerOpen(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	mr.Close()

	for i := 0; i < 10; i++ {
		_ = svc.PublishUpdate(ctx, "room-1", "event", map[string]string{})
	}

	err := svc.PublishUpdate(ctx, "room-1", "event", map[string]string{})
	_ = err
}
