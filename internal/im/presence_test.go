package im

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestConn(id string, userID uint64) *Connection {
	c := newConnection(id, nil, 8)
	c.UserID = userID
	return c
}

func TestRegistryMultiDevice(t *testing.T) {
	r := require.New(t)
	reg := NewRegistry()

	phone := newTestConn("phone", 42)
	laptop := newTestConn("laptop", 42)

	r.False(reg.IsOnline(42))

	reg.Register(phone)
	reg.Register(laptop)
	r.True(reg.IsOnline(42))
	r.Len(reg.ConnectionsFor(42), 2)

	// 摘除一端后仍在线
	reg.Unregister(phone)
	r.True(reg.IsOnline(42))
	r.Len(reg.ConnectionsFor(42), 1)

	// 最后一个连接摘除即离线
	reg.Unregister(laptop)
	r.False(reg.IsOnline(42))
	r.Empty(reg.ConnectionsFor(42))
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	r := require.New(t)
	reg := NewRegistry()

	c := newTestConn("c1", 7)
	reg.Register(c)
	reg.Unregister(c)
	reg.Unregister(c)
	r.False(reg.IsOnline(7))
}

func TestRegistrySubscriptionFiltering(t *testing.T) {
	r := require.New(t)
	reg := NewRegistry()

	phone := newTestConn("phone", 42)
	laptop := newTestConn("laptop", 42)
	reg.Register(phone)
	reg.Register(laptop)

	reg.Subscribe(phone, 100)
	reg.Subscribe(laptop, 100)
	reg.Subscribe(laptop, 200)

	r.Len(reg.SubscribedConnections(42, 100), 2)

	// 只有订阅了该会话的连接才会被选中
	conns := reg.SubscribedConnections(42, 200)
	r.Len(conns, 1)
	r.Equal("laptop", conns[0].ID)

	reg.Unsubscribe(laptop, 200)
	r.Empty(reg.SubscribedConnections(42, 200))

	// 未订阅会话不受影响
	r.Len(reg.SubscribedConnections(42, 100), 2)
}

func TestRegistrySubscriptionsDropWithConnection(t *testing.T) {
	r := require.New(t)
	reg := NewRegistry()

	c := newTestConn("c1", 9)
	reg.Register(c)
	reg.Subscribe(c, 100)
	reg.Unregister(c)

	r.Empty(reg.SubscribedConnections(9, 100))

	// 重新注册后订阅集合为空，需重新订阅
	reg.Register(c)
	r.Empty(reg.SubscribedConnections(9, 100))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := require.New(t)
	reg := NewRegistry()

	const users = 64
	var wg sync.WaitGroup
	wg.Add(users)
	for i := 0; i < users; i++ {
		go func(userID uint64) {
			defer wg.Done()
			c := newTestConn("c", userID)
			reg.Register(c)
			reg.Subscribe(c, userID%4)
			reg.IsOnline(userID)
			reg.SubscribedConnections(userID, userID%4)
			reg.Unregister(c)
		}(uint64(i + 1))
	}
	wg.Wait()

	for i := 1; i <= users; i++ {
		r.False(reg.IsOnline(uint64(i)))
	}
}
