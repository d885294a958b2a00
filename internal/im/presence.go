package im

import (
	"sync"
)

// presenceShards 按用户 ID 分片，避免无关用户互相串行
const presenceShards = 16

// Registry 在线状态注册表：进程内唯一持有连接与订阅集合的组件，
// 所有读写都经由注册表方法，连接本身不暴露可变集合
type Registry struct {
	shards [presenceShards]*presenceShard
}

type presenceShard struct {
	mu sync.RWMutex
	// 用户 -> 存活连接集合（多端在线即多个连接）
	users map[uint64]map[*Connection]struct{}
	// 连接 -> 已订阅会话集合
	subs map[*Connection]map[uint64]struct{}
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &presenceShard{
			users: make(map[uint64]map[*Connection]struct{}),
			subs:  make(map[*Connection]map[uint64]struct{}),
		}
	}
	return r
}

func (r *Registry) shardFor(userID uint64) *presenceShard {
	return r.shards[userID%presenceShards]
}

// Register 将连接挂入其用户的存活连接集合
func (r *Registry) Register(c *Connection) {
	shard := r.shardFor(c.UserID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	conns, ok := shard.users[c.UserID]
	if !ok {
		conns = make(map[*Connection]struct{})
		shard.users[c.UserID] = conns
	}
	conns[c] = struct{}{}
	shard.subs[c] = make(map[uint64]struct{})
}

// Unregister 摘除连接；该用户最后一个连接摘除后即视为离线
func (r *Registry) Unregister(c *Connection) {
	shard := r.shardFor(c.UserID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if conns, ok := shard.users[c.UserID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(shard.users, c.UserID)
		}
	}
	delete(shard.subs, c)
}

// IsOnline 用户是否至少持有一个存活连接
func (r *Registry) IsOnline(userID uint64) bool {
	shard := r.shardFor(userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return len(shard.users[userID]) > 0
}

// ConnectionsFor 用户当前全部存活连接，离线返回空
func (r *Registry) ConnectionsFor(userID uint64) []*Connection {
	shard := r.shardFor(userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	conns := make([]*Connection, 0, len(shard.users[userID]))
	for c := range shard.users[userID] {
		conns = append(conns, c)
	}
	return conns
}

// Subscribe 连接订阅会话，只有订阅后才会收到该会话的实时推送
func (r *Registry) Subscribe(c *Connection, convID uint64) {
	shard := r.shardFor(c.UserID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if set, ok := shard.subs[c]; ok {
		set[convID] = struct{}{}
	}
}

// Unsubscribe 取消订阅
func (r *Registry) Unsubscribe(c *Connection, convID uint64) {
	shard := r.shardFor(c.UserID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if set, ok := shard.subs[c]; ok {
		delete(set, convID)
	}
}

// SubscribedConnections 用户订阅了指定会话的存活连接
func (r *Registry) SubscribedConnections(userID, convID uint64) []*Connection {
	shard := r.shardFor(userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	var conns []*Connection
	for c := range shard.users[userID] {
		if set, ok := shard.subs[c]; ok {
			if _, subscribed := set[convID]; subscribed {
				conns = append(conns, c)
			}
		}
	}
	return conns
}
