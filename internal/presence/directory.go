// Package presence tracks which users are reachable on which gateway
// instance. The view is rebuilt from session lifecycle events broadcast
// across instances and is eventually consistent: a false negative only
// defers delivery, it never loses the notification record.
package presence

import (
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

// shardCount partitions users across independent locks so one hot user
// cannot block unrelated lookups.
const shardCount = 32

// Connection is a weak reference to a live session somewhere in the fleet.
// Only the owning instance may close the underlying connection.
type Connection struct {
	ConnectionID string
	InstanceID   string
}

type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]string // userID -> connectionID -> instanceID
}

// Directory is the process-local, eventually-consistent presence view.
type Directory struct {
	shards [shardCount]*shard
	logger *zap.Logger
}

// New creates an empty presence directory.
func New(logger *zap.Logger) *Directory {
	d := &Directory{logger: logger}
	for i := range d.shards {
		d.shards[i] = &shard{users: make(map[string]map[string]string)}
	}
	return d
}

func (d *Directory) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return d.shards[h.Sum32()%shardCount]
}

// Join records a connection observed via a presence:joined event.
func (d *Directory) Join(userID, connectionID, instanceID string) {
	if userID == "" || connectionID == "" {
		return
	}

	s := d.shardFor(userID)
	s.mu.Lock()
	conns := s.users[userID]
	if conns == nil {
		conns = make(map[string]string)
		s.users[userID] = conns
	}
	conns[connectionID] = instanceID
	s.mu.Unlock()

	d.logger.Debug("presence joined",
		zap.String("user_id", userID),
		zap.String("connection_id", connectionID),
		zap.String("instance_id", instanceID),
	)
}

// Leave removes a connection observed via a presence:left event.
func (d *Directory) Leave(userID, connectionID string) {
	if userID == "" || connectionID == "" {
		return
	}

	s := d.shardFor(userID)
	s.mu.Lock()
	if conns := s.users[userID]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(s.users, userID)
		}
	}
	s.mu.Unlock()

	d.logger.Debug("presence left",
		zap.String("user_id", userID),
		zap.String("connection_id", connectionID),
	)
}

// IsOnline reports whether the user has at least one live connection
// anywhere in the fleet, as far as this instance knows.
func (d *Directory) IsOnline(userID string) bool {
	s := d.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// ConnectionsFor returns the user's known connections across all instances.
func (d *Directory) ConnectionsFor(userID string) []Connection {
	s := d.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.users[userID]
	if len(conns) == 0 {
		return nil
	}

	out := make([]Connection, 0, len(conns))
	for connID, instID := range conns {
		out = append(out, Connection{ConnectionID: connID, InstanceID: instID})
	}
	return out
}

// InstancesFor returns the distinct instances owning the user's connections.
// Used to address cross-instance relays without duplicating per connection.
func (d *Directory) InstancesFor(userID string) []string {
	s := d.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, instID := range s.users[userID] {
		seen[instID] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for instID := range seen {
		out = append(out, instID)
	}
	return out
}

// OnlineCount returns the number of users with at least one connection.
func (d *Directory) OnlineCount() int {
	total := 0
	for _, s := range d.shards {
		s.mu.RLock()
		total += len(s.users)
		s.mu.RUnlock()
	}
	return total
}
