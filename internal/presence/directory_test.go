package presence

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestDirectory_JoinLeave(t *testing.T) {
	d := New(zap.NewNop())

	if d.IsOnline("u1") {
		t.Fatal("user should start offline")
	}

	d.Join("u1", "c1", "instance-a")
	if !d.IsOnline("u1") {
		t.Fatal("user should be online after join")
	}

	d.Leave("u1", "c1")
	if d.IsOnline("u1") {
		t.Fatal("user should be offline after last leave")
	}
}

func TestDirectory_MultipleConnections(t *testing.T) {
	d := New(zap.NewNop())

	d.Join("u1", "c1", "instance-a")
	d.Join("u1", "c2", "instance-b")

	conns := d.ConnectionsFor("u1")
	if len(conns) != 2 {
		t.Fatalf("connections = %d, want 2", len(conns))
	}

	// Dropping one connection keeps the user online.
	d.Leave("u1", "c1")
	if !d.IsOnline("u1") {
		t.Fatal("user should stay online with one connection left")
	}

	d.Leave("u1", "c2")
	if d.IsOnline("u1") {
		t.Fatal("user should be offline")
	}
}

func TestDirectory_InstancesForDeduplicates(t *testing.T) {
	d := New(zap.NewNop())

	d.Join("u1", "c1", "instance-a")
	d.Join("u1", "c2", "instance-a")
	d.Join("u1", "c3", "instance-b")

	instances := d.InstancesFor("u1")
	sort.Strings(instances)
	if len(instances) != 2 || instances[0] != "instance-a" || instances[1] != "instance-b" {
		t.Fatalf("instances = %v", instances)
	}
}

func TestDirectory_DuplicateJoinIsIdempotent(t *testing.T) {
	d := New(zap.NewNop())

	// Bus events can be observed twice (local fallback plus broadcast).
	d.Join("u1", "c1", "instance-a")
	d.Join("u1", "c1", "instance-a")

	if got := len(d.ConnectionsFor("u1")); got != 1 {
		t.Fatalf("connections = %d, want 1", got)
	}

	d.Leave("u1", "c1")
	if d.IsOnline("u1") {
		t.Fatal("user should be offline after single leave")
	}
}

func TestDirectory_LeaveUnknownIsNoop(t *testing.T) {
	d := New(zap.NewNop())
	d.Leave("u1", "c1")
	d.Join("", "c1", "instance-a")
	d.Join("u1", "", "instance-a")

	if d.OnlineCount() != 0 {
		t.Fatalf("online = %d, want 0", d.OnlineCount())
	}
}

func TestDirectory_OnlineCount(t *testing.T) {
	d := New(zap.NewNop())

	for i := 0; i < 100; i++ {
		d.Join(fmt.Sprintf("u%d", i), fmt.Sprintf("c%d", i), "instance-a")
	}
	if d.OnlineCount() != 100 {
		t.Fatalf("online = %d, want 100", d.OnlineCount())
	}
}

func TestDirectory_ConcurrentAccess(t *testing.T) {
	d := New(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", n%10)
			conn := fmt.Sprintf("c%d", n)
			d.Join(user, conn, "instance-a")
			d.IsOnline(user)
			d.InstancesFor(user)
			d.Leave(user, conn)
		}(i)
	}
	wg.Wait()

	if d.OnlineCount() != 0 {
		t.Fatalf("online = %d after churn, want 0", d.OnlineCount())
	}
}
