package hub

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/livechat/internal/identity"
)

func TestRegistry_SnapshotMatchesAdmittedMinusEvicted(t *testing.T) {
	req := require.New(t)
	rng := rand.New(rand.NewSource(42))
	users := []identity.Identity{userA, userB, userC}

	for round := 0; round < 50; round++ {
		registry := NewRegistry()
		model := map[string]identity.Identity{}
		var ids []string

		for step := 0; step < 40; step++ {
			if len(ids) == 0 || rng.Intn(3) > 0 {
				id := fmt.Sprintf("s-%d-%d", round, step)
				who := users[rng.Intn(len(users))]
				_, err := registry.Admit(id, who, &fakeConn{})
				req.NoError(err)
				model[id] = who
				ids = append(ids, id)
				continue
			}
			id := ids[rng.Intn(len(ids))]
			_, err := registry.Evict(id)
			if _, live := model[id]; live {
				req.NoError(err)
				delete(model, id)
			} else {
				req.ErrorIs(err, ErrSessionNotFound)
			}
		}

		var want []identity.Identity
		for _, who := range model {
			want = append(want, who)
		}
		req.ElementsMatch(want, registry.Snapshot())
		req.Equal(len(model), registry.Len())
	}
}

func TestRegistry_EvictTwiceIsNotFound(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	_, err := registry.Admit("s1", userA, &fakeConn{})
	req.NoError(err)
	_, err = registry.Admit("s2", userB, &fakeConn{})
	req.NoError(err)

	evicted, err := registry.Evict("s1")
	req.NoError(err)
	req.Equal("s1", evicted.ID)
	before := registry.Snapshot()

	_, err = registry.Evict("s1")
	req.ErrorIs(err, ErrSessionNotFound)
	req.Equal(before, registry.Snapshot())
	req.Equal([]identity.Identity{userB}, registry.Snapshot())
}

func TestRegistry_DuplicateSessionKeepsOriginal(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	original := &fakeConn{}
	_, err := registry.Admit("s1", userA, original)
	req.NoError(err)

	_, err = registry.Admit("s1", userB, &fakeConn{})
	req.ErrorIs(err, ErrDuplicateSession)

	session, err := registry.Lookup("s1")
	req.NoError(err)
	req.Equal(userA, session.Identity)
	req.Same(original, session.Conn)
	req.Len(registry.SessionsForIdentity(userB.UserID), 0)
}

func TestRegistry_MultiDevice(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	for _, id := range []string{"phone", "laptop"} {
		_, err := registry.Admit(id, userA, &fakeConn{})
		req.NoError(err)
	}
	_, err := registry.Admit("desk", userB, &fakeConn{})
	req.NoError(err)

	devices := registry.SessionsForIdentity(userA.UserID)
	req.Len(devices, 2)
	req.Equal("phone", devices[0].ID)
	req.Equal("laptop", devices[1].ID)
	req.Equal([]identity.Identity{userA, userA, userB}, registry.Snapshot())

	_, err = registry.Evict("phone")
	req.NoError(err)
	req.Len(registry.SessionsForIdentity(userA.UserID), 1)

	_, err = registry.Evict("laptop")
	req.NoError(err)
	req.Empty(registry.SessionsForIdentity(userA.UserID))
}

func TestRegistry_LookupUnknown(t *testing.T) {
	req := require.New(t)
	_, err := NewRegistry().Lookup("nope")
	req.ErrorIs(err, ErrSessionNotFound)
}

func TestRegistry_TypingClearedOnEvict(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	_, err := registry.Admit("s1", userA, &fakeConn{})
	req.NoError(err)

	_, err = registry.StartTyping("s1")
	req.NoError(err)
	_, err = registry.StartTyping("s1")
	req.NoError(err)
	req.True(registry.IsTyping(userA.UserID))
	req.Equal([]identity.Identity{userA}, registry.Typing())

	_, err = registry.Evict("s1")
	req.NoError(err)
	req.False(registry.IsTyping(userA.UserID))
	req.Empty(registry.Typing())
}

func TestRegistry_StopTyping(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	_, err := registry.Admit("s1", userA, &fakeConn{})
	req.NoError(err)

	_, removed, err := registry.StopTyping("s1")
	req.NoError(err)
	req.False(removed)

	_, err = registry.StartTyping("s1")
	req.NoError(err)
	_, removed, err = registry.StopTyping("s1")
	req.NoError(err)
	req.True(removed)
	req.False(registry.IsTyping(userA.UserID))

	_, _, err = registry.StopTyping("missing")
	req.ErrorIs(err, ErrSessionNotFound)
	_, err = registry.StartTyping("missing")
	req.ErrorIs(err, ErrSessionNotFound)
}

func TestRegistry_ConcurrentAdmitEvictAndSnapshot(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	const workers = 16
	const perWorker = 50

	var wg sync.WaitGroup
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				for _, s := range registry.Sessions() {
					if s.ID == "" {
						t.Errorf("snapshot exposed a session without id")
					}
				}
				_ = registry.Snapshot()
			}
		}
	}()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				if _, err := registry.Admit(id, userA, &fakeConn{}); err != nil {
					t.Errorf("admit %s: %v", id, err)
					return
				}
				if _, err := registry.StartTyping(id); err != nil {
					t.Errorf("typing %s: %v", id, err)
				}
				// Keep every even session, evict every odd one (twice).
				if i%2 == 1 {
					_, _ = registry.Evict(id)
					_, _ = registry.Evict(id)
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)

	req.Equal(workers*perWorker/2, registry.Len())
	req.Len(registry.SessionsForIdentity(userA.UserID), workers*perWorker/2)
}
