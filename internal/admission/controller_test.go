package admission

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/proj2-serv/internal/session"
	"github.com/lk2023060901/proj2-serv/pkg/util/merr"
)

func newTestSession(t *testing.T, r *session.Registry, port int) *session.Session {
	t.Helper()
	sess, err := r.Admit(session.TransportTCP, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	return sess
}

func TestTryAdmitAndRelease(t *testing.T) {
	registry := session.NewRegistry(session.Limits{})
	sess := newTestSession(t, registry, 10001)

	c := NewController(Limits{MaxGlobalInflight: 8, MaxSessionInflight: 4, MaxSessionQueuedBytes: 1024})

	ticket, err := c.TryAdmit(sess, 100)
	require.NoError(t, err)
	require.Equal(t, int64(1), c.GlobalInflight())
	require.Equal(t, int64(1), sess.Inflight())
	require.Equal(t, int64(100), sess.QueuedBytes())

	ticket.Release()
	require.Zero(t, c.GlobalInflight())
	require.Zero(t, sess.Inflight())
	require.Zero(t, sess.QueuedBytes())
}

func TestReleaseIdempotent(t *testing.T) {
	registry := session.NewRegistry(session.Limits{})
	sess := newTestSession(t, registry, 10002)

	c := NewController(Limits{MaxGlobalInflight: 2})
	ticket, err := c.TryAdmit(sess, 10)
	require.NoError(t, err)

	ticket.Release()
	ticket.Release()
	require.Zero(t, c.GlobalInflight())
	require.Zero(t, sess.Inflight())
	require.Zero(t, sess.QueuedBytes())
}

func TestSessionLimit(t *testing.T) {
	registry := session.NewRegistry(session.Limits{})
	sess := newTestSession(t, registry, 10003)
	other := newTestSession(t, registry, 10004)

	c := NewController(Limits{MaxSessionInflight: 2})

	t1, err := c.TryAdmit(sess, 1)
	require.NoError(t, err)
	t2, err := c.TryAdmit(sess, 1)
	require.NoError(t, err)

	_, err = c.TryAdmit(sess, 1)
	require.ErrorIs(t, err, merr.ErrSessionLimitExceeded)

	// 其他会话不受影响。
	t3, err := c.TryAdmit(other, 1)
	require.NoError(t, err)

	// 拒绝路径不得泄漏计数。
	require.Equal(t, int64(2), sess.Inflight())
	require.Equal(t, int64(2), sess.QueuedBytes())

	t1.Release()
	t4, err := c.TryAdmit(sess, 1)
	require.NoError(t, err)

	t2.Release()
	t3.Release()
	t4.Release()
	require.Zero(t, c.GlobalInflight())
}

func TestQueueByteLimit(t *testing.T) {
	registry := session.NewRegistry(session.Limits{})
	sess := newTestSession(t, registry, 10005)

	c := NewController(Limits{MaxSessionQueuedBytes: 1000})

	t1, err := c.TryAdmit(sess, 600)
	require.NoError(t, err)

	_, err = c.TryAdmit(sess, 600)
	require.ErrorIs(t, err, merr.ErrQueueByteLimitExceeded)
	require.Equal(t, int64(600), sess.QueuedBytes())
	require.Equal(t, int64(1), sess.Inflight())

	t2, err := c.TryAdmit(sess, 400)
	require.NoError(t, err)

	t1.Release()
	t2.Release()
	require.Zero(t, sess.QueuedBytes())
}

func TestGlobalLimitConcurrent(t *testing.T) {
	registry := session.NewRegistry(session.Limits{})

	const limit = 32
	const attempts = limit * 4
	c := NewController(Limits{MaxGlobalInflight: limit})

	sessions := make([]*session.Session, attempts)
	for i := range sessions {
		sessions[i] = newTestSession(t, registry, 20000+i)
	}

	var wg sync.WaitGroup
	results := make(chan error, attempts)
	tickets := make(chan *Ticket, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(sess *session.Session) {
			defer wg.Done()
			ticket, err := c.TryAdmit(sess, 1)
			results <- err
			if err == nil {
				tickets <- ticket
			}
		}(sessions[i])
	}
	wg.Wait()
	close(results)
	close(tickets)

	admitted, rejected := 0, 0
	for err := range results {
		if err != nil {
			require.ErrorIs(t, err, merr.ErrGlobalLimitExceeded)
			rejected++
		} else {
			admitted++
		}
	}
	require.Equal(t, limit, admitted)
	require.Equal(t, attempts-limit, rejected)
	require.Equal(t, int64(limit), c.GlobalInflight())

	for ticket := range tickets {
		ticket.Release()
	}
	require.Zero(t, c.GlobalInflight())
}

func TestUnlimitedController(t *testing.T) {
	registry := session.NewRegistry(session.Limits{})
	sess := newTestSession(t, registry, 10006)

	c := NewController(Limits{})
	for i := 0; i < 100; i++ {
		_, err := c.TryAdmit(sess, 1 << 20)
		require.NoError(t, err)
	}
	require.Equal(t, int64(100), c.GlobalInflight())
}
