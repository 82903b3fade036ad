package devicesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocdash/noc-core/internal/routeros"
	"github.com/nocdash/noc-core/internal/status"
)

// fakeSession is an in-memory routeros.Executor.
type fakeSession struct {
	mu       sync.Mutex
	rows     []map[string]string
	err      error
	commands [][]string
	closed   bool
}

func (f *fakeSession) Execute(_ context.Context, words ...string) (*routeros.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, words)
	if f.err != nil {
		return nil, f.err
	}
	reply := &routeros.Reply{Status: routeros.StatusDone, Attributes: routeros.NewAttributes()}
	for _, r := range f.rows {
		a := routeros.NewAttributes()
		for _, k := range []string{"name", "running", "disabled", "comment"} {
			if v, ok := r[k]; ok {
				a.Set(k, v)
			}
		}
		reply.Rows = append(reply.Rows, a)
	}
	return reply, nil
}

func (f *fakeSession) IsConnected() bool { return true }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func newTestSyncer(t *testing.T, session *fakeSession) (*Syncer, *status.Cache) {
	t.Helper()
	cache := status.NewCache(nil)
	s := New(Config{Interval: time.Hour}, cache)
	s.SetDialer(func(context.Context) (routeros.Executor, error) { return session, nil })
	return s, cache
}

func TestSyncOnce_MapsRows(t *testing.T) {
	session := &fakeSession{rows: []map[string]string{
		{"name": "ether1-uplink", "running": "true", "disabled": "false"},
		{"name": "sfp-olt-pichil", "running": "false", "disabled": "false", "comment": "NODO PICHIL"},
		{"name": "ether9", "running": "false", "disabled": "true"},
		{"name": "wlan1"},
		{"running": "true"},
	}}
	s, cache := newTestSyncer(t, session)

	result, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Devices)
	assert.Equal(t, 2, result.Up)
	assert.Equal(t, 2, result.Down)
	assert.Equal(t, 1, result.Skipped)

	tests := []struct {
		name   string
		state  status.State
		reason string
	}{
		{"ETHER1-UPLINK", status.StateUp, ""},
		{"SFP-OLT-PICHIL", status.StateDown, "not running: NODO PICHIL"},
		{"ETHER9", status.StateDown, "disabled"},
		{"WLAN1", status.StateUp, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := cache.Get(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.state, e.Status)
			assert.Equal(t, tt.reason, e.Reason)
			assert.Equal(t, status.SourceSync, e.Source)
		})
	}

	assert.Equal(t, [][]string{{DefaultCommand}}, session.commands)
	assert.True(t, session.closed, "session is closed after each run")
}

func TestSyncOnce_CustomCommand(t *testing.T) {
	session := &fakeSession{}
	s := New(Config{Command: []string{"/interface/ethernet/print", "=.proplist=name,running"}}, status.NewCache(nil))
	s.SetDialer(func(context.Context) (routeros.Executor, error) { return session, nil })

	_, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"/interface/ethernet/print", "=.proplist=name,running"}}, session.commands)
}

func TestSyncOnce_Errors(t *testing.T) {
	t.Run("dial failure", func(t *testing.T) {
		s := New(Config{}, status.NewCache(nil))
		s.SetDialer(func(context.Context) (routeros.Executor, error) {
			return nil, &routeros.AuthError{Reason: "invalid user name or password"}
		})

		_, err := s.SyncOnce(context.Background())
		assert.ErrorIs(t, err, ErrSyncFailed)
		assert.ErrorIs(t, err, routeros.ErrAuth)

		st := s.Stats()
		assert.Equal(t, uint64(1), st.Runs)
		assert.Equal(t, uint64(1), st.Failures)
		assert.NotEmpty(t, st.LastError)
	})

	t.Run("command trap", func(t *testing.T) {
		session := &fakeSession{err: &routeros.ProtocolError{Status: routeros.StatusTrap, Message: "no such command"}}
		s, cache := newTestSyncer(t, session)

		_, err := s.SyncOnce(context.Background())
		assert.ErrorIs(t, err, routeros.ErrProtocol)
		assert.True(t, session.closed)
		assert.Equal(t, 0, cache.Len())
	})

	t.Run("host not configured", func(t *testing.T) {
		s := New(Config{}, status.NewCache(nil))

		_, err := s.SyncOnce(context.Background())
		assert.ErrorIs(t, err, ErrNotConfigured)
	})
}

func TestSyncOnce_StatsRecoverAfterSuccess(t *testing.T) {
	session := &fakeSession{err: errors.New("boom")}
	s, _ := newTestSyncer(t, session)

	_, err := s.SyncOnce(context.Background())
	require.Error(t, err)

	session.mu.Lock()
	session.err = nil
	session.rows = []map[string]string{{"name": "ether1", "running": "true"}}
	session.mu.Unlock()

	_, err = s.SyncOnce(context.Background())
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Runs)
	assert.Equal(t, uint64(1), st.Failures)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 1, st.Last.Devices)
}

func TestSyncOnce_RunsAreSerialised(t *testing.T) {
	var active, maxActive atomic.Int32
	s := New(Config{}, status.NewCache(nil))
	s.SetDialer(func(context.Context) (routeros.Executor, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return &fakeSession{}, nil
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.SyncOnce(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, uint64(8), s.Stats().Runs)
}

func TestStart_RunsImmediatelyAndOnTrigger(t *testing.T) {
	runs := make(chan struct{}, 10)
	s := New(Config{Interval: time.Hour}, status.NewCache(nil))
	s.SetDialer(func(context.Context) (routeros.Executor, error) {
		runs <- struct{}{}
		return &fakeSession{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)

	waitRun := func() {
		t.Helper()
		select {
		case <-runs:
		case <-time.After(2 * time.Second):
			t.Fatal("sync did not run")
		}
	}

	waitRun()
	assert.True(t, s.Trigger())
	waitRun()

	cancel()
	s.Stop()
}

func TestStart_PeriodicRuns(t *testing.T) {
	runs := make(chan struct{}, 10)
	s := New(Config{Interval: 20 * time.Millisecond}, status.NewCache(nil))
	s.SetDialer(func(context.Context) (routeros.Executor, error) {
		select {
		case runs <- struct{}{}:
		default:
		}
		return &fakeSession{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)

	for i := 0; i < 3; i++ {
		select {
		case <-runs:
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d did not happen", i)
		}
	}

	cancel()
	s.Stop()
}

func TestStop_WithoutStart(t *testing.T) {
	s := New(Config{}, status.NewCache(nil))
	s.Stop()
}

func TestSyncOnce_OnRunHook(t *testing.T) {
	session := &fakeSession{rows: []map[string]string{{"name": "ether1", "running": "true"}}}
	s, _ := newTestSyncer(t, session)

	var got []Result
	var errs []error
	s.SetOnRun(func(r Result, err error) {
		got = append(got, r)
		errs = append(errs, err)
	})

	_, err := s.SyncOnce(context.Background())
	require.NoError(t, err)

	session.mu.Lock()
	session.err = errors.New("link down")
	session.mu.Unlock()
	_, err = s.SyncOnce(context.Background())
	require.Error(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Devices)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrSyncFailed)
}
