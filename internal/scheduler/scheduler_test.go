package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/window"
)

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(testConfig(), Deps{Regulator: newFakeRegulator()})
	require.ErrorContains(t, err, "crawler factory is required")

	_, err = New(testConfig(), Deps{NewCrawl: newCrawlFactory(false).New})
	require.ErrorContains(t, err, "activity regulator is required")

	cfg := testConfig()
	cfg.PoolSize = 0
	_, err = New(cfg, Deps{NewCrawl: newCrawlFactory(false).New, Regulator: newFakeRegulator()})
	require.ErrorContains(t, err, "pool size must be > 0")

	cfg = testConfig()
	cfg.MaxNewContentRate = "often"
	_, err = New(cfg, Deps{NewCrawl: newCrawlFactory(false).New, Regulator: newFakeRegulator()})
	require.Error(t, err)
}

func TestStartPreconditions(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, testConfig(), newCrawlFactory(false), nil)

	require.ErrorIs(t, s.StartNewContentCrawl(Request{}), ErrNilAU)
	require.ErrorIs(t, s.StartRepair(Request{}), ErrNilAU)

	stateless := newTestAU("s", "")
	stateless.state = nil
	require.ErrorIs(t, s.StartNewContentCrawl(Request{AU: stateless}), ErrNoState)

	require.ErrorIs(t, s.StartRepair(Request{AU: newTestAU("r", "")}), ErrNoRepairURLs)
}

func TestFourthCrawlRejectedWhenPoolFull(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PoolSize = 3
	cfg.QueueEnabled = false
	factory := newCrawlFactory(true)
	s, _ := newTestScheduler(t, cfg, factory, nil)
	require.NoError(t, s.Start(context.Background()))

	var wg sync.WaitGroup
	rec := &recorder{wg: &wg}
	wg.Add(4)
	for i := range 4 {
		au := newTestAU(fmt.Sprintf("au%d", i), "")
		require.NoError(t, s.StartNewContentCrawl(Request{AU: au, Callback: rec, Cookie: i}))
	}

	// The refusal is reported before StartNewContentCrawl returns.
	o, ok := rec.For(3)
	require.True(t, ok)
	require.False(t, o.success)
	require.Nil(t, o.status)
	require.Len(t, s.RunningCrawls(), 3)

	close(factory.release)
	wg.Wait()
	for i := range 3 {
		o, ok := rec.For(i)
		require.True(t, ok)
		require.True(t, o.success)
		require.NotNil(t, o.status)
	}
	require.Empty(t, s.RunningCrawls())
	require.NoError(t, s.Stop(context.Background()))
}

func TestAtMostOneCrawlPerAU(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxNewContentRate = "unlimited"
	cfg.MaxRepairRate = "unlimited"
	factory := newCrawlFactory(false)
	var current, peak atomic.Int32
	factory.run = func(crawler.ArchivalUnit) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		current.Add(-1)
	}
	s, _ := newTestScheduler(t, cfg, factory, nil)
	require.NoError(t, s.Start(context.Background()))

	au := newTestAU("busy", "")
	const starts = 60
	var wg sync.WaitGroup
	rec := &recorder{wg: &wg}
	wg.Add(starts)
	var callers sync.WaitGroup
	for i := range starts {
		callers.Add(1)
		go func() {
			defer callers.Done()
			var err error
			switch i % 3 {
			case 0:
				err = s.StartNewContentCrawl(Request{AU: au, Callback: rec, Cookie: i})
			case 1:
				err = s.StartRepair(Request{AU: au, RepairURLs: []string{"http://busy.org/x"}, Callback: rec, Cookie: i})
			default:
				err = s.StartNewContentCrawl(Request{AU: au, Callback: rec, Cookie: i})
				s.CancelAuCrawls(au)
			}
			if err != nil {
				panic(err)
			}
		}()
	}
	callers.Wait()
	wg.Wait()

	require.Equal(t, int32(1), peak.Load())
	require.Len(t, rec.Outcomes(), starts)
	require.Positive(t, factory.Count())
	require.NoError(t, s.Stop(context.Background()))
}

func TestAdmissionGate(t *testing.T) {
	t.Parallel()

	t.Run("window closed", func(t *testing.T) {
		t.Parallel()
		s, _ := newTestScheduler(t, testConfig(), newCrawlFactory(false), nil)
		au := newTestAU("w", "")
		au.window = window.Never()
		err := s.CheckEligible(au, crawler.CrawlNewContent)
		var ae *AdmissionError
		require.ErrorAs(t, err, &ae)
		require.Equal(t, ReasonWindowClosed, ae.Reason)

		rec := &recorder{}
		require.NoError(t, s.StartNewContentCrawl(Request{AU: au, Callback: rec}))
		require.Len(t, rec.Outcomes(), 1)
		require.False(t, rec.Outcomes()[0].success)
	})

	t.Run("start rate", func(t *testing.T) {
		t.Parallel()
		s, clk := newTestScheduler(t, testConfig(), newCrawlFactory(false), nil)
		require.NoError(t, s.Start(context.Background()))
		au := newTestAU("r", "")

		var wg sync.WaitGroup
		rec := &recorder{wg: &wg}
		wg.Add(1)
		require.NoError(t, s.StartNewContentCrawl(Request{AU: au, Callback: rec}))
		wg.Wait()

		var ae *AdmissionError
		require.ErrorAs(t, s.CheckEligible(au, crawler.CrawlNewContent), &ae)
		require.Equal(t, ReasonStartRate, ae.Reason)
		require.Equal(t, "1/18h", ae.Detail)
		require.NoError(t, s.CheckEligible(au, crawler.CrawlRepair), "repairs use their own limiter")

		clk.Advance(18 * time.Hour)
		require.NoError(t, s.CheckEligible(au, crawler.CrawlNewContent))
		require.NoError(t, s.Stop(context.Background()))
	})

	t.Run("activity lock", func(t *testing.T) {
		t.Parallel()
		reg := newFakeRegulator()
		s, err := New(testConfig(), Deps{Regulator: reg, NewCrawl: newCrawlFactory(false).New})
		require.NoError(t, err)
		au := newTestAU("l", "")
		require.NotNil(t, reg.Acquire("l", crawler.ActivityRepairCrawl, time.Hour))

		rec := &recorder{}
		require.NoError(t, s.StartNewContentCrawl(Request{AU: au, Callback: rec}))
		require.Len(t, rec.Outcomes(), 1)
		require.False(t, rec.Outcomes()[0].success)
		require.Empty(t, s.RunningCrawls())
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		s, _ := newTestScheduler(t, testConfig(), newCrawlFactory(false), nil)
		s.SetEnabled(false)
		require.False(t, s.Enabled())
		rec := &recorder{}
		require.NoError(t, s.StartNewContentCrawl(Request{AU: newTestAU("d", ""), Callback: rec}))
		require.Len(t, rec.Outcomes(), 1)
		require.False(t, rec.Outcomes()[0].success)
	})
}

// togglingWindow is open until closed by the crawl under test.
type togglingWindow struct{ open atomic.Bool }

func (w *togglingWindow) CanCrawl(time.Time) bool { return w.open.Load() }

func TestWindowClosedCrawlDoesNotCountAgainstStartRate(t *testing.T) {
	t.Parallel()

	factory := newCrawlFactory(false)
	factory.result = false
	win := &togglingWindow{}
	win.open.Store(true)
	factory.run = func(crawler.ArchivalUnit) { win.open.Store(false) }
	s, _ := newTestScheduler(t, testConfig(), factory, nil)
	require.NoError(t, s.Start(context.Background()))

	au := newTestAU("win", "")
	au.window = win
	var wg sync.WaitGroup
	rec := &recorder{wg: &wg}
	wg.Add(1)
	require.NoError(t, s.StartNewContentCrawl(Request{AU: au, Callback: rec}))
	wg.Wait()
	require.False(t, rec.Outcomes()[0].success)

	win.open.Store(true)
	require.NoError(t, s.CheckEligible(au, crawler.CrawlNewContent))
	require.NoError(t, s.Stop(context.Background()))
}

func TestCancelAuCrawlsAbortsRunningCrawl(t *testing.T) {
	t.Parallel()

	factory := newCrawlFactory(true)
	s, _ := newTestScheduler(t, testConfig(), factory, nil)
	require.NoError(t, s.Start(context.Background()))

	au := newTestAU("c", "")
	var wg sync.WaitGroup
	rec := &recorder{wg: &wg}
	wg.Add(1)
	require.NoError(t, s.StartNewContentCrawl(Request{AU: au, Callback: rec}))
	require.Eventually(t, func() bool { return factory.Count() == 1 }, time.Second, 5*time.Millisecond)

	s.CancelAuCrawls(au)
	wg.Wait()
	o := rec.Outcomes()[0]
	require.False(t, o.success)
	code, _ := o.status.CrawlStatus()
	require.Equal(t, crawler.StatusAborted, code)
	require.NoError(t, s.Stop(context.Background()))
}

func TestODCRunsHighPriorityRequest(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ODC = true
	cfg.StartCrawls = true
	factory := newCrawlFactory(false)
	s, _ := newTestScheduler(t, cfg, factory, &staticRegistry{})
	require.NoError(t, s.Start(context.Background()))

	var wg sync.WaitGroup
	rec := &recorder{wg: &wg}
	wg.Add(1)
	require.NoError(t, s.StartNewContentCrawl(Request{AU: newTestAU("odc", ""), Priority: 5, Callback: rec, Cookie: "odc"}))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("high priority request never ran")
	}
	o, ok := rec.For("odc")
	require.True(t, ok)
	require.True(t, o.success)
	require.NoError(t, s.Stop(context.Background()))
}

func TestCancelWithdrawsQueuedRequest(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ODC = true
	s, _ := newTestScheduler(t, cfg, newCrawlFactory(false), &staticRegistry{})
	au := newTestAU("q", "")
	require.NoError(t, s.StartNewContentCrawl(Request{AU: au}))

	pending, _ := s.PendingQueue()
	require.Len(t, pending, 1)
	require.True(t, pending[0].HighPriority)

	s.CancelAuCrawls(au)
	pending, _ = s.PendingQueue()
	require.Empty(t, pending)
	_, ok := s.NextReq()
	require.False(t, ok)
}

func TestStopSuspendsQueuedRequests(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ODC = true
	s, _ := newTestScheduler(t, cfg, newCrawlFactory(false), &staticRegistry{})
	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	rec := &recorder{}
	require.NoError(t, s.StartNewContentCrawl(Request{AU: newTestAU("p", ""), Callback: rec, Cookie: "p"}))
	require.NoError(t, s.Stop(context.Background()))

	o, ok := rec.For("p")
	require.True(t, ok)
	require.True(t, o.suspended)
}

func TestNextReqNeverExceedsKeyCapacity(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ODC = true
	cfg.PoolSize = 4
	cfg.ConcurrentCrawlLimits = map[string]int{"pub": 2}
	var aus []crawler.ArchivalUnit
	for i := range 6 {
		aus = append(aus, newTestAU(fmt.Sprintf("pub%d", i), "pub"))
		aus = append(aus, newTestAU(fmt.Sprintf("solo%d", i), "solo"))
		aus = append(aus, newTestAU(fmt.Sprintf("free%d", i), ""))
	}
	s, _ := newTestScheduler(t, cfg, newCrawlFactory(false), &staticRegistry{aus: aus, started: true})

	rng := rand.New(rand.NewPCG(7, 11))
	for range 200 {
		s.mu.Lock()
		s.runningKeys = map[string]int{
			"pub":  rng.IntN(3),
			"solo": rng.IntN(2),
		}
		s.keyGen++
		if rng.IntN(4) == 0 {
			s.odc.rebuildAt = time.Time{}
		}
		s.mu.Unlock()

		req, ok := s.NextReq()
		if !ok {
			continue
		}
		s.mu.Lock()
		running := s.runningKeys[req.RateKey]
		s.mu.Unlock()
		if req.RateKey != "" {
			require.Less(t, running, cfg.poolSizeFor(req.RateKey), "key %q at capacity", req.RateKey)
		}
	}
}

func TestNextReqPrefersSharedKeys(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ODC = true
	cfg.PoolSize = 3
	cfg.FavorUnsharedRateThreads = 1
	shared := newTestAU("shared", "pub")
	free := newTestAU("free", "")
	s, _ := newTestScheduler(t, cfg, newCrawlFactory(false), &staticRegistry{
		aus:     []crawler.ArchivalUnit{free, shared},
		started: true,
	})

	req, ok := s.NextReq()
	require.True(t, ok)
	require.Equal(t, "shared", req.AUID())

	// With the shared key at capacity the unshared unit is next.
	s.mu.Lock()
	s.runningKeys["pub"] = 1
	s.mu.Unlock()
	req, ok = s.NextReq()
	require.True(t, ok)
	require.Equal(t, "free", req.AUID())

	_, ok = s.NextReq()
	require.False(t, ok)
}

func TestNextReqRebuildsWhenCapacityFrees(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ODC = true
	cfg.SharedQueueMax = 1
	a := newTestAU("a", "pub")
	b := newTestAU("b", "pub")
	s, _ := newTestScheduler(t, cfg, newCrawlFactory(false), &staticRegistry{
		aus:     []crawler.ArchivalUnit{a, b},
		started: true,
	})

	req, ok := s.NextReq()
	require.True(t, ok)
	require.Equal(t, "a", req.AUID())

	// b did not fit in the queue; nothing changed, so no rebuild.
	_, ok = s.NextReq()
	require.False(t, ok)

	s.mu.Lock()
	s.keyGen++
	s.mu.Unlock()
	req, ok = s.NextReq()
	require.True(t, ok)
	require.Contains(t, []string{"a", "b"}, req.AUID())
}

func TestPriorityOrder(t *testing.T) {
	t.Parallel()

	older := epoch.Add(-48 * time.Hour)
	newer := epoch.Add(-24 * time.Hour)
	mk := func(auid string, mutate func(*testAU, *Request)) *Request {
		au := newTestAU(auid, "")
		r := &Request{AU: au, Type: crawler.CrawlNewContent}
		if mutate != nil {
			mutate(au, r)
		}
		return r
	}
	tests := []struct {
		name   string
		order  string
		better *Request
		worse  *Request
	}{
		{
			name:   "active before inactive",
			better: mk("z", nil),
			worse:  mk("a", func(_ *testAU, r *Request) { r.inactive = true }),
		},
		{
			name:   "high priority first",
			better: mk("z", func(_ *testAU, r *Request) { r.highPriority = true }),
			worse:  mk("a", func(_ *testAU, r *Request) { r.Priority = 9 }),
		},
		{
			name:   "higher priority first",
			better: mk("z", func(_ *testAU, r *Request) { r.Priority = 2 }),
			worse:  mk("a", func(_ *testAU, r *Request) { r.Priority = 1 }),
		},
		{
			name:   "registry units first",
			better: mk("z", func(au *testAU, _ *Request) { au.registry = true }),
			worse:  mk("a", nil),
		},
		{
			name: "window closed last time first",
			better: mk("z", func(au *testAU, _ *Request) {
				au.state = crawler.NewAUState(newer, newer, crawler.StatusWindowClosed, "")
			}),
			worse: mk("a", func(au *testAU, _ *Request) {
				au.state = crawler.NewAUState(older, older, crawler.StatusSuccessful, "")
			}),
		},
		{
			name: "running at crash before ordinary",
			better: mk("z", func(au *testAU, _ *Request) {
				au.state = crawler.NewAUState(newer, newer, crawler.StatusRunningAtCrash, "")
			}),
			worse: mk("a", func(au *testAU, _ *Request) {
				au.state = crawler.NewAUState(older, older, crawler.StatusSuccessful, "")
			}),
		},
		{
			name:   "never attempted first",
			better: mk("z", nil),
			worse: mk("a", func(au *testAU, _ *Request) {
				au.state = crawler.NewAUState(older, older, crawler.StatusSuccessful, "")
			}),
		},
		{
			name: "oldest attempt first",
			better: mk("z", func(au *testAU, _ *Request) {
				au.state = crawler.NewAUState(older, older, crawler.StatusSuccessful, "")
			}),
			worse: mk("a", func(au *testAU, _ *Request) {
				au.state = crawler.NewAUState(newer, older, crawler.StatusSuccessful, "")
			}),
		},
		{
			name:   "creation order",
			order:  OrderCreationDate,
			better: mk("z", func(au *testAU, _ *Request) { au.created = older }),
			worse:  mk("a", func(au *testAU, _ *Request) { au.created = newer }),
		},
		{
			name:   "auid tiebreak",
			better: mk("a", nil),
			worse:  mk("b", nil),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			order := tt.order
			if order == "" {
				order = OrderCrawlDate
			}
			p := priorityCmp{order: order, restartAfterCrash: true}
			require.Negative(t, p.compare(tt.better, tt.worse))
			require.Positive(t, p.compare(tt.worse, tt.better))
		})
	}
}

func TestAdmissionErrorMessage(t *testing.T) {
	t.Parallel()

	err := error(&AdmissionError{AUID: "x", Reason: ReasonStartRate, Detail: "1/18h"})
	require.EqualError(t, err, "crawl of x not admitted: Exceeds crawl-start rate: 1/18h")
	var ae *AdmissionError
	require.True(t, errors.As(fmt.Errorf("wrap: %w", err), &ae))
}

func TestIntervalStarterFollowsClock(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.StartCrawls = true
	cfg.StartCrawlsInitialDelay = 2 * time.Minute
	cfg.StartCrawlsInterval = time.Hour
	factory := newCrawlFactory(false)
	reg := &staticRegistry{aus: []crawler.ArchivalUnit{newTestAU("periodic", "")}, started: true}
	s, clk := newTestScheduler(t, cfg, factory, reg)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, s.Stop(context.Background())) })

	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, time.Second, time.Millisecond)
	clk.Advance(time.Minute)
	require.Never(t, func() bool { return factory.Count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return factory.Count() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return clk.Waiters() == 1 && len(s.RunningCrawls()) == 0
	}, time.Second, time.Millisecond)

	// The next pass runs after the interval; the per-unit start rate
	// (1/18h) holds the unit back until enough time has passed.
	clk.Advance(time.Hour)
	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, factory.Count())

	clk.Advance(18 * time.Hour)
	require.Eventually(t, func() bool { return factory.Count() == 2 }, time.Second, time.Millisecond)
}
