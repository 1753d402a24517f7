package engine

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/MRamiBalles/nodegrid/internal/domain/grid"
	"github.com/MRamiBalles/nodegrid/internal/events"
	"github.com/MRamiBalles/nodegrid/internal/history"
	"github.com/MRamiBalles/nodegrid/internal/platform/logger"
	"github.com/MRamiBalles/nodegrid/internal/platform/metrics"
)

// splitGrid is two producers of 30 and 1000 feeding a consumer of 100.
func splitGrid() *grid.Grid {
	g := grid.New()
	a1, err := g.Add("A1", grid.NewGenerator("power", 30))
	Expect(err).NotTo(HaveOccurred())
	a2, err := g.Add("A2", grid.NewGenerator("power", 1000))
	Expect(err).NotTo(HaveOccurred())
	b, err := g.Add("B", grid.NewConsumer(map[string]float64{"power": 100}, 0))
	Expect(err).NotTo(HaveOccurred())
	_, err = a1.ConnectWith("power", b)
	Expect(err).NotTo(HaveOccurred())
	_, err = a2.ConnectWith("power", b)
	Expect(err).NotTo(HaveOccurred())
	return g
}

var _ = Describe("Engine", func() {
	var (
		ctx context.Context
		log *events.EventLog
		m   *metrics.Collector
	)

	BeforeEach(func() {
		ctx = context.Background()
		log = events.NewEventLog(nil)
		m = metrics.New()
	})

	Context("with two producers of unequal capacity", func() {
		var e *Engine

		BeforeEach(func() {
			e = NewEngine(splitGrid(), log, logger.NewNop(), m, 10)
		})

		It("replans the shortfall onto the larger producer", func() {
			report, err := e.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Tick).To(Equal(int64(1)))
			Expect(report.ReplanRounds).To(Equal(2))
			Expect(report.ReplanRounds).To(BeNumerically("<=", e.Grid().MaxIncoming()))
			Expect(report.CapReached).To(BeFalse())
			Expect(report.Shortfall).To(BeZero())

			b, err := e.NodeStatus("B")
			Expect(err).NotTo(HaveOccurred())
			Expect(b.Received).To(HaveKeyWithValue("power", 100.0))

			a1, _ := e.NodeStatus("A1")
			a2, _ := e.NodeStatus("A2")
			Expect(a1.Produced).To(HaveKeyWithValue("power", 30.0))
			Expect(a2.Produced).To(HaveKeyWithValue("power", 70.0))
		})

		It("leaves every connection reset between ticks", func() {
			_, err := e.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())
			for _, c := range e.Grid().Connections() {
				Expect(c.Locked()).To(BeFalse())
				Expect(c.RequestedAmount()).To(BeZero())
				Expect(c.GrantedAmount()).To(BeZero())
			}
		})

		It("caps replanning by the incoming connection count", func() {
			Expect(e.ReplanCap()).To(Equal(3))
		})

		It("records the tick in the event log and metrics", func() {
			_, _ = e.Tick(ctx)
			_, _ = e.Tick(ctx)

			Expect(log.GetByType(events.EventTypeTickCompleted)).To(HaveLen(2))
			Expect(testutil.ToFloat64(m.Ticks)).To(Equal(2.0))
			Expect(e.TickNumber()).To(Equal(int64(2)))
			Expect(e.LastReport().Tick).To(Equal(int64(2)))
		})

		It("refuses to tick on a cancelled context", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			_, err := e.Tick(cancelled)
			Expect(err).To(MatchError(context.Canceled))
			Expect(e.TickNumber()).To(BeZero())
		})
	})

	Context("when the round cap is lower than needed", func() {
		It("stops, reports the pending nodes and keeps what was granted", func() {
			e := NewEngine(splitGrid(), log, logger.NewNop(), m, 1)

			report, err := e.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.ReplanRounds).To(Equal(1))
			Expect(report.CapReached).To(BeTrue())
			Expect(report.Pending).To(ConsistOf("B"))

			b, _ := e.NodeStatus("B")
			Expect(b.Received).To(HaveKeyWithValue("power", 100.0))

			Expect(log.GetByType(events.EventTypeReplanCapReached)).To(HaveLen(1))
			Expect(testutil.ToFloat64(m.ReplanCapHits)).To(Equal(1.0))
		})
	})

	Context("when supply cannot meet demand", func() {
		It("reports the locked shortfall", func() {
			g := grid.New()
			a, _ := g.Add("A", grid.NewGenerator("power", 40))
			b, _ := g.Add("B", grid.NewConsumer(map[string]float64{"power": 100, "water": 5}, 0))
			_, err := a.ConnectWith("power", b)
			Expect(err).NotTo(HaveOccurred())
			e := NewEngine(g, log, logger.NewNop(), nil, 10)

			report, err := e.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Shortfall).To(Equal(65.0))
			Expect(report.CapReached).To(BeFalse())
		})
	})

	Context("operator actions", func() {
		var e *Engine

		BeforeEach(func() {
			e = NewEngine(splitGrid(), log, logger.NewNop(), m, 10)
		})

		It("rejects unknown nodes", func() {
			Expect(e.SetNodeEnabled("nope", false, "op")).To(MatchError(ErrUnknownNode))
			Expect(e.AttachModifier("nope", grid.Data{Type: grid.KindOverclock, Duration: 2}, "op")).To(MatchError(ErrUnknownNode))
			_, err := e.NodeStatus("nope")
			Expect(err).To(MatchError(ErrUnknownNode))
		})

		It("disables a producer and emits the change once", func() {
			Expect(e.SetNodeEnabled("A2", false, "op")).To(Succeed())
			Expect(e.SetNodeEnabled("A2", false, "op")).To(Succeed())
			Expect(log.GetByType(events.EventTypeNodeEnabledChanged)).To(HaveLen(1))

			_, _ = e.Tick(ctx)
			b, _ := e.NodeStatus("B")
			Expect(b.Received).To(HaveKeyWithValue("power", 30.0))
		})

		It("attaches a modifier and reports its expiry", func() {
			Expect(e.AttachModifier("A1", grid.Data{Type: grid.KindMediumCoolingPack, Duration: 2}, "op")).To(Succeed())
			Expect(e.AttachModifier("A1", grid.Data{Type: "Warp", Duration: 2}, "op")).To(MatchError(grid.ErrUnknownModifierKind))
			Expect(e.AttachModifier("A1", grid.Data{Type: grid.KindOverclock}, "op")).To(MatchError(ErrInvalidModifier))

			status, _ := e.NodeStatus("A1")
			Expect(status.Modifiers).To(HaveLen(1))
			Expect(status.Modifiers[0].Name).To(Equal("Medium Cooling Pack"))

			_, _ = e.Tick(ctx)
			_, _ = e.Tick(ctx)

			status, _ = e.NodeStatus("A1")
			Expect(status.Modifiers).To(BeEmpty())
			Expect(status.Temperature).To(BeNumerically("~", 5.0, 1e-9))
			expired := log.GetByType(events.EventTypeModifierExpired)
			Expect(expired).To(HaveLen(1))
			Expect(expired[0].TargetID).To(Equal("A1"))
			Expect(expired[0].Tick).To(Equal(int64(2)))
		})
	})

	Context("state capture", func() {
		It("restores another engine to the same state", func() {
			src := NewEngine(splitGrid(), log, logger.NewNop(), nil, 10)
			Expect(src.AttachModifier("A2", grid.Data{Type: grid.KindOverclock, Duration: 5}, "op")).To(Succeed())
			Expect(src.SetNodeEnabled("A1", false, "op")).To(Succeed())
			_, _ = src.Tick(ctx)
			tick, states := src.States()

			dst := NewEngine(splitGrid(), events.NewEventLog(nil), logger.NewNop(), nil, 10)
			Expect(dst.Restore(tick, states)).To(Succeed())
			Expect(dst.TickNumber()).To(Equal(int64(1)))

			for _, id := range []string{"A1", "A2", "B"} {
				want, _ := src.NodeStatus(id)
				got, _ := dst.NodeStatus(id)
				Expect(got.Enabled).To(Equal(want.Enabled))
				Expect(got.Temperature).To(BeNumerically("~", want.Temperature, 1e-9))
				Expect(got.Modifiers).To(Equal(want.Modifiers))
			}

			err := dst.Restore(0, []grid.State{{ID: "ghost"}})
			Expect(err).To(MatchError(ErrUnknownNode))
		})
	})

	It("keeps independent grids apart", func() {
		e1 := NewEngine(splitGrid(), log, logger.NewNop(), nil, 10)
		e2 := NewEngine(splitGrid(), events.NewEventLog(nil), logger.NewNop(), nil, 10)
		Expect(e1.SetNodeEnabled("A2", false, "op")).To(Succeed())

		_, _ = e1.Tick(ctx)
		_, _ = e2.Tick(ctx)

		b1, _ := e1.NodeStatus("B")
		b2, _ := e2.NodeStatus("B")
		Expect(b1.Received["power"]).To(Equal(30.0))
		Expect(b2.Received["power"]).To(Equal(100.0))
	})

	It("serves status reads while ticking", func() {
		e := NewEngine(splitGrid(), log, logger.NewNop(), nil, 10)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer GinkgoRecover()
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := e.Tick(ctx)
				Expect(err).NotTo(HaveOccurred())
			}
		}()
		go func() {
			defer GinkgoRecover()
			defer wg.Done()
			for i := 0; i < 50; i++ {
				for _, s := range e.Snapshot() {
					if s.ID == "B" && len(s.Received) > 0 {
						Expect(s.Received["power"]).To(Equal(100.0))
					}
				}
			}
		}()
		wg.Wait()
		Expect(e.TickNumber()).To(Equal(int64(50)))
	})
})

var _ = Describe("History", func() {
	It("stamps samples with the tick being run while status reads continue", func() {
		e := NewEngine(splitGrid(), events.NewEventLog(nil), logger.NewNop(), nil, 10)
		rec := history.NewRecorder(5)
		e.AttachHistory(rec)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer GinkgoRecover()
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_ = e.Snapshot()
			}
		}()
		for i := 0; i < 3; i++ {
			_, err := e.Tick(context.Background())
			Expect(err).NotTo(HaveOccurred())
		}
		wg.Wait()

		series, ok := rec.Series("B")
		Expect(ok).To(BeTrue())
		ticks := make([]int64, 0, len(series))
		for _, s := range series {
			ticks = append(ticks, s.Tick)
		}
		Expect(ticks).To(Equal([]int64{1, 2, 3}))
		Expect(series[2].Received["power"]).To(Equal(100.0))
	})
})

var _ = Describe("Ticker", func() {
	It("ticks on its interval until stopped", func() {
		e := NewEngine(splitGrid(), events.NewEventLog(nil), logger.NewNop(), nil, 10)
		t := NewTicker(e, 5*time.Millisecond, logger.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan struct{})
		go func() {
			t.Start(ctx)
			close(done)
		}()

		Eventually(e.TickNumber).WithTimeout(2 * time.Second).Should(BeNumerically(">=", 3))
		t.Stop()
		t.Stop()
		Eventually(done).Should(BeClosed())
	})

	It("returns immediately when disabled", func() {
		e := NewEngine(splitGrid(), events.NewEventLog(nil), logger.NewNop(), nil, 10)
		NewTicker(e, 0, logger.NewNop()).Start(context.Background())
		Expect(e.TickNumber()).To(BeZero())
	})
})
