package billing_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/rfgw/pkg/billing"
	"github.com/codelaboratoryltd/rfgw/pkg/codec"
	"github.com/codelaboratoryltd/rfgw/pkg/dispatch"
	"github.com/codelaboratoryltd/rfgw/pkg/monitor"
	"github.com/codelaboratoryltd/rfgw/pkg/session"
	"github.com/codelaboratoryltd/rfgw/pkg/store"
	"github.com/codelaboratoryltd/rfgw/pkg/timer"
)

func request(callID string, rt session.RecordType, interval uint32) *billing.Request {
	body := fmt.Sprintf(`{"peers":{"ccf":["ccf1.example.com"]},"event":{"Accounting-Record-Type":%d,"Acct-Interim-Interval":%d,"User-Name":"alice"}}`, rt, interval)
	req, err := billing.ParseRequest(callID, []byte(body))
	Expect(err).NotTo(HaveOccurred())
	req.TrailID = "trail-1"
	return req
}

var _ = Describe("Session Manager", func() {
	var (
		ctx        context.Context
		backend    *store.MemoryBackend
		st         *hookStore
		timers     *fakeTimers
		dispatcher *fakeDispatcher
		monitors   *monitor.Set
		config     billing.Config
		manager    *billing.Manager
	)

	stored := func(callID string) *session.Session {
		s, _, err := st.inner.Get(ctx, callID)
		if err != nil {
			return nil
		}
		return s
	}

	BeforeEach(func() {
		ctx = context.Background()
		backend = store.NewMemoryBackend()
		st = &hookStore{inner: store.New(backend, codec.New(codec.JSON{}, codec.Binary{}), zap.NewNop())}
		timers = newFakeTimers()
		dispatcher = &fakeDispatcher{result: dispatch.Sent}
		monitors = monitor.NewSet(monitor.DefaultConfig(), nil, zap.NewNop())
		config = billing.DefaultConfig()
	})

	JustBeforeEach(func() {
		manager = billing.NewManager(config, st, timers, dispatcher, monitors, nil, zap.NewNop())
	})

	Describe("START", func() {
		It("creates the session with record number 1 and a timer", func() {
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))

			s := stored("c1")
			Expect(s).NotTo(BeNil())
			Expect(s.RecordNumber).To(Equal(uint32(1)))
			Expect(s.RecordType).To(Equal(session.RecordStart))
			Expect(s.InterimInterval).To(Equal(uint32(300)))
			Expect(s.SessionRefreshTime).To(BeTemporally("~", time.Now().Add(300*time.Second), 2*time.Second))
			Expect(s.TimerID).To(Equal("t1"))
			Expect(s.SessionID).To(HavePrefix("rfgw.local;"))

			scheduled := timers.ops("schedule")
			Expect(scheduled).To(HaveLen(1))
			Expect(scheduled[0].target).To(Equal(timer.Target{CallID: "c1", SessionID: s.SessionID}))
			Expect(scheduled[0].timing.Interval).To(Equal(300 * time.Second))
			Expect(scheduled[0].timing.RepeatFor).To(Equal(24 * time.Hour))

			sent := dispatcher.sent()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].RecordType).To(Equal(session.RecordStart))
			Expect(sent[0].RecordNumber).To(Equal(uint32(0)))
			Expect(sent[0].Peers).To(Equal([]string{"ccf1.example.com"}))
		})

		It("uses the default interval when the request has none", func() {
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 0))).To(Equal(billing.OK))
			Expect(stored("c1").InterimInterval).To(Equal(uint32(300)))
		})

		It("rejects a START for an existing session by default", func() {
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))
			before := stored("c1")

			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.AlreadyExists))
			Expect(dispatcher.sent()).To(HaveLen(1))
			Expect(stored("c1").Equal(before)).To(BeTrue())
		})

		Context("with the overwrite policy", func() {
			BeforeEach(func() {
				config.StartPolicy = billing.OverwriteExisting
			})

			It("replaces the session and cancels the old timer", func() {
				Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))
				first := stored("c1")

				Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 60))).To(Equal(billing.OK))
				second := stored("c1")
				Expect(second.SessionID).NotTo(Equal(first.SessionID))
				Expect(second.InterimInterval).To(Equal(uint32(60)))
				Expect(second.RecordNumber).To(Equal(uint32(1)))
				Expect(timers.isActive(first.TimerID)).To(BeFalse())
				Expect(timers.isActive(second.TimerID)).To(BeTrue())
			})
		})

		It("persists nothing when dispatch is retryable", func() {
			dispatcher.set(dispatch.Retryable)
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.UpstreamUnavailable))
			Expect(backend.Len()).To(Equal(0))
			Expect(timers.ops("schedule")).To(BeEmpty())
			Expect(monitors.CDF.State()).To(Equal(monitor.AlarmRaised))
		})

		It("persists nothing when dispatch is rejected", func() {
			dispatcher.set(dispatch.Fatal)
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.Rejected))
			Expect(backend.Len()).To(Equal(0))
			Expect(timers.ops("schedule")).To(BeEmpty())
		})

		It("reports the store being unavailable and raises the store alarm", func() {
			st.getErr = store.ErrUnavailable
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.UpstreamUnavailable))
			Expect(dispatcher.sent()).To(BeEmpty())
			Expect(monitors.Store.State()).To(Equal(monitor.AlarmRaised))

			st.getErr = nil
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))
			Expect(monitors.Store.State()).To(Equal(monitor.AlarmCleared))
		})

		It("cancels the new timer when the write fails", func() {
			st.putErr = store.ErrUnavailable
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.UpstreamUnavailable))
			Expect(timers.isActive("t1")).To(BeFalse())
		})

		It("keeps the session when the timer cannot be scheduled and repairs it on the next interim", func() {
			timers.err = timer.ErrUnavailable
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))
			Expect(stored("c1").TimerID).To(BeEmpty())
			Expect(monitors.Timer.State()).To(Equal(monitor.AlarmRaised))

			timers.err = nil
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordInterim, 300))).To(Equal(billing.OK))
			Expect(stored("c1").TimerID).NotTo(BeEmpty())
			Expect(monitors.Timer.State()).To(Equal(monitor.AlarmCleared))
		})

		It("replaces a corrupt record", func() {
			_, err := backend.Put(ctx, "c1", []byte("\x00garbage"), 0)
			Expect(err).NotTo(HaveOccurred())

			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))
			Expect(stored("c1").RecordNumber).To(Equal(uint32(1)))
		})
	})

	Describe("INTERIM", func() {
		It("returns NotFound without a session", func() {
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordInterim, 300))).To(Equal(billing.NotFound))
			Expect(dispatcher.sent()).To(BeEmpty())
			Expect(st.writes()).To(Equal(0))
		})

		It("treats a corrupt record as absent", func() {
			_, err := backend.Put(ctx, "c1", []byte("\x00garbage"), 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordInterim, 300))).To(Equal(billing.NotFound))
		})

		Context("with a started session", func() {
			JustBeforeEach(func() {
				Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))
			})

			It("sends the current record number and commits the increment", func() {
				Expect(manager.HandleEvent(ctx, request("c1", session.RecordInterim, 0))).To(Equal(billing.OK))

				sent := dispatcher.sent()
				Expect(sent[1].RecordType).To(Equal(session.RecordInterim))
				Expect(sent[1].RecordNumber).To(Equal(uint32(1)))

				s := stored("c1")
				Expect(s.RecordNumber).To(Equal(uint32(2)))
				Expect(s.RecordType).To(Equal(session.RecordInterim))
				Expect(s.TimerID).To(Equal("t1"))
				Expect(timers.ops("reschedule")).To(HaveLen(1))
			})

			It("applies a changed interim interval", func() {
				Expect(manager.HandleEvent(ctx, request("c1", session.RecordInterim, 600))).To(Equal(billing.OK))
				s := stored("c1")
				Expect(s.InterimInterval).To(Equal(uint32(600)))
				Expect(s.SessionRefreshTime).To(BeTemporally("~", time.Now().Add(600*time.Second), 2*time.Second))
				Expect(timers.ops("reschedule")[0].timing.Interval).To(Equal(600 * time.Second))
			})

			It("keeps record numbers strictly increasing", func() {
				for i := 0; i < 5; i++ {
					Expect(manager.HandleEvent(ctx, request("c1", session.RecordInterim, 0))).To(Equal(billing.OK))
					Expect(stored("c1").RecordNumber).To(Equal(uint32(i + 2)))
				}
				for i, ev := range dispatcher.sent() {
					Expect(ev.RecordNumber).To(Equal(uint32(i)))
				}
			})

			It("leaves the store untouched when dispatch is retryable", func() {
				before := stored("c1")
				writes := st.writes()
				dispatcher.set(dispatch.Retryable)

				Expect(manager.HandleEvent(ctx, request("c1", session.RecordInterim, 600))).To(Equal(billing.UpstreamUnavailable))
				Expect(stored("c1").Equal(before)).To(BeTrue())
				Expect(st.writes()).To(Equal(writes))
				Expect(timers.isActive(before.TimerID)).To(BeTrue())
			})

			It("removes the session when the CDF rejects the interim", func() {
				dispatcher.set(dispatch.Fatal)
				Expect(manager.HandleEvent(ctx, request("c1", session.RecordInterim, 0))).To(Equal(billing.Rejected))
				Expect(stored("c1")).To(BeNil())
				Expect(timers.isActive("t1")).To(BeFalse())
			})

			It("lets exactly one of two racing interims commit first and retries the other", func() {
				st.beforePut = func() {
					Expect(manager.HandleTimerFired(ctx, billing.TimerFiring{CallID: "c1", TimerID: "t1", TrailID: "trail-timer"})).To(Equal(billing.OK))
				}

				Expect(manager.HandleEvent(ctx, request("c1", session.RecordInterim, 0))).To(Equal(billing.OK))

				s := stored("c1")
				Expect(s.RecordNumber).To(Equal(uint32(3)))
				Expect(s.TimerID).To(Equal("t1"))
				Expect(dispatcher.sent()).To(HaveLen(3))
			})

			It("does not count an interim into a session that replaced it mid-flight", func() {
				first := stored("c1")
				st.beforePut = func() {
					Expect(manager.HandleEvent(ctx, request("c1", session.RecordStop, 0))).To(Equal(billing.OK))
					Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))
				}

				Expect(manager.HandleEvent(ctx, request("c1", session.RecordInterim, 0))).To(Equal(billing.NotFound))

				s := stored("c1")
				Expect(s.SessionID).NotTo(Equal(first.SessionID))
				Expect(s.RecordNumber).To(Equal(uint32(1)))
				Expect(s.TimerID).To(Equal("t2"))
				Expect(timers.isActive("t2")).To(BeTrue())
				Expect(timers.isActive("t1")).To(BeFalse())
			})

			It("ignores a timer firing whose session was replaced mid-flight", func() {
				st.beforePut = func() {
					Expect(manager.HandleEvent(ctx, request("c1", session.RecordStop, 0))).To(Equal(billing.OK))
					Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))
				}

				Expect(manager.HandleTimerFired(ctx, billing.TimerFiring{CallID: "c1", TimerID: "t1"})).To(Equal(billing.Ignored))

				s := stored("c1")
				Expect(s.RecordNumber).To(Equal(uint32(1)))
				Expect(s.TimerID).To(Equal("t2"))
				Expect(timers.isActive("t2")).To(BeTrue())
			})

			It("gives up with Conflict after the bounded retries", func() {
				st.putErr = store.ErrVersionConflict
				puts := st.puts

				Expect(manager.HandleEvent(ctx, request("c1", session.RecordInterim, 0))).To(Equal(billing.Conflict))
				Expect(st.puts - puts).To(Equal(3))
				Expect(monitors.Store.State()).To(Equal(monitor.AlarmCleared))
			})
		})
	})

	Describe("STOP", func() {
		It("returns NotFound without store writes or dispatch", func() {
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStop, 0))).To(Equal(billing.NotFound))
			Expect(dispatcher.sent()).To(BeEmpty())
			Expect(st.writes()).To(Equal(0))
		})

		Context("with a started session", func() {
			JustBeforeEach(func() {
				Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))
			})

			It("sends STOP, cancels the timer and deletes the session", func() {
				Expect(manager.HandleEvent(ctx, request("c1", session.RecordStop, 0))).To(Equal(billing.OK))
				Expect(stored("c1")).To(BeNil())
				Expect(timers.isActive("t1")).To(BeFalse())

				sent := dispatcher.sent()
				Expect(sent[1].RecordType).To(Equal(session.RecordStop))
				Expect(sent[1].RecordNumber).To(Equal(uint32(1)))
			})

			It("keeps the session and timer when dispatch is retryable", func() {
				dispatcher.set(dispatch.Retryable)
				Expect(manager.HandleEvent(ctx, request("c1", session.RecordStop, 0))).To(Equal(billing.UpstreamUnavailable))
				Expect(stored("c1")).NotTo(BeNil())
				Expect(timers.isActive("t1")).To(BeTrue())
			})

			It("still deletes the session when the CDF rejects the STOP", func() {
				dispatcher.set(dispatch.Fatal)
				Expect(manager.HandleEvent(ctx, request("c1", session.RecordStop, 0))).To(Equal(billing.Rejected))
				Expect(stored("c1")).To(BeNil())
				Expect(timers.isActive("t1")).To(BeFalse())
			})

			It("leaves alone a session started while its STOP was in flight", func() {
				first := stored("c1")
				st.beforeDel = func() {
					Expect(manager.HandleEvent(ctx, request("c1", session.RecordStop, 0))).To(Equal(billing.OK))
					Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))
				}

				Expect(manager.HandleEvent(ctx, request("c1", session.RecordStop, 0))).To(Equal(billing.OK))

				s := stored("c1")
				Expect(s).NotTo(BeNil())
				Expect(s.SessionID).NotTo(Equal(first.SessionID))
				Expect(s.TimerID).To(Equal("t2"))
				Expect(timers.isActive("t2")).To(BeTrue())
				for _, ev := range dispatcher.sent() {
					if ev.RecordType == session.RecordStop {
						Expect(ev.SessionID).To(Equal(first.SessionID))
					}
				}
			})

			It("keeps the timer when the session cannot be deleted", func() {
				st.deleteErr = store.ErrUnavailable
				Expect(manager.HandleEvent(ctx, request("c1", session.RecordStop, 0))).To(Equal(billing.UpstreamUnavailable))
				Expect(stored("c1")).NotTo(BeNil())
				Expect(timers.isActive("t1")).To(BeTrue())
				Expect(timers.ops("cancel")).To(BeEmpty())
			})

			It("deletes after a concurrent interim changed the version", func() {
				st.beforeDel = func() {
					Expect(manager.HandleEvent(ctx, request("c1", session.RecordInterim, 0))).To(Equal(billing.OK))
				}
				Expect(manager.HandleEvent(ctx, request("c1", session.RecordStop, 0))).To(Equal(billing.OK))
				Expect(stored("c1")).To(BeNil())
				Expect(st.deletes).To(Equal(2))
			})
		})
	})

	Describe("timer firings", func() {
		It("are a no-op when the session was already stopped", func() {
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStop, 0))).To(Equal(billing.OK))
			sent := len(dispatcher.sent())
			writes := st.writes()

			Expect(manager.HandleTimerFired(ctx, billing.TimerFiring{CallID: "c1", TimerID: "t1"})).To(Equal(billing.Ignored))
			Expect(dispatcher.sent()).To(HaveLen(sent))
			Expect(st.writes()).To(Equal(writes))
		})

		It("ignore a timer that is no longer the session's timer", func() {
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))
			Expect(manager.HandleTimerFired(ctx, billing.TimerFiring{CallID: "c1", TimerID: "t-old"})).To(Equal(billing.Ignored))
			Expect(dispatcher.sent()).To(HaveLen(1))
			Expect(stored("c1").RecordNumber).To(Equal(uint32(1)))
		})

		It("send an interim built from the stored request", func() {
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))
			Expect(manager.HandleTimerFired(ctx, billing.TimerFiring{CallID: "c1", TimerID: "t1"})).To(Equal(billing.OK))

			sent := dispatcher.sent()
			Expect(sent).To(HaveLen(2))
			Expect(sent[1].RecordType).To(Equal(session.RecordInterim))
			Expect(sent[1].RecordNumber).To(Equal(uint32(1)))
			Expect(string(sent[1].AVPs)).To(ContainSubstring(`"User-Name":"alice"`))
			Expect(sent[1].Peers).To(Equal([]string{"ccf1.example.com"}))
			Expect(stored("c1").RecordNumber).To(Equal(uint32(2)))
		})

		It("ignore a firing armed for an earlier session of the call", func() {
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))
			old := stored("c1").SessionID

			timers.cancelErr = timer.ErrUnavailable
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStop, 0))).To(Equal(billing.OK))
			timers.cancelErr = nil
			Expect(timers.isActive("t1")).To(BeTrue())
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))
			current := stored("c1")

			Expect(manager.HandleTimerFired(ctx, billing.TimerFiring{CallID: "c1", SessionID: old})).To(Equal(billing.Ignored))
			Expect(stored("c1").Equal(current)).To(BeTrue())

			Expect(manager.HandleTimerFired(ctx, billing.TimerFiring{CallID: "c1", SessionID: current.SessionID})).To(Equal(billing.OK))
			Expect(stored("c1").RecordNumber).To(Equal(uint32(2)))
		})

		It("accept firings that do not carry a timer id", func() {
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordStart, 300))).To(Equal(billing.OK))
			Expect(manager.HandleTimerFired(ctx, billing.TimerFiring{CallID: "c1"})).To(Equal(billing.OK))
		})
	})

	Describe("EVENT", func() {
		It("dispatches without touching the store", func() {
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordEvent, 0))).To(Equal(billing.OK))
			Expect(st.writes()).To(Equal(0))
			Expect(backend.Len()).To(Equal(0))
			sent := dispatcher.sent()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].RecordType).To(Equal(session.RecordEvent))
			Expect(sent[0].SessionID).NotTo(BeEmpty())
		})

		It("maps dispatch failures", func() {
			dispatcher.set(dispatch.Retryable)
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordEvent, 0))).To(Equal(billing.UpstreamUnavailable))
			dispatcher.set(dispatch.Fatal)
			Expect(manager.HandleEvent(ctx, request("c1", session.RecordEvent, 0))).To(Equal(billing.Rejected))
		})
	})
})
