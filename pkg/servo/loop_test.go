package servo

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gomock "go.uber.org/mock/gomock"

	"github.com/teslashibe/go-visualservo/internal/log"
	"github.com/teslashibe/go-visualservo/pkg/frame"
	"github.com/teslashibe/go-visualservo/pkg/pid"
	"github.com/teslashibe/go-visualservo/pkg/tracking"
)

// releaseLedger records every frame handed back to the device.
type releaseLedger struct {
	mu     sync.Mutex
	counts map[*frame.Frame]int
}

func newReleaseLedger() *releaseLedger {
	return &releaseLedger{counts: make(map[*frame.Frame]int)}
}

func (r *releaseLedger) release(f *frame.Frame) error {
	r.mu.Lock()
	r.counts[f]++
	r.mu.Unlock()
	return nil
}

func (r *releaseLedger) frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.counts)
}

func (r *releaseLedger) maxReleases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := 0
	for _, n := range r.counts {
		if n > m {
			m = n
		}
	}
	return m
}

func blockUntilDone(ctx context.Context) (*frame.Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

var _ = Describe("Loop", func() {
	var (
		mockCtrl *gomock.Controller
		device   *MockDevice
		tracker  *MockTracker
		act      *MockActuator
		source   *frame.Source
		cfg      Config
		ledger   *releaseLedger
	)

	newLoop := func(opts ...Option) *Loop {
		opts = append(opts, WithLogger(log.Discard()))
		l, err := New(source, tracker, act, cfg, opts...)
		Expect(err).NotTo(HaveOccurred())
		return l
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		device = NewMockDevice(mockCtrl)
		tracker = NewMockTracker(mockCtrl)
		act = NewMockActuator(mockCtrl)
		source = frame.NewSource(device,
			frame.WithAcquireTimeout(time.Minute),
			frame.WithLogger(log.Discard()))
		ledger = newReleaseLedger()

		cfg = Config{
			SamplePeriod: time.Millisecond,
			Setpoint:     5,
			Kp:           1,
			OutMin:       -100,
			OutMax:       100,
			Auto:         true,
		}
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	expectLifecycle := func() {
		device.EXPECT().Init().Return(nil).Times(1)
		device.EXPECT().BeginAcquisition().Return(nil).Times(1)
		device.EXPECT().EndAcquisition().Return(nil).Times(1)
	}

	Context("construction", func() {
		It("should reject periods that are not whole milliseconds", func() {
			cfg.SamplePeriod = 1500 * time.Microsecond
			_, err := New(source, tracker, act, cfg)
			Expect(errors.Is(err, pid.ErrInvalidConfig)).To(BeTrue())
		})

		It("should reject inverted limits", func() {
			cfg.OutMin, cfg.OutMax = 10, 0
			_, err := New(source, tracker, act, cfg)
			Expect(errors.Is(err, pid.ErrInvalidConfig)).To(BeTrue())
		})

		It("should reject nil collaborators", func() {
			_, err := New(source, nil, act, cfg)
			Expect(err).To(MatchError(ErrNilDependency))
		})
	})

	It("should release every frame exactly once over 1000 cycles", func() {
		const cycles = 1000
		expectLifecycle()

		var n uint64
		device.EXPECT().NextFrame(gomock.Any()).DoAndReturn(func(context.Context) (*frame.Frame, error) {
			n++
			f := &frame.Frame{Sequence: n, Format: frame.FormatRaw, Complete: n%7 != 0}
			if !f.Complete {
				f.Status = frame.StatusPacketLoss
			}
			return f, nil
		}).Times(cycles)
		device.EXPECT().Release(gomock.Any()).DoAndReturn(ledger.release).Times(cycles)

		tracker.EXPECT().DeriveInput(gomock.Any()).DoAndReturn(func(f *frame.Frame) (float64, error) {
			Expect(f.Complete).To(BeTrue(), "incomplete frames must not reach the tracker")
			if f.Sequence%5 == 0 {
				return 0, &tracking.TrackingError{Seq: f.Sequence, Reason: "lost", Err: tracking.ErrNoTarget}
			}
			return float64(f.Sequence % 10), nil
		}).AnyTimes()

		var outputs []float64
		act.EXPECT().Apply(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, out float64) error {
			outputs = append(outputs, out)
			return nil
		}).AnyTimes()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		loop := newLoop(WithObserver(ObserverFunc(func(s Sample) {
			if s.Seq == cycles {
				cancel()
			}
		})))

		Expect(loop.Run(ctx)).To(Succeed())

		stats := loop.Stats()
		Expect(stats.Cycles).To(BeEquivalentTo(cycles))
		Expect(stats.Acquired).To(BeEquivalentTo(cycles))
		Expect(stats.Released).To(BeEquivalentTo(cycles))
		Expect(source.Outstanding()).To(BeZero())
		Expect(ledger.frames()).To(Equal(cycles))
		Expect(ledger.maxReleases()).To(Equal(1))

		// 142 multiples of 7; of the remaining frames, multiples of 5 but not 35.
		Expect(stats.Incomplete).To(BeEquivalentTo(142))
		Expect(stats.TrackingErrors).To(BeEquivalentTo(200 - 28))
		Expect(stats.Computed).To(BeEquivalentTo(cycles - 142 - 172))
		Expect(outputs).To(HaveLen(int(stats.Computed)))
		for _, out := range outputs {
			Expect(out).To(BeNumerically(">=", -100))
			Expect(out).To(BeNumerically("<=", 100))
		}
	})

	It("should stop exactly once when cancelled while blocked on acquire", func() {
		expectLifecycle()
		device.EXPECT().NextFrame(gomock.Any()).DoAndReturn(blockUntilDone).Times(1)

		ctx, cancel := context.WithCancel(context.Background())
		loop := newLoop()

		done := make(chan error, 1)
		go func() { done <- loop.Run(ctx) }()

		Eventually(loop.Running).Should(BeTrue())
		time.Sleep(20 * time.Millisecond)
		cancel()

		Eventually(done, time.Second).Should(Receive(BeNil()))
		Expect(loop.Running()).To(BeFalse())
		Expect(source.Outstanding()).To(BeZero())
		Expect(source.Stop()).To(Succeed())
	})

	It("should not stop acquisition that never started", func() {
		device.EXPECT().Init().Return(nil)
		device.EXPECT().BeginAcquisition().Return(errors.New("camera busy"))
		device.EXPECT().EndAcquisition().Times(0)

		err := newLoop().Run(context.Background())

		Expect(frame.IsDeviceError(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("camera busy"))
	})

	It("should exit with the device error after releasing and stopping", func() {
		expectLifecycle()
		boom := errors.New("link down")

		var n uint64
		device.EXPECT().NextFrame(gomock.Any()).DoAndReturn(func(context.Context) (*frame.Frame, error) {
			n++
			if n > 3 {
				return nil, boom
			}
			return &frame.Frame{Sequence: n, Complete: true}, nil
		}).Times(4)
		device.EXPECT().Release(gomock.Any()).DoAndReturn(ledger.release).Times(3)
		tracker.EXPECT().DeriveInput(gomock.Any()).Return(1.0, nil).Times(3)
		act.EXPECT().Apply(gomock.Any(), gomock.Any()).Return(nil).Times(3)

		err := newLoop().Run(context.Background())

		var de *frame.DeviceError
		Expect(errors.As(err, &de)).To(BeTrue())
		Expect(de.Op).To(Equal("acquire"))
		Expect(errors.Is(err, boom)).To(BeTrue())
		Expect(source.Outstanding()).To(BeZero())
	})

	It("should treat acquire timeouts as non-fatal", func() {
		source = frame.NewSource(device,
			frame.WithAcquireTimeout(2*time.Millisecond),
			frame.WithLogger(log.Discard()))
		expectLifecycle()
		device.EXPECT().NextFrame(gomock.Any()).DoAndReturn(blockUntilDone).MinTimes(3)

		ctx, cancel := context.WithCancel(context.Background())
		loop := newLoop(WithObserver(ObserverFunc(func(s Sample) {
			Expect(s.Outcome).To(Equal(OutcomeTimeout))
			if s.Seq == 3 {
				cancel()
			}
		})))

		Expect(loop.Run(ctx)).To(Succeed())
		Expect(loop.Stats().Timeouts).To(BeNumerically(">=", 3))
		Expect(loop.Stats().Computed).To(BeZero())
	})

	It("should count actuator failures without touching controller state", func() {
		expectLifecycle()
		device.EXPECT().NextFrame(gomock.Any()).Return(&frame.Frame{Complete: true}, nil).Times(2)
		device.EXPECT().Release(gomock.Any()).Return(nil).Times(2)
		tracker.EXPECT().DeriveInput(gomock.Any()).Return(2.0, nil).Times(2)
		act.EXPECT().Apply(gomock.Any(), 3.0).Return(errors.New("driver offline")).Times(2)

		ctx, cancel := context.WithCancel(context.Background())
		loop := newLoop(WithObserver(ObserverFunc(func(s Sample) {
			if s.Seq == 2 {
				cancel()
			}
		})))

		Expect(loop.Run(ctx)).To(Succeed())
		Expect(loop.Stats().ActuatorErrors).To(BeEquivalentTo(2))
		Expect(loop.Output()).To(Equal(3.0))
	})

	It("should keep cycling when the actuator stalls", func() {
		expectLifecycle()
		device.EXPECT().NextFrame(gomock.Any()).Return(&frame.Frame{Complete: true}, nil).AnyTimes()
		device.EXPECT().Release(gomock.Any()).Return(nil).AnyTimes()
		tracker.EXPECT().DeriveInput(gomock.Any()).Return(2.0, nil).AnyTimes()

		var deadlines []time.Duration
		act.EXPECT().Apply(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ float64) error {
			dl, ok := ctx.Deadline()
			Expect(ok).To(BeTrue())
			deadlines = append(deadlines, time.Until(dl))
			<-ctx.Done()
			return ctx.Err()
		}).AnyTimes()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		loop := newLoop(
			WithActuatorTimeout(5*time.Millisecond),
			WithObserver(ObserverFunc(func(s Sample) {
				if s.Seq == 20 {
					cancel()
				}
			})))

		start := time.Now()
		Expect(loop.Run(ctx)).To(Succeed())
		Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))

		st := loop.Stats()
		Expect(st.Cycles).To(BeEquivalentTo(20))
		Expect(st.Computed).To(BeEquivalentTo(20))
		Expect(st.ActuatorErrors).To(BeEquivalentTo(20))
		Expect(deadlines).To(HaveLen(20))
		for _, d := range deadlines {
			Expect(d).To(BeNumerically("<=", 5*time.Millisecond))
		}
	})

	It("should bound actuator calls by the sample period by default", func() {
		cfg.SamplePeriod = 3 * time.Millisecond
		expectLifecycle()
		device.EXPECT().NextFrame(gomock.Any()).Return(&frame.Frame{Complete: true}, nil).Times(1)
		device.EXPECT().Release(gomock.Any()).Return(nil).Times(1)
		tracker.EXPECT().DeriveInput(gomock.Any()).Return(2.0, nil).Times(1)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		act.EXPECT().Apply(gomock.Any(), gomock.Any()).DoAndReturn(func(actx context.Context, _ float64) error {
			dl, ok := actx.Deadline()
			Expect(ok).To(BeTrue())
			Expect(time.Until(dl)).To(BeNumerically("<=", 3*time.Millisecond))
			cancel()
			return nil
		}).Times(1)

		Expect(newLoop().Run(ctx)).To(Succeed())
	})

	It("should release the frame when the tracker panics", func() {
		expectLifecycle()
		device.EXPECT().NextFrame(gomock.Any()).Return(&frame.Frame{Sequence: 1, Complete: true}, nil)
		device.EXPECT().Release(gomock.Any()).DoAndReturn(ledger.release).Times(1)
		tracker.EXPECT().DeriveInput(gomock.Any()).DoAndReturn(func(*frame.Frame) (float64, error) {
			panic("detector crashed")
		})

		loop := newLoop()
		Expect(func() { loop.Run(context.Background()) }).To(PanicWith("detector crashed"))
		Expect(ledger.frames()).To(Equal(1))
		Expect(source.Outstanding()).To(BeZero())
	})

	It("should hold the output in manual mode and engage without a bump", func() {
		cfg.Auto = false
		cfg.Ki = 100
		expectLifecycle()
		device.EXPECT().NextFrame(gomock.Any()).Return(&frame.Frame{Complete: true}, nil).AnyTimes()
		device.EXPECT().Release(gomock.Any()).Return(nil).AnyTimes()
		tracker.EXPECT().DeriveInput(gomock.Any()).Return(5.0, nil).AnyTimes()

		var outputs []float64
		act.EXPECT().Apply(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, out float64) error {
			outputs = append(outputs, out)
			return nil
		}).AnyTimes()

		ctx, cancel := context.WithCancel(context.Background())
		var loop *Loop
		loop = newLoop(WithObserver(ObserverFunc(func(s Sample) {
			switch s.Seq {
			case 3:
				Expect(loop.SetManualOutput(40)).To(Succeed())
			case 6:
				loop.SetAutoMode(true)
			case 10:
				cancel()
			}
		})))

		Expect(loop.Run(ctx)).To(Succeed())

		Expect(outputs[:3]).To(Equal([]float64{0, 0, 0}))
		// Input equals setpoint, so after engaging only the seeded integral remains.
		for _, out := range outputs[3:] {
			Expect(out).To(Equal(40.0))
		}
	})

	It("should refuse a second concurrent run", func() {
		expectLifecycle()
		device.EXPECT().NextFrame(gomock.Any()).DoAndReturn(blockUntilDone)

		ctx, cancel := context.WithCancel(context.Background())
		loop := newLoop()
		done := make(chan error, 1)
		go func() { done <- loop.Run(ctx) }()
		Eventually(loop.Running).Should(BeTrue())

		Expect(loop.Run(ctx)).To(MatchError(ErrAlreadyRunning))

		cancel()
		Eventually(done).Should(Receive(BeNil()))
		Expect(loop.RunID()).NotTo(BeEmpty())
	})
})

var _ = Describe("Tuning", func() {
	var loop *Loop

	BeforeEach(func() {
		src := frame.NewSource(nil)
		cfg := DefaultConfig()
		var err error
		loop, err = New(src, tracking.Func(func(*frame.Frame) (float64, error) { return 0, nil }),
			nopActuator{}, cfg, WithLogger(log.Discard()))
		Expect(err).NotTo(HaveOccurred())
	})

	ptr := func(v float64) *float64 { return &v }
	str := func(s string) *string { return &s }

	It("should apply a partial update", func() {
		Expect(loop.ApplyTuning(TuningParams{Kp: ptr(2), Setpoint: ptr(7), Mode: str("auto")})).To(Succeed())

		st := loop.State()
		Expect(st.Kp).To(Equal(2.0))
		Expect(st.Ki).To(Equal(0.0))
		Expect(st.Setpoint).To(Equal(7.0))
		Expect(st.Mode).To(Equal("auto"))
	})

	It("should leave state unchanged when any field is invalid", func() {
		before := loop.State()

		err := loop.ApplyTuning(TuningParams{Kp: ptr(3), OutMin: ptr(10), OutMax: ptr(1)})
		Expect(errors.Is(err, pid.ErrInvalidConfig)).To(BeTrue())

		err = loop.ApplyTuning(TuningParams{Kp: ptr(3), Mode: str("cruise")})
		Expect(errors.Is(err, pid.ErrInvalidConfig)).To(BeTrue())

		Expect(loop.State()).To(Equal(before))
	})

	It("should reject manual output in auto mode", func() {
		loop.SetAutoMode(true)
		Expect(loop.ApplyTuning(TuningParams{ManualOutput: ptr(5)})).To(MatchError(pid.ErrAutoMode))
	})

	It("should report the full tuning", func() {
		Expect(loop.SetOutputLimits(-1, 1)).To(Succeed())
		Expect(loop.SetOutputLimits(1, -1)).NotTo(Succeed())

		tp := loop.Tuning()
		Expect(*tp.OutMin).To(Equal(-1.0))
		Expect(*tp.OutMax).To(Equal(1.0))
		Expect(*tp.Mode).To(Equal("manual"))
		Expect(*tp.Direction).To(Equal("direct"))
	})
})

type nopActuator struct{}

func (nopActuator) Apply(context.Context, float64) error { return nil }
