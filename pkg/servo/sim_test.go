package servo

import (
	"context"
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/teslashibe/go-visualservo/internal/log"
	"github.com/teslashibe/go-visualservo/pkg/frame"
	"github.com/teslashibe/go-visualservo/pkg/sim"
	"github.com/teslashibe/go-visualservo/pkg/tracking"
)

var _ = Describe("Closed loop against the simulator", func() {
	It("should drive the stage to the setpoint", func() {
		plant := sim.NewPlant(1, 20*time.Millisecond, 0)
		dev := sim.NewDevice(plant, sim.Config{
			FrameInterval: time.Millisecond,
			DropRate:      0.05,
			Seed:          7,
		})
		source := frame.NewSource(dev, frame.WithLogger(log.Discard()))

		cfg := Config{
			SamplePeriod: time.Millisecond,
			Setpoint:     1,
			Kp:           2,
			Ki:           50,
			OutMin:       -10,
			OutMax:       10,
			Auto:         true,
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var last Sample
		loop, err := New(source, tracking.NewMetadataTracker(sim.MetaPosition), sim.NewActuator(plant), cfg,
			WithLogger(log.Discard()),
			WithObserver(ObserverFunc(func(s Sample) {
				last = s
				if s.Seq == 600 {
					cancel()
				}
			})))
		Expect(err).NotTo(HaveOccurred())

		Expect(loop.Run(ctx)).To(Succeed())

		Expect(math.Abs(plant.Position() - 1)).To(BeNumerically("<", 0.05))
		Expect(last.Seq).To(BeEquivalentTo(600))
		Expect(loop.Stats().Incomplete).To(BeNumerically(">", 0))
		Expect(dev.Outstanding()).To(BeZero())
		Expect(loop.Stats().Released).To(Equal(loop.Stats().Acquired))
	})
})
