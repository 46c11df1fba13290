package sim

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/teslashibe/go-visualservo/pkg/frame"
)

func TestPlant_Converges(t *testing.T) {
	p := NewPlant(2, 100*time.Millisecond, 0)
	p.SetCommand(3)

	for i := 0; i < 200; i++ {
		p.Step(10 * time.Millisecond)
	}

	if got := p.Position(); math.Abs(got-6) > 1e-3 {
		t.Errorf("position after 2s: got %v, want ~6", got)
	}
	if p.Elapsed() != 2*time.Second {
		t.Errorf("elapsed: %v", p.Elapsed())
	}
}

func TestPlant_LargeStepDoesNotOvershoot(t *testing.T) {
	p := NewPlant(1, 10*time.Millisecond, 0)
	p.SetCommand(1)

	if got := p.Step(time.Second); got != 1 {
		t.Errorf("got %v, want exactly the target", got)
	}
}

func TestDevice_FramesCarryMeasurement(t *testing.T) {
	plant := NewPlant(1, 50*time.Millisecond, 0)
	cfg := Config{FrameInterval: 10 * time.Millisecond, Seed: 3}
	dev := NewDevice(plant, cfg)
	NewActuator(plant).Apply(context.Background(), 4)

	if _, err := dev.NextFrame(context.Background()); !errors.Is(err, ErrNotAcquiring) {
		t.Fatalf("NextFrame before begin: %v", err)
	}
	dev.BeginAcquisition()

	var last *frame.Frame
	for i := 0; i < 5; i++ {
		f, err := dev.NextFrame(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !f.Complete {
			t.Fatal("no drop rate configured")
		}
		if f.Meta[MetaPosition] != f.Meta[MetaTruth] {
			t.Error("noise-free measurement should equal truth")
		}
		if f.Meta[MetaCommand] != 4 {
			t.Errorf("command meta: %v", f.Meta[MetaCommand])
		}
		last = f
		dev.Release(f)
	}

	if last.Sequence != 5 {
		t.Errorf("sequence: got %d", last.Sequence)
	}
	if dev.Outstanding() != 0 {
		t.Errorf("outstanding: %d", dev.Outstanding())
	}
}

func TestDevice_DropRateIsDeterministic(t *testing.T) {
	run := func() []bool {
		dev := NewDevice(NewPlant(1, time.Second, 0), Config{FrameInterval: time.Millisecond, DropRate: 0.3, Seed: 42})
		dev.BeginAcquisition()
		var complete []bool
		for i := 0; i < 500; i++ {
			f, _ := dev.NextFrame(context.Background())
			complete = append(complete, f.Complete)
		}
		return complete
	}

	a, b := run(), run()
	drops := 0
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("frame %d differs between seeded runs", i)
		}
		if !a[i] {
			drops++
		}
	}
	if drops < 100 || drops > 200 {
		t.Errorf("drops: got %d of 500 at rate 0.3", drops)
	}
}

func TestDevice_RealTimeHonorsContext(t *testing.T) {
	dev := NewDevice(NewPlant(1, time.Second, 0), Config{FrameInterval: time.Hour, RealTime: true})
	dev.BeginAcquisition()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := dev.NextFrame(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}
