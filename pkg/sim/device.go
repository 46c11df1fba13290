package sim

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-visualservo/pkg/frame"
)

// Meta keys attached to simulated frames.
const (
	MetaPosition = "position" // measured position including noise
	MetaTruth    = "truth"    // noise-free position
	MetaCommand  = "command"  // actuator input when the frame was taken
)

// ErrNotAcquiring is returned by NextFrame outside Begin/EndAcquisition.
var ErrNotAcquiring = errors.New("sim: acquisition not running")

// Config describes the simulated rig.
type Config struct {
	Gain          float64       `yaml:"gain" json:"gain"`
	TimeConstant  time.Duration `yaml:"time_constant" json:"time_constant"`
	Start         float64       `yaml:"start" json:"start"`
	FrameInterval time.Duration `yaml:"frame_interval" json:"frame_interval"`
	DropRate      float64       `yaml:"drop_rate" json:"drop_rate"` // fraction of incomplete frames
	Noise         float64       `yaml:"noise" json:"noise"`         // stddev added to the measurement
	Seed          int64         `yaml:"seed" json:"seed"`

	// RealTime paces frames at FrameInterval. When false frames are
	// produced as fast as they are requested, useful in tests.
	RealTime bool `yaml:"real_time" json:"real_time"`
}

// DefaultConfig returns a 100 fps camera over a 200ms stage.
func DefaultConfig() Config {
	return Config{
		Gain:          1,
		TimeConstant:  200 * time.Millisecond,
		FrameInterval: 10 * time.Millisecond,
		DropRate:      0.02,
		Noise:         0.05,
		Seed:          1,
		RealTime:      true,
	}
}

// Device is a frame.Device that photographs a Plant.
type Device struct {
	cfg   Config
	plant *Plant

	mu        sync.Mutex
	rng       *rand.Rand
	acquiring bool
	next      time.Time
	seq       uint64

	outstanding atomic.Int64
}

// NewDevice creates a simulated camera over plant.
func NewDevice(plant *Plant, cfg Config) *Device {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultConfig().FrameInterval
	}
	return &Device{cfg: cfg, plant: plant, rng: rand.New(rand.NewSource(cfg.Seed))}
}

func (d *Device) Init() error   { return nil }
func (d *Device) DeInit() error { return nil }

func (d *Device) BeginAcquisition() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquiring = true
	d.next = time.Now()
	return nil
}

func (d *Device) EndAcquisition() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquiring = false
	return nil
}

// NextFrame advances the plant by one frame interval and returns a frame
// carrying the measurement in Meta.
func (d *Device) NextFrame(ctx context.Context) (*frame.Frame, error) {
	d.mu.Lock()
	if !d.acquiring {
		d.mu.Unlock()
		return nil, ErrNotAcquiring
	}
	d.next = d.next.Add(d.cfg.FrameInterval)
	wait := time.Until(d.next)
	if !d.cfg.RealTime || wait < 0 {
		wait = 0
		if d.cfg.RealTime {
			d.next = time.Now()
		}
	}
	d.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	truth := d.plant.Step(d.cfg.FrameInterval)

	d.mu.Lock()
	d.seq++
	f := &frame.Frame{
		Format:    frame.FormatRaw,
		Sequence:  d.seq,
		Timestamp: time.Now(),
		Complete:  true,
	}
	if d.cfg.DropRate > 0 && d.rng.Float64() < d.cfg.DropRate {
		f.Complete = false
		f.Status = frame.StatusSimDropped
	}
	measured := truth
	if d.cfg.Noise > 0 {
		measured += d.rng.NormFloat64() * d.cfg.Noise
	}
	d.mu.Unlock()

	f.Meta = map[string]float64{
		MetaPosition: measured,
		MetaTruth:    truth,
		MetaCommand:  d.plant.Command(),
	}
	d.outstanding.Add(1)
	return f, nil
}

func (d *Device) Release(*frame.Frame) error {
	d.outstanding.Add(-1)
	return nil
}

// Outstanding returns frames handed out and not yet released.
func (d *Device) Outstanding() int64 {
	return d.outstanding.Load()
}

// Actuator drives a Plant with the controller output.
type Actuator struct {
	plant *Plant
}

// NewActuator creates an actuator for plant.
func NewActuator(plant *Plant) *Actuator {
	return &Actuator{plant: plant}
}

func (a *Actuator) Apply(_ context.Context, output float64) error {
	a.plant.SetCommand(output)
	return nil
}
