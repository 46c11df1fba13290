package frame

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-visualservo/internal/log"
)

// fakeDevice hands out frames from a queue. An empty queue blocks until
// ctx is done.
type fakeDevice struct {
	mu sync.Mutex

	frames  []*Frame
	nextErr error

	initErr  error
	beginErr error
	endErr   error

	inits, deinits, begins, ends int
	releasedSeqs                 []uint64
}

func (d *fakeDevice) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inits++
	return d.initErr
}

func (d *fakeDevice) DeInit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deinits++
	return nil
}

func (d *fakeDevice) BeginAcquisition() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.begins++
	return d.beginErr
}

func (d *fakeDevice) EndAcquisition() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ends++
	return d.endErr
}

func (d *fakeDevice) NextFrame(ctx context.Context) (*Frame, error) {
	d.mu.Lock()
	if d.nextErr != nil {
		err := d.nextErr
		d.mu.Unlock()
		return nil, err
	}
	if len(d.frames) > 0 {
		f := d.frames[0]
		d.frames = d.frames[1:]
		d.mu.Unlock()
		return f, nil
	}
	d.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (d *fakeDevice) Release(f *Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releasedSeqs = append(d.releasedSeqs, f.Sequence)
	return nil
}

func newTestSource(dev Device) *Source {
	return NewSource(dev, WithAcquireTimeout(20*time.Millisecond), WithLogger(log.Discard()))
}

func TestSource_NextBeforeStart(t *testing.T) {
	src := newTestSource(&fakeDevice{})

	_, err := src.Next(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSource_StartOpensDevice(t *testing.T) {
	dev := &fakeDevice{}
	src := newTestSource(dev)

	require.NoError(t, src.Start())
	require.NoError(t, src.Start())

	assert.Equal(t, 1, dev.inits)
	assert.Equal(t, 1, dev.begins)
	assert.True(t, src.Started())
}

func TestSource_StartFailureIsDeviceError(t *testing.T) {
	boom := errors.New("no camera")
	dev := &fakeDevice{beginErr: boom}
	src := newTestSource(dev)

	err := src.Start()

	var de *DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "begin", de.Op)
	assert.ErrorIs(t, err, boom)
	assert.False(t, src.Started())

	// Stop is a no-op when acquisition never began.
	require.NoError(t, src.Stop())
	assert.Equal(t, 0, dev.ends)
}

func TestSource_InitFailure(t *testing.T) {
	src := newTestSource(&fakeDevice{initErr: errors.New("sdk")})

	err := src.Open()
	assert.True(t, IsDeviceError(err))
}

func TestSource_NextAndRelease(t *testing.T) {
	dev := &fakeDevice{frames: []*Frame{
		{Sequence: 1, Complete: true, Buffer: Bytes("a")},
		{Sequence: 2, Complete: false, Status: StatusPacketLoss},
	}}
	src := newTestSource(dev)
	require.NoError(t, src.Start())

	f1, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), f1.Data())

	f2, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, f2.Complete, "incomplete frames are delivered, not dropped")
	assert.EqualValues(t, 2, src.Outstanding())

	require.NoError(t, src.Release(f1))
	require.NoError(t, src.Release(f2))

	assert.EqualValues(t, 0, src.Outstanding())
	assert.Equal(t, []uint64{1, 2}, dev.releasedSeqs)
	assert.Equal(t, Counts{Acquired: 2, Released: 2}, src.Counts())
}

func TestSource_DoubleReleaseIsNoOp(t *testing.T) {
	dev := &fakeDevice{frames: []*Frame{{Sequence: 7, Complete: true}}}
	src := newTestSource(dev)
	require.NoError(t, src.Start())

	f, err := src.Next(context.Background())
	require.NoError(t, err)

	require.NoError(t, src.Release(f))
	assert.ErrorIs(t, src.Release(f), ErrDoubleRelease)

	assert.Len(t, dev.releasedSeqs, 1)
	assert.EqualValues(t, 1, src.Counts().Released)
	assert.True(t, f.Released())
}

func TestSource_AcquireTimeout(t *testing.T) {
	src := newTestSource(&fakeDevice{})
	require.NoError(t, src.Start())

	start := time.Now()
	_, err := src.Next(context.Background())

	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.False(t, IsDeviceError(err), "timeouts are not fatal")
	assert.Less(t, time.Since(start), time.Second)
}

func TestSource_CancelWhileBlocked(t *testing.T) {
	src := NewSource(&fakeDevice{}, WithAcquireTimeout(time.Minute), WithLogger(log.Discard()))
	require.NoError(t, src.Start())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSource_DeviceFailureIsFatal(t *testing.T) {
	src := newTestSource(&fakeDevice{nextErr: errors.New("usb unplugged")})
	require.NoError(t, src.Start())

	_, err := src.Next(context.Background())

	var de *DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "acquire", de.Op)
}

func TestSource_StopOnce(t *testing.T) {
	dev := &fakeDevice{endErr: errors.New("stuck")}
	src := newTestSource(dev)
	require.NoError(t, src.Start())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Error(t, src.Stop())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, dev.ends)
	assert.ErrorIs(t, src.Start(), ErrClosed)
}

func TestSource_CloseStopsAndDeinits(t *testing.T) {
	dev := &fakeDevice{}
	src := newTestSource(dev)
	require.NoError(t, src.Start())

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	assert.Equal(t, 1, dev.ends)
	assert.Equal(t, 1, dev.deinits)
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "packet_loss", StatusText(StatusPacketLoss))
	assert.Equal(t, "status_99", StatusText(99))
}
