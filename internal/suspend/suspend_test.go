package suspend

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

type countingApplier struct {
	calls atomic.Int32
	err   error
}

func (a *countingApplier) ApplyCurrentConfig(context.Context) error {
	a.calls.Add(1)
	return a.err
}

func sleepSignal(sleeping bool) *dbus.Signal {
	return &dbus.Signal{
		Path: logindPath,
		Name: logindInterface + "." + prepareForSleep,
		Body: []interface{}{sleeping},
	}
}

func TestResumeReappliesConfig(t *testing.T) {
	applier := &countingApplier{}

	handle(context.Background(), sleepSignal(true), applier)
	assert.Equal(t, int32(0), applier.calls.Load())

	handle(context.Background(), sleepSignal(false), applier)
	assert.Equal(t, int32(1), applier.calls.Load())
}

func TestIgnoresUnrelatedSignals(t *testing.T) {
	applier := &countingApplier{}

	handle(context.Background(), nil, applier)
	handle(context.Background(), &dbus.Signal{Name: "org.freedesktop.login1.Manager.SessionNew", Body: []interface{}{false}}, applier)
	handle(context.Background(), &dbus.Signal{Name: logindInterface + "." + prepareForSleep, Body: []interface{}{"no"}}, applier)

	assert.Equal(t, int32(0), applier.calls.Load())
}

func TestApplyFailureIsNotFatal(t *testing.T) {
	applier := &countingApplier{err: assert.AnError}

	handle(context.Background(), sleepSignal(false), applier)
	handle(context.Background(), sleepSignal(false), applier)

	assert.Equal(t, int32(2), applier.calls.Load())
}

func TestWatchStopsOnContextOrClose(t *testing.T) {
	applier := &countingApplier{}
	signals := make(chan *dbus.Signal, 2)
	signals <- sleepSignal(false)
	close(signals)

	done := make(chan struct{})
	go func() {
		watch(context.Background(), signals, applier)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after the channel closed")
	}
	assert.Equal(t, int32(1), applier.calls.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	watch(ctx, make(chan *dbus.Signal), applier)
}
