package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/rtcore/rt/core"
)

func TestSetEffect(t *testing.T) {
	f := core.DefaultFeatureFlags()
	require.NoError(t, setEffect(&f, "AO", true))
	require.NoError(t, setEffect(&f, " soft-shadows", false))
	assert.True(t, f.AmbientOcclusion)
	assert.False(t, f.SoftShadows)

	err := setEffect(&f, "bloom", true)
	assert.ErrorContains(t, err, "bloom")
}

func TestEveryEffectHasASetter(t *testing.T) {
	var f core.FeatureFlagSet
	for name := range effects {
		require.NoError(t, setEffect(&f, name, true))
	}
	assert.True(t, f.Spotlight && f.SoftShadows && f.AmbientOcclusion && f.GlobalIllumination)
	assert.True(t, f.Reflections && f.Refraction && f.TemporalDenoise)
}

type scriptedRenderer struct {
	failAt   int
	frameErr error
	closeErr error
	frames   []float64
	closed   int
}

func (s *scriptedRenderer) RenderFrame(_ context.Context, t float64) error {
	if len(s.frames) == s.failAt {
		return s.frameErr
	}
	s.frames = append(s.frames, t)
	return nil
}

func (s *scriptedRenderer) Stats() core.Stats {
	return core.Stats{FramesRendered: uint64(len(s.frames))}
}

func (s *scriptedRenderer) Close(context.Context) error {
	s.closed++
	return s.closeErr
}

func TestRenderAllStepsTime(t *testing.T) {
	r := &scriptedRenderer{failAt: -1}
	stats, err := renderAll(context.Background(), r, 3, 30)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1.0 / 30, 2.0 / 30}, r.frames)
	assert.EqualValues(t, 3, stats.FramesRendered)
	assert.Equal(t, 1, r.closed)
}

func TestRenderAllKeepsCloseErrorOnFailure(t *testing.T) {
	frameErr := errors.New("dispatch failed")
	closeErr := errors.New("wait idle failed")
	r := &scriptedRenderer{failAt: 1, frameErr: frameErr, closeErr: closeErr}

	_, err := renderAll(context.Background(), r, 4, 60)
	require.Error(t, err)
	assert.ErrorIs(t, err, frameErr)
	assert.ErrorIs(t, err, closeErr)
	assert.Equal(t, 1, r.closed)
	assert.Len(t, r.frames, 1)

	r = &scriptedRenderer{failAt: -1, closeErr: closeErr}
	_, err = renderAll(context.Background(), r, 2, 60)
	assert.ErrorIs(t, err, closeErr)
}
