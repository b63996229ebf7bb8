// Package inject provides drivers whose methods can be swapped out per test.
package inject

import (
	"context"

	"go.strokeengine.dev/stroker/components/actuator"
)

// Driver is an injectable actuator driver. Methods without a Func fall through to the embedded
// Driver.
type Driver struct {
	actuator.Driver
	EnableFunc      func(ctx context.Context) error
	DisableFunc     func(ctx context.Context) error
	HomeFunc        func(ctx context.Context, params actuator.HomingParams, onComplete func(bool)) error
	MoveToFunc      func(ctx context.Context, target actuator.MotionTarget) error
	StopFunc        func(ctx context.Context) error
	PositionFunc    func(ctx context.Context) (float64, error)
	SetPositionFunc func(ctx context.Context, position float64) error
	FaultsFunc      func() <-chan error
	CloseFunc       func(ctx context.Context) error
}

// Enable calls the injected Enable or the real version.
func (d *Driver) Enable(ctx context.Context) error {
	if d.EnableFunc == nil {
		return d.Driver.Enable(ctx)
	}
	return d.EnableFunc(ctx)
}

// Disable calls the injected Disable or the real version.
func (d *Driver) Disable(ctx context.Context) error {
	if d.DisableFunc == nil {
		return d.Driver.Disable(ctx)
	}
	return d.DisableFunc(ctx)
}

// Home calls the injected Home or the real version.
func (d *Driver) Home(ctx context.Context, params actuator.HomingParams, onComplete func(bool)) error {
	if d.HomeFunc == nil {
		return d.Driver.Home(ctx, params, onComplete)
	}
	return d.HomeFunc(ctx, params, onComplete)
}

// MoveTo calls the injected MoveTo or the real version.
func (d *Driver) MoveTo(ctx context.Context, target actuator.MotionTarget) error {
	if d.MoveToFunc == nil {
		return d.Driver.MoveTo(ctx, target)
	}
	return d.MoveToFunc(ctx, target)
}

// Stop calls the injected Stop or the real version.
func (d *Driver) Stop(ctx context.Context) error {
	if d.StopFunc == nil {
		return d.Driver.Stop(ctx)
	}
	return d.StopFunc(ctx)
}

// Position calls the injected Position or the real version.
func (d *Driver) Position(ctx context.Context) (float64, error) {
	if d.PositionFunc == nil {
		return d.Driver.Position(ctx)
	}
	return d.PositionFunc(ctx)
}

// SetPosition calls the injected SetPosition or the real version.
func (d *Driver) SetPosition(ctx context.Context, position float64) error {
	if d.SetPositionFunc == nil {
		return d.Driver.SetPosition(ctx, position)
	}
	return d.SetPositionFunc(ctx, position)
}

// Faults calls the injected Faults or the real version.
func (d *Driver) Faults() <-chan error {
	if d.FaultsFunc == nil {
		return d.Driver.Faults()
	}
	return d.FaultsFunc()
}

// Close calls the injected Close or the real version.
func (d *Driver) Close(ctx context.Context) error {
	if d.CloseFunc == nil {
		if d.Driver == nil {
			return nil
		}
		return d.Driver.Close(ctx)
	}
	return d.CloseFunc(ctx)
}
