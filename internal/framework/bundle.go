package framework

import (
	"fmt"
	"sync"

	"github.com/zjrosen/modkit/internal/log"
	"github.com/zjrosen/modkit/internal/props"
)

// Bundle is an installed unit. It satisfies service.Bundle, so it owns the
// registrations, uses and listeners made through its Context.
type Bundle struct {
	id        int64
	name      string
	headers   props.Properties
	activator Activator
	fw        *Framework

	mu    sync.Mutex
	state State
	ctx   *Context
}

func (b *Bundle) ID() int64 { return b.id }
func (b *Bundle) SymbolicName() string { return b.name }

// Version is the bundle.version header.
func (b *Bundle) Version() string {
	v, _ := b.headers.Find(props.BundleVersion, false)
	s, _ := v.AsString()
	return s
}

// Headers returns a copy of the bundle's headers.
func (b *Bundle) Headers() props.Properties { return b.headers.Clone() }

func (b *Bundle) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Context returns the bundle's context while it is starting, active or
// stopping, and nil otherwise.
func (b *Bundle) Context() *Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.hasContext() {
		return nil
	}
	return b.ctx
}

func (b *Bundle) String() string {
	if b == nil {
		return "<no bundle>"
	}
	return fmt.Sprintf("%s [%d]", b.name, b.id)
}

func (b *Bundle) transition(from, to State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != from || !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s is %s, cannot move to %s", ErrBundleState, b.name, b.state, to)
	}
	b.state = to
	if !to.hasContext() {
		b.ctx = nil
	}
	return nil
}

// Start runs the activator. Starting an active bundle does nothing. If the
// activator fails, everything the bundle registered is withdrawn and the
// bundle is left installed.
func (b *Bundle) Start() error {
	b.mu.Lock()
	switch b.state {
	case StateUninstalled:
		b.mu.Unlock()
		return fmt.Errorf("start %s: %w", b.name, ErrUninstalled)
	case StateActive:
		b.mu.Unlock()
		return nil
	case StateStarting, StateStopping:
		st := b.state
		b.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrBundleState, b.name, st)
	}
	b.state = StateStarting
	ctx := &Context{bundle: b}
	b.ctx = ctx
	b.mu.Unlock()

	fw := b.fw
	fw.fireBundle(BundleStarting, b)

	if err := b.call(func() error { return b.activator.Start(ctx) }); err != nil {
		fw.cleanup(b)
		_ = b.transition(StateStarting, StateInstalled)
		fw.logger.ErrorErr(log.CatBundle, "bundle failed to start", err, "bundle", b.name)
		fw.publish(TopicFramework, Event{Kind: EventError, Bundle: b, Err: err})
		fw.fireBundle(BundleStopped, b)
		return fmt.Errorf("start %s: %w", b.name, err)
	}

	if err := b.transition(StateStarting, StateActive); err != nil {
		return err
	}
	fw.logger.Info(log.CatBundle, "bundle started", "bundle", b.name, "id", b.id)
	fw.fireBundle(BundleStarted, b)
	return nil
}

// Stop runs the activator's Stop and then withdraws the bundle's services,
// releases what it used and removes its listeners. Cleanup happens even if
// the activator fails. Stopping a bundle that is not active does nothing.
func (b *Bundle) Stop() error {
	b.mu.Lock()
	switch b.state {
	case StateUninstalled:
		b.mu.Unlock()
		return fmt.Errorf("stop %s: %w", b.name, ErrUninstalled)
	case StateInstalled:
		b.mu.Unlock()
		return nil
	case StateStarting, StateStopping:
		st := b.state
		b.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrBundleState, b.name, st)
	}
	b.state = StateStopping
	ctx := b.ctx
	b.mu.Unlock()

	fw := b.fw
	fw.fireBundle(BundleStopping, b)

	err := b.call(func() error { return b.activator.Stop(ctx) })
	if err != nil {
		fw.logger.ErrorErr(log.CatBundle, "bundle stop failed", err, "bundle", b.name)
		fw.publish(TopicFramework, Event{Kind: EventError, Bundle: b, Err: err})
	}

	fw.cleanup(b)
	if terr := b.transition(StateStopping, StateInstalled); terr != nil {
		return terr
	}
	fw.logger.Info(log.CatBundle, "bundle stopped", "bundle", b.name, "id", b.id)
	fw.fireBundle(BundleStopped, b)

	if err != nil {
		return fmt.Errorf("stop %s: %w", b.name, err)
	}
	return nil
}

// Uninstall stops the bundle if needed and removes it from the framework.
// The system bundle cannot be uninstalled.
func (b *Bundle) Uninstall() error {
	if b.id == 0 {
		return fmt.Errorf("%w: the system bundle cannot be uninstalled", ErrBundleState)
	}
	if b.State() == StateActive {
		if err := b.Stop(); err != nil {
			b.fw.logger.Warn(log.CatBundle, "stop before uninstall failed", "bundle", b.name, "error", err)
		}
	}
	if b.State() == StateUninstalled {
		return fmt.Errorf("uninstall %s: %w", b.name, ErrUninstalled)
	}
	if err := b.transition(StateInstalled, StateUninstalled); err != nil {
		return err
	}
	b.fw.forget(b)
	b.fw.logger.Debug(log.CatBundle, "bundle uninstalled", "bundle", b.name, "id", b.id)
	b.fw.fireBundle(BundleUninstalled, b)
	return nil
}

// call runs an activator method, turning a panic into an error. Bundles
// without an activator always succeed.
func (b *Bundle) call(fn func() error) (err error) {
	if b.activator == nil {
		return nil
	}
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("activator panicked: %v", v)
		}
	}()
	return fn()
}
