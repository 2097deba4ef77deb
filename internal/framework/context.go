package framework

import (
	"fmt"

	"github.com/zjrosen/modkit/internal/props"
	"github.com/zjrosen/modkit/internal/service"
)

// Context is a bundle's view of the framework. Everything registered, used
// or listened to through it belongs to the bundle and is cleaned up when
// the bundle stops. A Context is valid from the moment the bundle starts
// starting until it has stopped.
type Context struct {
	bundle *Bundle
}

func (c *Context) check() error {
	b := c.bundle
	b.mu.Lock()
	ok := b.state.hasContext() && b.ctx == c
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: context of %s is no longer valid", ErrBundleState, b.name)
	}
	return nil
}

// Bundle is the bundle the context belongs to.
func (c *Context) Bundle() *Bundle { return c.bundle }

// Framework returns the owning framework.
func (c *Context) Framework() *Framework { return c.bundle.fw }

func (c *Context) registry() *service.Registry { return c.bundle.fw.registry }

// RegisterService publishes services, keyed by interface name, on behalf
// of the bundle.
func (c *Context) RegisterService(services map[string]any, p props.Properties) (*service.Registration, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.registry().RegisterService(c.bundle, services, p)
}

// GetServiceReferences looks services up by interface name and filter.
func (c *Context) GetServiceReferences(class, filter string) ([]service.Reference, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.registry().GetServiceReferences(class, filter)
}

// GetServiceReference returns the best ranked service for class, or the
// zero Reference.
func (c *Context) GetServiceReference(class string) service.Reference {
	if c.check() != nil {
		return service.Reference{}
	}
	return c.registry().GetServiceReference(class)
}

// GetService fetches the service objects of ref and records the use.
func (c *Context) GetService(ref service.Reference) map[string]any {
	if c.check() != nil {
		return nil
	}
	return c.registry().GetService(c.bundle, ref)
}

func (c *Context) UngetService(ref service.Reference) bool {
	if c.check() != nil {
		return false
	}
	return c.registry().UngetService(c.bundle, ref)
}

// AddServiceListener registers l for services matching filter.
func (c *Context) AddServiceListener(l service.Listener, filter string) (service.Token, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	return c.registry().AddServiceListener(c.bundle, l, filter)
}

func (c *Context) RemoveListener(tok service.Token) {
	c.registry().RemoveServiceListener(c.bundle, tok)
}

// AddBundleListener registers l for bundle lifecycle events. The returned
// token removes it.
func (c *Context) AddBundleListener(l BundleListener) (int64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	return c.bundle.fw.addBundleListener(c.bundle, l), nil
}

func (c *Context) RemoveBundleListener(tok int64) bool {
	return c.bundle.fw.removeBundleListener(c.bundle, tok)
}

// Bundles lists every installed bundle.
func (c *Context) Bundles() []*Bundle { return c.bundle.fw.Bundles() }

// FindBundles lists the bundles whose headers match filter.
func (c *Context) FindBundles(filter string) ([]*Bundle, error) {
	return c.bundle.fw.FindBundles(filter)
}

// Property reads a framework property, then falls back to the bundle's
// own headers.
func (c *Context) Property(key string) props.Value {
	if v, ok := c.bundle.fw.Properties().Find(key, false); ok {
		return v
	}
	v, _ := c.bundle.headers.Find(key, false)
	return v
}
