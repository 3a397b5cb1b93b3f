//go:build linux && cgo

// Package runtime is the C3 adapter: it turns a guestmodel.GuestConfig into
// a liblxc container instance and exposes the narrow surface the
// supervisor needs (spec section 4.3). It is the only package that imports
// github.com/lxc/go-lxc.
package runtime

import (
	liblxc "github.com/lxc/go-lxc"
)

// Instance is the opaque handle the supervisor stores in
// guestmodel.Runtime.Instance (as `any`, per the config/runtime split in
// design note 2).
type Instance struct {
	name      string
	container *liblxc.Container
}

// Name returns the guest name this instance was built for.
func (i *Instance) Name() string { return i.name }
