// Package vm provides read access to virtual machines over the local
// libvirt RPC socket.
//
// This is the fast path for listing VMs and their state on the machine
// anvil itself runs on. Managing VMs on a remote hypervisor goes through
// internal/hypervisor instead, which shells out over a run.Runner rather
// than speaking the libvirt wire protocol.
//
// Context Support:
//
// All operations accept a context.Context for cancellation support.
package vm
