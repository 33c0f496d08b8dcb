// Package queue implements the device side of a split virtqueue as described
// in the virtio 1.2 specification, section 2.7. The descriptor table and both
// rings live in guest memory at addresses chosen by the driver; this package
// only builds views over that memory and never allocates ring memory itself.
//
// Every value read from guest memory is treated as untrusted.
package queue
