// Package libvirt provides a client wrapper for the local libvirt daemon.
//
// This package wraps github.com/digitalocean/go-libvirt to provide
// connection management (connect, disconnect, ping) over the qemu:///system
// UNIX domain socket, while exposing the underlying *libvirt.Libvirt for
// packages that need direct access to the libvirt API.
//
// Connection Management:
//
//	client, err := libvirt.Connect("", 0)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	// Check connection
//	if err := client.Ping(); err != nil {
//	    return err
//	}
//
// Consumer-Side Interfaces:
//
// This package does not define interfaces. Instead, consumers (internal/vm)
// define their own libvirtClient interfaces specifying only the operations
// they need. The *libvirt.Libvirt type satisfies these interfaces implicitly,
// enabling clean dependency injection.
//
// Domain XML is not built here: internal/domxml constructs and inspects
// device XML, and the orchestration path drives virsh through a run.Runner.
package libvirt
