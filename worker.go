package marionette

import (
	"io"
	"time"
)

// Worker bundles a running Server with its local registration and its
// network advertisement, so a host plugin can stand everything up and
// tear everything down through one object.
type Worker struct {
	server *Server
	desc   ServiceDescriptor
	reg    *Registry
	advert io.Closer
}

// StartWorker starts srv non-blocking (host main threads stay
// untouched), completes desc with the bound port and the standard system
// metadata, registers it in reg (DefaultRegistry when nil) and, when disc
// is non-nil, advertises it on the network.
//
// Advertisement failure is logged and swallowed: a worker that cannot
// announce itself is degraded, not broken. A bind or registration failure
// unwinds everything and is returned.
func StartWorker(srv *Server, desc ServiceDescriptor, disc *Discovery, reg *Registry, ttl time.Duration) (*Worker, error) {
	port, err := srv.Start(desc.Host, desc.Port, false)
	if err != nil {
		return nil, err
	}
	desc.Port = port
	desc.Metadata = MergeMetadata(SystemMetadata(), desc.Metadata)

	if reg == nil {
		reg = DefaultRegistry
	}
	if err := reg.Register(desc, ttl); err != nil {
		srv.Stop(0)
		return nil, err
	}

	w := &Worker{
		server: srv,
		desc:   desc,
		reg:    reg,
	}

	if disc != nil {
		advert, err := disc.Advertise(desc)
		if err != nil {
			srv.logger.Warn("worker is up but not advertised", LabelError.L(err))
		} else {
			w.advert = advert
		}
	}
	return w, nil
}

func (w *Worker) Descriptor() ServiceDescriptor {
	return w.desc
}

func (w *Worker) Server() *Server {
	return w.server
}

// Stop unwinds in reverse order: stop advertising so nobody new finds the
// worker, drop the local registration, then stop the server with the
// given drain budget.
func (w *Worker) Stop(drain time.Duration) error {
	if w.advert != nil {
		w.advert.Close()
		w.advert = nil
	}
	w.reg.Unregister(w.desc)
	return w.server.Stop(drain)
}
