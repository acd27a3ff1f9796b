package frontend

import (
	"context"
	"time"

	"github.com/DXTimer/pdns/internal/backend"
)

// worker owns a slice of the client connections and the downstream
// connection cache they share. Connections arrive over the worker's channel
// in accept order; the cleanup ticker sweeps dead cached backend sockets.
type worker struct {
	id    int
	srv   *Server
	ch    chan *ConnectionInfo
	cache *backend.Cache
}

func newWorker(id int, srv *Server) *worker {
	return &worker{
		id:    id,
		srv:   srv,
		ch:    make(chan *ConnectionInfo, 128),
		cache: backend.NewCache(srv.tuning.MaxCachedPerBackend),
	}
}

func (w *worker) run(ctx context.Context) {
	interval := w.srv.tuning.DownstreamCleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ci := <-w.ch:
			w.srv.queued.Add(-1)
			w.srv.metrics.SetQueuedConnections(w.srv.queued.Load())

			ci.Listener.currentConns.Add(1)
			w.srv.metrics.ConnectionOpened(ci.Listener.Addr)

			c := newConn(ci, w)
			go c.run()
		case <-ticker.C:
			w.cache.CleanupClosed()
		}
	}
}
