package main

import (
	"context"
	"log/slog"
	"sync"

	"scuttlechat/internal/discovery"
	"scuttlechat/internal/eventbus"
	"scuttlechat/internal/health"
	"scuttlechat/internal/peeraddr"
	"scuttlechat/internal/peermanager"
)

// discoveryController owns the announcer/listener pair for one run of
// LAN discovery and knows how to tear it down and start a fresh one,
// so it can serve as a health.ActionExecutor for ActionRestartDiscovery.
type discoveryController struct {
	self peeraddr.PeerAddress
	port int

	bus     *eventbus.Bus
	manager *peermanager.Manager

	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDiscoveryController(self peeraddr.PeerAddress, port int, bus *eventbus.Bus, manager *peermanager.Manager) *discoveryController {
	return &discoveryController{
		self:    self,
		port:    port,
		bus:     bus,
		manager: manager,
		logger:  slog.Default().With("component", "discovery_controller"),
	}
}

// Start launches the announcer and listener under a child of parent.
func (d *discoveryController) Start(parent context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startLocked(parent)
}

func (d *discoveryController) startLocked(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel

	announcer := discovery.NewAnnouncer(d.self, d.port)
	listener := discovery.NewListener(d.self, d.port)
	listener.Discovered = d.onDiscovered

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := announcer.Run(ctx); err != nil {
			d.logger.Warn("announcer stopped", "error", err)
		}
	}()
	go func() {
		defer d.wg.Done()
		if err := listener.Run(ctx); err != nil {
			d.logger.Warn("listener stopped", "error", err)
		}
	}()
}

func (d *discoveryController) onDiscovered(addr peeraddr.PeerAddress) {
	d.bus.Publish(eventbus.Event{Kind: eventbus.KindPeerDiscovered, Peer: addr})

	feedID := addr.FeedID()
	if _, live := d.manager.Peer(feedID); live {
		return
	}
	go func() {
		if err := d.manager.Connect(addr); err != nil {
			d.logger.Debug("connect attempt failed", "peer", feedID, "error", err)
		}
	}()
}

// Stop halts the current announcer/listener pair.
func (d *discoveryController) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// ExecuteAction implements health.ActionExecutor: a restart request
// cancels the running announcer/listener pair and starts a fresh one.
func (d *discoveryController) ExecuteAction(action health.Action) error {
	if action != health.ActionRestartDiscovery {
		return nil
	}

	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("restarting discovery")
	d.startLocked(context.Background())
	return nil
}
