// Package app wires the callkit daemon: SIP backend, session registry,
// command router, event broadcasting, and the HTTP API.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/sebas/callkit/internal/callkit/api"
	"github.com/sebas/callkit/internal/callkit/config"
	"github.com/sebas/callkit/internal/callkit/dispatch"
	"github.com/sebas/callkit/internal/callkit/events"
	"github.com/sebas/callkit/internal/callkit/prefs"
	"github.com/sebas/callkit/internal/callkit/session"
	"github.com/sebas/callkit/internal/callkit/sipbackend"
	"github.com/sebas/callkit/internal/callkit/telecom"
	"github.com/sebas/callkit/internal/callkit/visibility"
	"github.com/sebas/callkit/internal/callkit/voip"
)

// Daemon holds the assembled components of the callkit service.
type Daemon struct {
	cfg         *config.Config
	backend     *sipbackend.Backend
	registry    *session.Registry
	broadcaster *events.Broadcaster
	chanPub     *events.ChanPublisher
	platform    *telecom.Local
	names       *prefs.Memory
	factory     *dispatch.Factory
	router      *dispatch.Router
	vis         *visibility.Controller
	apiServer   *api.Server
}

// NewDaemon assembles the service from configuration.
func NewDaemon(cfg *config.Config) (*Daemon, error) {
	registry := session.NewRegistry()

	nodeID, err := os.Hostname()
	if err != nil || nodeID == "" {
		nodeID = "callkit"
	}

	var pub events.Publisher
	var chanPub *events.ChanPublisher
	if cfg.EventBufferSize > 0 {
		chanPub = events.NewChanPublisher(cfg.EventBufferSize)
		pub = chanPub
	} else {
		pub = events.NewLoggingPublisher(slog.Default())
	}
	broadcaster := events.NewBroadcaster(nodeID, pub)

	backend, err := sipbackend.NewBackend(sipbackend.Config{
		BindAddr:      cfg.BindAddr,
		Port:          cfg.SIPPort,
		AdvertiseAddr: cfg.AdvertiseAddr,
		MediaAddr:     cfg.MediaAddr,
		MediaPort:     cfg.MediaPort,
	})
	if err != nil {
		registry.Close()
		return nil, fmt.Errorf("create SIP backend: %w", err)
	}

	platform := telecom.NewLocal()
	names := prefs.NewMemory(cfg.DefaultCaller)

	factory := dispatch.NewFactory(backend, registry, platform, names, broadcaster, slog.Default())
	platform.SetHandler(factory)

	router := dispatch.NewRouter(registry, platform, slog.Default())

	vis := visibility.NewController(visibility.LogIndicator{})
	registry.SetOnOccupancyChanged(vis.OnOccupancyChanged)

	// Remote SIP activity enters through the same command path as the API.
	backend.SetInviteHandler(func(inv *voip.Invite) {
		_ = router.Dispatch(context.Background(), dispatch.Command{
			Action: dispatch.ActionIncomingCall,
			Invite: inv,
		})
	})
	backend.SetCancelHandler(func(callID string) {
		_ = router.Dispatch(context.Background(), dispatch.Command{
			Action:          dispatch.ActionCancelInvite,
			CancelledCallID: callID,
		})
	})

	apiServer := api.NewServer(cfg.APIAddr, router, registry)
	if chanPub != nil {
		apiServer.SetDropCounter(chanPub)
	}

	return &Daemon{
		cfg:         cfg,
		backend:     backend,
		registry:    registry,
		broadcaster: broadcaster,
		chanPub:     chanPub,
		platform:    platform,
		names:       names,
		factory:     factory,
		router:      router,
		vis:         vis,
		apiServer:   apiServer,
	}, nil
}

// Router exposes the command router, for embedding callers.
func (d *Daemon) Router() *dispatch.Router {
	return d.router
}

// Registry exposes the session registry, for embedding callers.
func (d *Daemon) Registry() *session.Registry {
	return d.registry
}

// Names exposes the display name resolver so callers can register
// address-to-name mappings.
func (d *Daemon) Names() *prefs.Memory {
	return d.names
}

// Start launches the API server and the SIP listener. Blocks until ctx
// is canceled or the listener fails.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.apiServer.Start(); err != nil {
		return err
	}

	if d.chanPub != nil {
		go d.drainEvents(ctx)
	}

	return d.backend.Start(ctx)
}

// drainEvents logs published events so the channel never backs up when
// no external consumer is attached.
func (d *Daemon) drainEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.chanPub.Events():
			if !ok {
				return
			}
			slog.Debug("Event",
				"subject", ev.Subject(),
				"event_id", ev.EventID,
				"call_id", ev.CallID)
		}
	}
}

// Close hangs up live sessions and releases all components. The command
// sources (API, SIP listener) stop before the broadcaster so shutdown-time
// transitions can still emit their events.
func (d *Daemon) Close() error {
	if err := d.apiServer.Stop(); err != nil {
		slog.Warn("API server close failed", "error", err)
	}

	// Collect first: disconnect hooks remove sessions from the registry,
	// which must not happen while iterating it.
	var live []*session.Session
	d.registry.ForEach(func(s *session.Session) bool {
		live = append(live, s)
		return true
	})
	for _, s := range live {
		if s.IsTerminated() {
			continue
		}
		if err := s.Disconnect(context.Background()); err != nil {
			slog.Warn("Shutdown hangup failed", "call_id", s.CallID(), "error", err)
		}
	}

	err := d.backend.Close()
	d.registry.Close()
	if cerr := d.broadcaster.Close(); cerr != nil {
		slog.Warn("Event publisher close failed", "error", cerr)
	}
	return err
}
