package coordinator

import (
	"context"
	"time"

	"github.com/EnMasseProject/enmasse-sub000/internal/models"
	"github.com/EnMasseProject/enmasse-sub000/internal/router"
)

// RunEventLoop reacts to router events and periodically rechecks every
// connected router.
func (c *Coordinator) RunEventLoop(ctx context.Context, events <-chan models.RouterEvent) {
	ticker := time.NewTicker(c.recheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go c.recheck(ctx)
		case event, ok := <-events:
			if !ok {
				return
			}
			c.handleRouterEvent(ctx, event)
		}
	}
}

func (c *Coordinator) handleRouterEvent(ctx context.Context, event models.RouterEvent) {
	r, exists := c.router(event.RouterID)
	if !exists {
		c.log.Debug().Msgf("ignoring %s from unregistered router %s", event.Type, event.RouterID)
		return
	}
	c.log.Debug().Msgf("router %s: %s", event.RouterID, event.Type)

	switch event.Type {
	case models.RouterListenersChanged:
		c.advertise()
		c.checkAll(ctx)
	case models.RouterAddressesChanged, models.RouterConnectorsChanged, models.RouterProvisioned:
		go c.checkRouter(ctx, r)
	case models.RouterDisconnected:
		if r.State() == router.Disconnected {
			c.RouterDisconnected(ctx, r)
		}
	}
}

func (c *Coordinator) recheck(ctx context.Context) {
	c.mu.Lock()
	routers := make([]*router.Router, 0, len(c.connected))
	for _, r := range c.connected {
		routers = append(routers, r)
	}
	c.mu.Unlock()

	for _, r := range routers {
		r.Client().LogInfo()
		err := r.RefreshListeners(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msgf("failed to refresh listeners of router %s", r.ID())
		}
		err = r.RefreshConnectors(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msgf("failed to refresh connectors of router %s", r.ID())
		}
	}
	c.checkAll(ctx)
}

// StartHandleMembershipChanges forgets the routers of peer coordinators that
// left the gossip cluster.
func (c *Coordinator) StartHandleMembershipChanges(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, opened := <-c.membershipEvents:
			if !opened {
				return
			}
			switch event.Type {
			case models.MemberShipDead:
				c.PeerLeft(ctx, event.From)
			case models.MemberShipNew:
				c.log.Info().Msgf("peer coordinator %s joined", event.From)
			case models.MemberShipUnknown:
				continue
			}
		}
	}
}
