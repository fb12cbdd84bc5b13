package dispatch

import (
	"context"
	"errors"
	"strings"

	"roadside/internal/events"
	"roadside/internal/metrics"
	"roadside/internal/model"
	"roadside/internal/store"
)

// MechanicInput is a mechanic profile update.
type MechanicInput struct {
	ID          string
	Name        string
	Location    *model.Location
	IsActive    bool
	IsAvailable bool
	PushToken   string
}

// UpsertMechanic creates or replaces the dispatch view of a mechanic.
func (c *Coordinator) UpsertMechanic(ctx context.Context, actor model.Actor, in MechanicInput) (model.Mechanic, error) {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return model.Mechanic{}, model.Validationf("mechanic id is required")
	}
	if !actor.IsAdmin() && !(actor.Role == model.RoleMechanic && actor.ID == in.ID) {
		return model.Mechanic{}, model.Forbiddenf("cannot edit mechanic %s", in.ID)
	}
	if in.Location != nil {
		if err := validateLocation(*in.Location); err != nil {
			return model.Mechanic{}, err
		}
	}
	m, err := c.store.UpsertMechanic(ctx, model.Mechanic{
		ID:          in.ID,
		Name:        in.Name,
		Location:    in.Location,
		IsActive:    in.IsActive,
		IsAvailable: in.IsAvailable,
	})
	if err != nil {
		return model.Mechanic{}, model.Dependency("mechanic store", err)
	}
	c.locate(ctx, m.ID, m.Location)
	if in.PushToken != "" {
		if err := c.store.SetPushToken(ctx, events.MechanicChannel(m.ID), in.PushToken); err != nil {
			c.log.Warnf("store push token for %s: %v", m.ID, err)
		}
	}
	return m, nil
}

// Heartbeat keeps a mechanic in the available pool and optionally moves them.
func (c *Coordinator) Heartbeat(ctx context.Context, mechanicID string, loc *model.Location) error {
	if loc != nil {
		if err := validateLocation(*loc); err != nil {
			return err
		}
		err := c.store.UpdateMechanicLocation(ctx, mechanicID, *loc)
		if errors.Is(err, store.ErrNotFound) {
			return model.NotFoundf("mechanic %s not found", mechanicID)
		}
		if err != nil {
			return model.Dependency("mechanic store", err)
		}
		c.locate(ctx, mechanicID, loc)
	}
	if c.presence == nil {
		return nil
	}
	if err := c.presence.Heartbeat(ctx, mechanicID); err != nil {
		return model.Dependency("presence registry", err)
	}
	c.refreshPresenceGauge(ctx)
	return nil
}

// GoOffline removes a mechanic from the available pool.
func (c *Coordinator) GoOffline(ctx context.Context, mechanicID string) error {
	if c.presence == nil {
		return nil
	}
	if err := c.presence.Leave(ctx, mechanicID); err != nil {
		return model.Dependency("presence registry", err)
	}
	c.refreshPresenceGauge(ctx)
	return nil
}

// RegisterDevice stores the caller's push token.
func (c *Coordinator) RegisterDevice(ctx context.Context, actor model.Actor, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.Validationf("token is required")
	}
	target := events.UserChannel(actor.ID)
	if actor.Role == model.RoleMechanic {
		target = events.MechanicChannel(actor.ID)
	}
	if err := c.store.SetPushToken(ctx, target, token); err != nil {
		return model.Dependency("device store", err)
	}
	return nil
}

func (c *Coordinator) locate(ctx context.Context, mechanicID string, loc *model.Location) {
	if c.locator == nil || loc == nil {
		return
	}
	if err := c.locator.Locate(ctx, mechanicID, *loc); err != nil {
		c.log.Warnf("geo index locate %s: %v", mechanicID, err)
	}
}

func (c *Coordinator) refreshPresenceGauge(ctx context.Context) {
	ids, err := c.presence.Members(ctx)
	if err != nil {
		return
	}
	metrics.PresentMechanics.Set(float64(len(ids)))
}
