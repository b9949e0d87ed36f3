package fleet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/powerhive/nicehash-bridge/pkg/database"
	"github.com/powerhive/nicehash-bridge/pkg/nicehash"
)

// DefaultSettleDelay is how long hardware is given to change state before
// the snapshot is refreshed.
const DefaultSettleDelay = 20 * time.Second

// Mutator is the write side of nicehash.Client.
type Mutator interface {
	SetRigStatus(ctx context.Context, rigID string, on bool) (*nicehash.StatusResponse, error)
	SetDeviceStatus(ctx context.Context, rigID, deviceID string, on bool) (*nicehash.StatusResponse, error)
	SetPowerMode(ctx context.Context, rigID, deviceID, mode string) (*nicehash.StatusResponse, error)
	SetPowerModeNHQM(ctx context.Context, rigID, deviceID, version, opID string) (*nicehash.StatusResponse, error)
}

// Refresher is the part of the coordinator used after a mutation.
type Refresher interface {
	RequestRefresh()
	Refresh(ctx context.Context) error
}

// ChangeRecorder stores mutation attempts.
type ChangeRecorder interface {
	InsertChange(ctx context.Context, c *database.Change) error
}

// Controller issues rig and device mutations and schedules the follow-up
// refresh.
type Controller struct {
	client    Mutator
	refresher Refresher
	view      *View
	log       zerolog.Logger

	audit   ChangeRecorder
	entryID string

	settle        time.Duration
	async         bool
	confirmWithin time.Duration
	confirmStart  time.Duration
	confirmMax    time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithSettleDelay sets the wait between a mutation and the refresh request.
func WithSettleDelay(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.settle = d
	}
}

// WithAsyncSettle makes mutations return as soon as the API answers; the
// settle wait and refresh happen in the background.
func WithAsyncSettle() ControllerOption {
	return func(c *Controller) {
		c.async = true
	}
}

// WithConfirmWithin replaces the fixed settle delay with polling: the
// snapshot is refreshed with exponential backoff until the hardware reports
// the requested state or timeout elapses.
func WithConfirmWithin(timeout time.Duration) ControllerOption {
	return func(c *Controller) {
		c.confirmWithin = timeout
	}
}

// WithConfirmBackoff sets the first and maximum poll interval used by
// WithConfirmWithin.
func WithConfirmBackoff(first, limit time.Duration) ControllerOption {
	return func(c *Controller) {
		c.confirmStart = first
		c.confirmMax = limit
	}
}

// WithAudit records every mutation attempt for entryID.
func WithAudit(recorder ChangeRecorder, entryID string) ControllerOption {
	return func(c *Controller) {
		c.audit = recorder
		c.entryID = entryID
	}
}

// WithControllerLogger sets the controller logger.
func WithControllerLogger(log zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.log = log
	}
}

// NewController creates a controller.
func NewController(client Mutator, refresher Refresher, view *View, opts ...ControllerOption) *Controller {
	c := &Controller{
		client:       client,
		refresher:    refresher,
		view:         view,
		log:          zerolog.Nop(),
		settle:       DefaultSettleDelay,
		confirmStart: 2 * time.Second,
		confirmMax:   30 * time.Second,
		sleep:        sleepCtx,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetRigPower starts or stops a rig.
func (c *Controller) SetRigPower(ctx context.Context, rigID string, on bool) error {
	_, err := c.client.SetRigStatus(ctx, rigID, on)
	c.record(ctx, rigID, action(on), "", err)

	c.afterMutation(ctx, err, func() bool {
		rig, ok := c.view.Rig(rigID)
		return ok && rig.MinerStatus.Active() == on
	})

	if err != nil {
		return fmt.Errorf("set rig %s status: %w", rigID, err)
	}
	return nil
}

// SetDevicePower starts or stops one device.
func (c *Controller) SetDevicePower(ctx context.Context, rigID, deviceID string, on bool) error {
	_, err := c.client.SetDeviceStatus(ctx, rigID, deviceID, on)
	c.record(ctx, rigID+"/"+deviceID, action(on), "", err)

	c.afterMutation(ctx, err, func() bool {
		_, dev, ok := c.view.Device(rigID, deviceID)
		return ok && dev.Status.EnumName.Active() == on
	})

	if err != nil {
		return fmt.Errorf("set device %s/%s status: %w", rigID, deviceID, err)
	}
	return nil
}

// SetPowerMode resolves mode against the device's current descriptor and
// sends the matching command. Resolution failures are returned without
// contacting the API.
func (c *Controller) SetPowerMode(ctx context.Context, rigID, deviceID, mode string) error {
	_, dev, ok := c.view.Device(rigID, deviceID)
	if !ok {
		return &nicehash.DomainError{
			Kind:    nicehash.KindUnknownTarget,
			Message: fmt.Sprintf("device %s/%s is not in the current snapshot", rigID, deviceID),
		}
	}

	cmd, err := nicehash.ResolvePowerMode(*dev, mode)
	if err != nil {
		return err
	}

	c.log.Info().
		Str("rig_id", rigID).
		Str("device_id", deviceID).
		Str("mode", cmd.Mode).
		Str("version", cmd.Version).
		Str("op", cmd.OperationID).
		Msg("setting power mode")

	target := rigID + "/" + deviceID
	if cmd.Legacy {
		_, err = c.client.SetPowerMode(ctx, rigID, deviceID, cmd.Mode)
		c.record(ctx, target, nicehash.ActionPowerMode, cmd.Mode, err)
	} else {
		_, err = c.client.SetPowerModeNHQM(ctx, rigID, deviceID, cmd.Version, cmd.OperationID)
		c.record(ctx, target, nicehash.ActionNHQMSetOp, fmt.Sprintf("%s V=%s OP=%s", cmd.Mode, cmd.Version, cmd.OperationID), err)
	}

	c.afterMutation(ctx, err, func() bool {
		_, dev, ok := c.view.Device(rigID, deviceID)
		if !ok {
			return false
		}
		if cmd.Legacy {
			return strings.EqualFold(dev.Intensity.EnumName, cmd.Mode)
		}
		d := nicehash.ParsePowerModeDescriptor(dev.NHQM)
		return d.CurrentOperation == cmd.OperationID
	})

	if err != nil {
		return fmt.Errorf("set power mode %s on %s: %w", cmd.Mode, target, err)
	}
	return nil
}

// afterMutation waits for the hardware and asks for a refresh. A failed call
// skips the wait but still refreshes, so the entities reflect reality.
func (c *Controller) afterMutation(ctx context.Context, callErr error, reached func() bool) {
	run := func(ctx context.Context) {
		if callErr != nil {
			c.refresher.RequestRefresh()
			return
		}
		if c.confirmWithin > 0 {
			c.confirm(ctx, reached)
			return
		}
		if err := c.sleep(ctx, c.settle); err != nil {
			c.log.Debug().Err(err).Msg("settle wait interrupted")
		}
		c.refresher.RequestRefresh()
	}

	if c.async {
		go run(context.WithoutCancel(ctx))
		return
	}
	run(ctx)
}

// confirm refreshes with exponential backoff until reached reports true or
// confirmWithin elapses.
func (c *Controller) confirm(ctx context.Context, reached func() bool) {
	deadline := c.now().Add(c.confirmWithin)
	wait := c.confirmStart

	for {
		if remaining := deadline.Sub(c.now()); wait > remaining {
			wait = remaining
		}
		if err := c.sleep(ctx, wait); err != nil {
			c.refresher.RequestRefresh()
			return
		}
		if err := c.refresher.Refresh(ctx); err != nil {
			c.log.Debug().Err(err).Msg("confirm refresh failed")
		} else if reached() {
			return
		}
		if !c.now().Before(deadline) {
			c.log.Warn().Dur("timeout", c.confirmWithin).Msg("state change not observed before timeout")
			return
		}
		wait *= 2
		if wait > c.confirmMax {
			wait = c.confirmMax
		}
	}
}

func (c *Controller) record(ctx context.Context, target, act, detail string, err error) {
	if err != nil {
		c.log.Error().Err(err).Str("target", target).Str("action", act).Msg("mutation failed")
	} else {
		c.log.Info().Str("target", target).Str("action", act).Msg("mutation accepted")
	}

	if c.audit == nil {
		return
	}
	change := &database.Change{
		EntryID:  c.entryID,
		Target:   target,
		Action:   act,
		Detail:   detail,
		Success:  err == nil,
		IssuedAt: c.now(),
	}
	if err != nil {
		change.ErrorMessage = err.Error()
	}
	if auditErr := c.audit.InsertChange(context.WithoutCancel(ctx), change); auditErr != nil {
		c.log.Warn().Err(auditErr).Msg("failed to record change")
	}
}

func action(on bool) string {
	if on {
		return nicehash.ActionStart
	}
	return nicehash.ActionStop
}
