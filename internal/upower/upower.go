// Package upower queries the power source from the UPower daemon.
package upower

import (
	"context"
	"time"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/logger"
	"github.com/godbus/dbus/v5"
)

const (
	busName      = "org.freedesktop.UPower"
	objectPath   = dbus.ObjectPath("/org/freedesktop/UPower")
	iface        = "org.freedesktop.UPower"
	onBatteryKey = "OnBattery"

	queryTimeout = time.Second
)

type Client struct {
	conn *dbus.Conn
	log  logger.Logger
}

func New(conn *dbus.Conn, log logger.Logger) *Client {
	return &Client{conn: conn, log: log}
}

// OnBattery reports whether UPower considers the machine to be on battery.
func (c *Client) OnBattery(ctx context.Context) (bool, error) {
	errFactory := errors.New()

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var v dbus.Variant
	err := c.conn.Object(busName, objectPath).
		CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, iface, onBatteryKey).
		Store(&v)
	if err != nil {
		return false, errFactory.Wrap(errors.ErrBatteryQuery, err)
	}

	onBattery, ok := v.Value().(bool)
	if !ok {
		return false, errFactory.WithData(errors.ErrBatteryQuery, "OnBattery is "+v.Signature().String())
	}
	return onBattery, nil
}

// Watch calls fn whenever UPower announces a change of OnBattery. It returns
// when ctx is done.
func (c *Client) Watch(ctx context.Context, fn func(onBattery bool)) error {
	errFactory := errors.New()

	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(objectPath),
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, iface),
	}
	if err := c.conn.AddMatchSignalContext(ctx, opts...); err != nil {
		return errFactory.Wrap(errors.ErrBus, err)
	}
	defer func() {
		if err := c.conn.RemoveMatchSignal(opts...); err != nil {
			c.log.Debug().Err(err).Msg("Failed to remove UPower match")
		}
	}()

	signals := make(chan *dbus.Signal, 8)
	c.conn.Signal(signals)
	defer c.conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if onBattery, changed := onBatteryChange(sig); changed {
				c.log.Info().Bool("on_battery", onBattery).Msg("Power source changed")
				fn(onBattery)
			}
		}
	}
}

// onBatteryChange extracts OnBattery from a UPower PropertiesChanged signal.
func onBatteryChange(sig *dbus.Signal) (bool, bool) {
	if sig == nil || sig.Path != objectPath ||
		sig.Name != "org.freedesktop.DBus.Properties.PropertiesChanged" || len(sig.Body) < 2 {
		return false, false
	}
	if name, ok := sig.Body[0].(string); !ok || name != iface {
		return false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	v, ok := changed[onBatteryKey]
	if !ok {
		return false, false
	}
	onBattery, ok := v.Value().(bool)
	return onBattery, ok
}
