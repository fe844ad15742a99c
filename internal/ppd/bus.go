package ppd

import (
	"context"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/logger"
	"codeberg.org/mutker/powerd/internal/profile"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
)

const (
	BusName   = "org.freedesktop.UPower.PowerProfiles"
	Interface = "org.freedesktop.UPower.PowerProfiles"
	Path      = dbus.ObjectPath("/org/freedesktop/UPower/PowerProfiles")
	Version   = "0.30.0"

	driverName = "powerd"

	errInvalidArgs = "org.freedesktop.DBus.Error.InvalidArgs"
)

// Server exports a Service on a bus connection.
type Server struct {
	conn  *dbus.Conn
	svc   *Service
	props *prop.Properties
	log   logger.Logger
}

// object carries the exported methods.
type object struct {
	svc *Service
}

func (o object) HoldProfile(sender dbus.Sender, name, reason, applicationID string) (uint32, *dbus.Error) {
	cookie, err := o.svc.HoldProfile(string(sender), name, reason, applicationID)
	if err != nil {
		return 0, busError(err)
	}
	return cookie, nil
}

func (o object) ReleaseProfile(cookie uint32) *dbus.Error {
	if err := o.svc.ReleaseProfile(cookie); err != nil {
		return busError(err)
	}
	return nil
}

func (o object) SetActionEnabled(string, bool) *dbus.Error {
	return nil
}

// busError maps a domain error onto the bus error convention.
func busError(err error) *dbus.Error {
	if errors.HasCode(err, errors.ErrInvalidArgument) {
		return dbus.NewError(errInvalidArgs, []interface{}{err.Error()})
	}
	return dbus.MakeFailedError(err)
}

// Export publishes svc at Path on conn and claims BusName.
func Export(conn *dbus.Conn, svc *Service, log logger.Logger) (*Server, error) {
	errFactory := errors.New()

	s := &Server{conn: conn, svc: svc, log: log}

	if err := conn.Export(object{svc: svc}, Path, Interface); err != nil {
		return nil, errFactory.Wrap(errors.ErrBus, err)
	}

	props, err := prop.Export(conn, Path, s.propMap(svc.daemon.ActiveProfile()))
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrBus, err)
	}
	s.props = props

	// replaces the Set that prop.Export installed
	if err := conn.Export(properties{props}, Path, "org.freedesktop.DBus.Properties"); err != nil {
		return nil, errFactory.Wrap(errors.ErrBus, err)
	}

	node := &introspect.Node{
		Name: string(Path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       Interface,
				Methods:    introspectMethods,
				Signals:    introspectSignals,
				Properties: props.Introspection(Interface),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), Path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, errFactory.Wrap(errors.ErrBus, err)
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagReplaceExisting|dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrBus, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, errFactory.WithMessage(errors.ErrBus, "bus name "+BusName+" is already taken")
	}

	svc.SetBus(s)

	log.Info().Str("name", BusName).Str("path", string(Path)).Msg("Power profiles service exported")

	return s, nil
}

// Run drives the service and feeds it NameOwnerChanged departures until ctx
// is done.
func (s *Server) Run(ctx context.Context) error {
	errFactory := errors.New()

	if err := s.conn.AddMatchSignal(
		dbus.WithMatchObjectPath("/org/freedesktop/DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return errFactory.Wrap(errors.ErrBus, err)
	}

	signals := make(chan *dbus.Signal, 16)
	s.conn.Signal(signals)
	defer s.conn.RemoveSignal(signals)

	departed := make(chan string, 16)
	go func() {
		defer close(departed)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if owner, gone := departedOwner(sig); gone {
					select {
					case departed <- owner:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return s.svc.Run(ctx, departed)
}

// departedOwner reports the unique name of a client that left the bus.
func departedOwner(sig *dbus.Signal) (string, bool) {
	if sig == nil || sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
		return "", false
	}
	name, ok1 := sig.Body[0].(string)
	oldOwner, ok2 := sig.Body[1].(string)
	newOwner, ok3 := sig.Body[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return "", false
	}
	if oldOwner == "" || newOwner != "" {
		return "", false
	}
	return name, true
}

// ProfileReleased sends the signal to the lease owner only.
func (s *Server) ProfileReleased(owner string, cookie uint32) error {
	msg := &dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:        dbus.MakeVariant(Path),
			dbus.FieldInterface:   dbus.MakeVariant(Interface),
			dbus.FieldMember:      dbus.MakeVariant("ProfileReleased"),
			dbus.FieldDestination: dbus.MakeVariant(owner),
			dbus.FieldSignature:   dbus.MakeVariant(dbus.SignatureOf(cookie)),
		},
		Body: []interface{}{cookie},
	}

	if call := s.conn.Send(msg, nil); call.Err != nil {
		return errors.New().Wrap(errors.ErrBus, call.Err)
	}
	return nil
}

// Update brings the exported properties in line with the service. Only
// properties whose value changed are set, so only those emit.
func (s *Server) Update(active profile.Named, leases []Lease) {
	if current, ok := s.props.GetMust(Interface, "ActiveProfile").(string); !ok || current != active.String() {
		s.props.SetMust(Interface, "ActiveProfile", active.String())
	}

	holds := holdsValue(leases)
	if current, ok := s.props.GetMust(Interface, "ActiveProfileHolds").([]map[string]dbus.Variant); !ok || !sameHolds(current, holds) {
		s.props.SetMust(Interface, "ActiveProfileHolds", holds)
	}
}

func (s *Server) propMap(active profile.Named) prop.Map {
	return prop.Map{
		Interface: {
			"ActiveProfile": {
				Value:    active.String(),
				Writable: true,
				Emit:     prop.EmitTrue,
				Callback: s.setActiveProfile,
			},
			"ActiveProfileHolds": {
				Value: holdsValue(nil),
				Emit:  prop.EmitTrue,
			},
			"Profiles": {
				Value: profilesValue(),
				Emit:  prop.EmitConst,
			},
			"Actions": {
				Value: []string{},
				Emit:  prop.EmitConst,
			},
			"ActionsInfo": {
				Value: []map[string]dbus.Variant{},
				Emit:  prop.EmitConst,
			},
			"PerformanceInhibited": {
				Value: "",
				Emit:  prop.EmitConst,
			},
			"PerformanceDegraded": {
				Value: "",
				Emit:  prop.EmitTrue,
			},
			"Version": {
				Value: Version,
				Emit:  prop.EmitConst,
			},
			"BatteryAware": {
				Value:    s.svc.BatteryAware(),
				Writable: true,
				Emit:     prop.EmitTrue,
			},
		},
	}
}

// setActiveProfile runs with the property lock held.
func (s *Server) setActiveProfile(c *prop.Change) *dbus.Error {
	name, ok := c.Value.(string)
	if !ok {
		return dbus.NewError(errInvalidArgs, []interface{}{"ActiveProfile must be a string"})
	}
	if err := s.svc.SetActiveProfile(name); err != nil {
		return busError(err)
	}
	return nil
}

// properties serves org.freedesktop.DBus.Properties. Writes to BatteryAware
// succeed without changing the stored value.
type properties struct {
	*prop.Properties
}

func (p properties) Set(iface, property string, value dbus.Variant) *dbus.Error {
	if iface == Interface && property == "BatteryAware" {
		if _, ok := value.Value().(bool); !ok {
			return prop.ErrInvalidArg
		}
		return nil
	}
	return p.Properties.Set(iface, property, value)
}

func profilesValue() []map[string]dbus.Variant {
	out := make([]map[string]dbus.Variant, 0, len(profile.All))
	for _, n := range profile.All {
		out = append(out, map[string]dbus.Variant{
			"Profile":        dbus.MakeVariant(n.String()),
			"PlatformDriver": dbus.MakeVariant(driverName),
			"Driver":         dbus.MakeVariant(driverName),
		})
	}
	return out
}

func holdsValue(leases []Lease) []map[string]dbus.Variant {
	out := make([]map[string]dbus.Variant, 0, len(leases))
	for _, l := range leases {
		out = append(out, map[string]dbus.Variant{
			"ApplicationId": dbus.MakeVariant(l.ApplicationID),
			"Profile":       dbus.MakeVariant(l.Profile.String()),
			"Reason":        dbus.MakeVariant(l.Reason),
		})
	}
	return out
}

func sameHolds(a, b []map[string]dbus.Variant) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		for _, key := range []string{"ApplicationId", "Profile", "Reason"} {
			if a[i][key].String() != b[i][key].String() {
				return false
			}
		}
	}
	return true
}

var introspectMethods = []introspect.Method{
	{
		Name: "HoldProfile",
		Args: []introspect.Arg{
			{Name: "profile", Type: "s", Direction: "in"},
			{Name: "reason", Type: "s", Direction: "in"},
			{Name: "application_id", Type: "s", Direction: "in"},
			{Name: "cookie", Type: "u", Direction: "out"},
		},
	},
	{
		Name: "ReleaseProfile",
		Args: []introspect.Arg{
			{Name: "cookie", Type: "u", Direction: "in"},
		},
	},
	{
		Name: "SetActionEnabled",
		Args: []introspect.Arg{
			{Name: "action", Type: "s", Direction: "in"},
			{Name: "enabled", Type: "b", Direction: "in"},
		},
	},
}

var introspectSignals = []introspect.Signal{
	{
		Name: "ProfileReleased",
		Args: []introspect.Arg{{Name: "cookie", Type: "u"}},
	},
}
