package bus

import (
	"github.com/godbus/dbus/v5"

	"github.com/shelepuginivan/systat/fault"
	"github.com/shelepuginivan/systat/wire"
)

const propertiesInterface = "org.freedesktop.DBus.Properties"

// Caller sends a method call and waits for its reply. [Conn] implements
// Caller.
type Caller interface {
	SendAndWait(msg *wire.Message) (*wire.Message, error)
}

// Object is a remote object on the bus.
type Object struct {
	caller Caller
	dest   string
	path   dbus.ObjectPath
}

// NewObject returns the object at path owned by dest.
func NewObject(caller Caller, dest string, path dbus.ObjectPath) *Object {
	return &Object{caller: caller, dest: dest, path: path}
}

// Object returns the object at path owned by dest.
func (c *Conn) Object(dest string, path dbus.ObjectPath) *Object {
	return NewObject(c, dest, path)
}

// Destination returns the bus name owning the object.
func (o *Object) Destination() string {
	return o.dest
}

// Path returns the path of the object.
func (o *Object) Path() dbus.ObjectPath {
	return o.path
}

// Call invokes a method with string arguments and returns the decoded reply.
func (o *Object) Call(iface, member string, args ...string) (wire.Node, error) {
	if !o.path.IsValid() {
		return wire.Node{}, fault.Errorf(fault.MalformedStructure, "invalid object path %q", o.path)
	}

	reply, err := o.caller.SendAndWait(wire.NewMethodCall(o.dest, o.path, iface, member, args...))
	if err != nil {
		return wire.Node{}, err
	}

	root, err := wire.Decode(reply)
	if err != nil {
		return wire.Node{}, fault.Context(err, "decode reply of "+iface+"."+member)
	}

	return root, nil
}

// GetProperty returns the value of a property of the object.
func (o *Object) GetProperty(iface, name string) (string, error) {
	root, err := o.Call(propertiesInterface, "Get", iface, name)
	if err != nil {
		return "", fault.Context(err, "failed to get property")
	}

	value, err := propertyValue(root)
	if err != nil {
		return "", fault.Context(err, "failed to get property")
	}

	return value, nil
}

// GetProperty returns the value of property name of interface iface of the
// object at path owned by dest.
func GetProperty(caller Caller, dest string, path dbus.ObjectPath, iface, name string) (string, error) {
	return NewObject(caller, dest, path).GetProperty(iface, name)
}

// propertyValue extracts the scalar of a Properties.Get reply: the first
// child, unwrapped once if it is a single-element container.
func propertyValue(root wire.Node) (string, error) {
	if len(root.Children) == 0 {
		return "", fault.New(fault.EmptyReply, "reply carries no value")
	}

	value := root.Children[0].Node
	if len(value.Children) == 1 {
		value = value.Children[0].Node
	}

	if !value.IsLeaf() {
		return "", fault.Errorf(fault.UnsupportedType, "property value is a container of %d values", len(value.Children))
	}

	return value.Value, nil
}
