package systat

import (
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/shelepuginivan/systat/widget"
)

const (
	StatusNotifierItemInterface = "org.kde.StatusNotifierItem"
	StatusNotifierItemPath      = "/StatusNotifierItem"
)

// ItemCategory is the value of the Category property of an item.
type ItemCategory string

// ItemCategoryHardware marks items that show the state of a device.
const ItemCategoryHardware ItemCategory = "Hardware"

// ItemStatus is the value of the Status property of an item.
type ItemStatus string

// ItemStatusActive asks hosts to show the item.
const ItemStatusActive ItemStatus = "Active"

// Item is the tray representation of one widget. It is exported on the
// session bus as an org.kde.StatusNotifierItem object and implements
// [widget.View].
//
// Methods returning *dbus.Error are called by tray hosts.
type Item struct {
	tray  *Tray
	path  dbus.ObjectPath
	props *prop.Properties
	dirty bool

	// Unique identifier of the item, the name of its widget.
	ID string

	// Name that describes the item.
	Title string

	// Category of the item.
	Category ItemCategory

	// Status of the item.
	Status ItemStatus

	// [Freedesktop-compliant] name of the icon that visualizes the item.
	//
	// [Freedesktop-compliant]: https://specifications.freedesktop.org/icon-naming-spec/latest/
	IconName string

	// Extra information shown in a tooltip.
	Tooltip string
}

func newItem(t *Tray, name string) *Item {
	return &Item{
		tray:     t,
		path:     dbus.ObjectPath(StatusNotifierItemPath + "/" + name),
		ID:       name,
		Title:    name,
		Category: ItemCategoryHardware,
		Status:   ItemStatusActive,
	}
}

// Path returns the object path of the item.
func (item *Item) Path() dbus.ObjectPath {
	return item.path
}

// export makes the item, its properties and their introspection data
// available on the bus.
func (item *Item) export() error {
	conn := item.tray.conn

	if err := conn.Export(item, item.path, StatusNotifierItemInterface); err != nil {
		return err
	}

	props, err := prop.Export(conn, item.path, prop.Map{
		StatusNotifierItemInterface: map[string]*prop.Prop{
			"Category":   {Value: string(item.Category), Emit: prop.EmitFalse},
			"Id":         {Value: item.ID, Emit: prop.EmitFalse},
			"Title":      {Value: item.Title, Emit: prop.EmitFalse},
			"Status":     {Value: string(item.Status), Emit: prop.EmitFalse},
			"WindowId":   {Value: int32(0), Emit: prop.EmitFalse},
			"IconName":   {Value: item.IconName, Emit: prop.EmitFalse},
			"IconPixmap": {Value: []Pixmap{}, Emit: prop.EmitFalse},
			"ToolTip":    {Value: item.toolTip(), Emit: prop.EmitFalse},
			"ItemIsMenu": {Value: false, Emit: prop.EmitFalse},
		},
	})
	if err != nil {
		return err
	}
	item.props = props

	node := &introspect.Node{
		Name: string(item.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       StatusNotifierItemInterface,
				Methods:    introspect.Methods(item),
				Properties: props.Introspection(StatusNotifierItemInterface),
				Signals: []introspect.Signal{
					{Name: "NewIcon"},
					{Name: "NewToolTip"},
				},
			},
		},
	}

	return conn.Export(introspect.NewIntrospectable(node), item.path, "org.freedesktop.DBus.Introspectable")
}

func (item *Item) toolTip() ToolTip {
	return newToolTip(item.IconName, item.Title, item.Tooltip)
}

// SetState sets the icon and the tooltip of the item. The change is
// published by the next [Tray.Flush] after [Item.Update].
func (item *Item) SetState(icon widget.Icon) {
	item.IconName = icon.Name
	item.Tooltip = icon.Tooltip
}

// Update marks the item for publication by the next [Tray.Flush].
func (item *Item) Update() {
	if item.dirty {
		return
	}
	item.dirty = true
	item.tray.markDirty(item)
}

// flush publishes the state of the item to its properties and notifies
// hosts with NewIcon and NewToolTip.
func (item *Item) flush() error {
	item.dirty = false

	if item.props != nil {
		item.props.SetMust(StatusNotifierItemInterface, "IconName", item.IconName)
		item.props.SetMust(StatusNotifierItemInterface, "ToolTip", item.toolTip())
	}

	conn := item.tray.conn

	if err := conn.Emit(item.path, StatusNotifierItemInterface+".NewIcon"); err != nil {
		return err
	}

	return conn.Emit(item.path, StatusNotifierItemInterface+".NewToolTip")
}

// Activate asks the widget to read its state again.
//
// This is typically a consequence of a left click on the item.
func (item *Item) Activate(x, y int32) *dbus.Error {
	item.tray.push(event{name: item.ID})
	return nil
}

// SecondaryActivate behaves like Activate.
//
// This is typically a consequence of a middle click on the item.
func (item *Item) SecondaryActivate(x, y int32) *dbus.Error {
	item.tray.push(event{name: item.ID})
	return nil
}

// ContextMenu is accepted and ignored: items have no menu.
func (item *Item) ContextMenu(x, y int32) *dbus.Error {
	item.tray.log.Debug().Str("item", item.ID).Msg("context menu requested")
	return nil
}

// Scroll is accepted and ignored.
func (item *Item) Scroll(delta int32, orientation string) *dbus.Error {
	item.tray.log.Debug().
		Str("item", item.ID).
		Int32("delta", delta).
		Str("orientation", orientation).
		Msg("scroll")
	return nil
}
