package systat

// Pixmap is a raw ARGB32 icon image in network byte order.
type Pixmap struct {
	Width  int32
	Height int32
	Bytes  []byte
}

// ToolTip is the value of the ToolTip property of an item.
//
// Its wire form is
//
//	(<icon-name>, [<pixmap>...], <title>, <description>)
type ToolTip struct {
	IconName    string
	Pixmaps     []Pixmap
	Title       string
	Description string
}

// newToolTip returns a tooltip showing text next to icon.
func newToolTip(icon, title, text string) ToolTip {
	return ToolTip{
		IconName:    icon,
		Pixmaps:     []Pixmap{},
		Title:       title,
		Description: text,
	}
}
