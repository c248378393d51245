package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/shelepuginivan/systat/fault"
)

// Node is one decoded value. A node is either a leaf carrying the text form
// of a basic value in Value, or a container carrying Children.
type Node struct {
	Value    string
	Children []Child
}

// Child is an entry of a container node. Key is set for dictionary entries
// and empty for array elements and top-level values.
type Child struct {
	Key  string
	Node Node
}

// IsLeaf reports whether n has no children.
func (n Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// Leaves returns the number of leaf nodes below n, or 1 if n is a leaf.
func (n Node) Leaves() int {
	if n.IsLeaf() {
		return 1
	}

	count := 0
	for _, child := range n.Children {
		count += child.Node.Leaves()
	}
	return count
}

// Decode decodes the body of msg into a tree. The returned root is a
// container whose children are the top-level values of the body.
func Decode(msg *Message) (Node, error) {
	order := msg.Order
	if order == nil {
		order = binary.LittleEndian
	}
	return DecodeBody(order, msg.Signature(), msg.Body)
}

// DecodeBody decodes a marshalled body with the given signature.
func DecodeBody(order binary.ByteOrder, sig string, body []byte) (Node, error) {
	it, err := NewIter(order, sig, body)
	if err != nil {
		return Node{}, err
	}

	var root Node
	if err := decode(&root, it); err != nil {
		return Node{}, err
	}

	return root, nil
}

// decode appends the values of one container level to self.
func decode(self *Node, it *Iter) error {
	for {
		var err error

		switch it.Type() {
		case TypeInvalid:
			return nil
		case TypeVariant:
			err = decodeVariant(self, it)
		case TypeArray:
			err = decodeArray(self, it)
		case TypeDictEntry:
			err = decodeDictEntry(self, it)
		default:
			err = decodeBasic(self, it)
		}

		if err != nil {
			return err
		}

		if err := it.Next(); err != nil {
			return err
		}
	}
}

func decodeBasic(self *Node, it *Iter) error {
	value, err := it.Basic()
	if err != nil {
		return err
	}

	self.Children = append(self.Children, Child{Node: Node{Value: value}})
	return nil
}

// decodeVariant adds the wrapped value to self directly: variants do not add
// a level to the tree.
func decodeVariant(self *Node, it *Iter) error {
	sub, err := it.Recurse()
	if err != nil {
		return err
	}
	return decode(self, sub)
}

func decodeArray(self *Node, it *Iter) error {
	sub, err := it.Recurse()
	if err != nil {
		return err
	}

	var array Node
	if err := decode(&array, sub); err != nil {
		return err
	}

	self.Children = append(self.Children, Child{Node: array})
	return nil
}

func decodeDictEntry(self *Node, it *Iter) error {
	sub, err := it.Recurse()
	if err != nil {
		return err
	}

	var entry Node
	if err := decode(&entry, sub); err != nil {
		return err
	}

	if len(entry.Children) == 0 {
		return fault.New(fault.MalformedStructure, "empty structures are not allowed")
	}

	key := entry.Children[0].Node.Value
	value := entry.Children[1:]

	var node Node
	switch {
	case len(value) == 1 && value[0].Node.IsLeaf():
		node.Value = value[0].Node.Value
	case len(value) == 1:
		node.Children = value[0].Node.Children
	default:
		node.Children = append([]Child(nil), value...)
	}

	self.Children = append(self.Children, Child{Key: key, Node: node})
	return nil
}

// Dump writes the children of n to w, one "key: value" line each, indented by
// two spaces per level.
func Dump(w io.Writer, n Node) {
	dump(w, n, 0)
}

func dump(w io.Writer, n Node, depth int) {
	for _, child := range n.Children {
		fmt.Fprintf(w, "%s%s: %s\n", strings.Repeat("  ", depth), child.Key, child.Node.Value)
		dump(w, child.Node, depth+1)
	}
}
