package ingest

// File is a user-selected file as handed over by the picker or a drop.
type File struct {
	Name string
	// Size is the size the source declared; Data length is authoritative when larger.
	Size int64
	Data []byte
}

// Element is a node of the UI tree a drop can land on. Classes mirror the
// class list used to mark the drop target area.
type Element struct {
	ID      string
	Classes []string
	Parent  *Element
}

func (e *Element) hasClass(name string) bool {
	for _, c := range e.Classes {
		if c == name {
			return true
		}
	}
	return false
}

// Closest walks from e up through its ancestors and returns the first element
// whose ID or class matches name.
func (e *Element) Closest(name string) *Element {
	for cur := e; cur != nil; cur = cur.Parent {
		if cur.ID == name || cur.hasClass(name) {
			return cur
		}
	}
	return nil
}

// Event is either a PickerEvent or a DropEvent.
type Event interface {
	files() []File
	kind() string
}

// PickerEvent is a file-input change event.
type PickerEvent struct {
	Files []File
}

func (e PickerEvent) files() []File { return e.Files }
func eventKind(ev Event) string {
	if ev == nil {
		return "none"
	}
	return ev.kind()
}

func (e PickerEvent) kind() string { return "picker" }

// DropEvent is a drag-and-drop release. Target is the element under the pointer.
type DropEvent struct {
	Target *Element
	Files  []File
}

func (e DropEvent) files() []File { return e.Files }
func (e DropEvent) kind() string  { return "drop" }
