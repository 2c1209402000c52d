package overlap

import (
	"fmt"
	"image"
	"strings"
)

// Anchor is the output edge a shell surface docks to. Values follow the
// shell protocol's anchor bitmask.
type Anchor uint32

const (
	AnchorTop    Anchor = 1
	AnchorBottom Anchor = 2
	AnchorLeft   Anchor = 4
	AnchorRight  Anchor = 8
)

func (a Anchor) Valid() bool {
	switch a {
	case AnchorTop, AnchorBottom, AnchorLeft, AnchorRight:
		return true
	}
	return false
}

func (a Anchor) String() string {
	switch a {
	case AnchorTop:
		return "top"
	case AnchorBottom:
		return "bottom"
	case AnchorLeft:
		return "left"
	case AnchorRight:
		return "right"
	default:
		return fmt.Sprintf("anchor(%d)", uint32(a))
	}
}

// ParseAnchor accepts an edge name.
func ParseAnchor(s string) (Anchor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "top":
		return AnchorTop, nil
	case "bottom":
		return AnchorBottom, nil
	case "left":
		return AnchorLeft, nil
	case "right":
		return AnchorRight, nil
	}
	return 0, fmt.Errorf("%w: unknown anchor %q", ErrInvalidGeometry, s)
}

// Size is a claimed width and height in output pixels.
type Size struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Rect builds a rectangle from position and size.
func Rect(x, y, w, h int) image.Rectangle {
	return image.Rect(x, y, x+w, y+h)
}

// AnchorRect derives the region a claim of size occupies on an output of
// the given dimensions. A left anchor uses the top edge formula; panels on
// the left edge are laid out as top panels. The result is clipped to the
// output bounds.
func AnchorRect(anchor Anchor, output image.Point, size Size) (image.Rectangle, error) {
	if output.X <= 0 || output.Y <= 0 {
		return image.Rectangle{}, fmt.Errorf("%w: output size %dx%d", ErrInvalidGeometry, output.X, output.Y)
	}
	if size.W <= 0 || size.H <= 0 {
		return image.Rectangle{}, fmt.Errorf("%w: claim size %dx%d", ErrInvalidGeometry, size.W, size.H)
	}

	var r image.Rectangle
	switch anchor {
	case AnchorTop, AnchorLeft:
		r = Rect(0, 0, output.X, size.H)
	case AnchorBottom:
		r = Rect(0, output.Y-size.H, output.X, size.H)
	case AnchorRight:
		r = Rect(output.X-size.W, 0, size.W, output.Y)
	default:
		return image.Rectangle{}, fmt.Errorf("%w: %s", ErrInvalidGeometry, anchor)
	}

	return r.Intersect(image.Rect(0, 0, output.X, output.Y)), nil
}
