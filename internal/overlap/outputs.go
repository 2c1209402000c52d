package overlap

import (
	"fmt"
	"image"
)

// OutputSource reports the current pixel size of an output.
type OutputSource interface {
	OutputSize(id string) (image.Point, bool)
}

// Outputs tracks output sizes as the output subsystem reports them.
type Outputs struct {
	sizes map[string]image.Point
}

func NewOutputs() *Outputs {
	return &Outputs{sizes: make(map[string]image.Point)}
}

// Update adds or resizes an output.
func (o *Outputs) Update(id string, width, height int) error {
	if id == "" {
		return fmt.Errorf("%w: empty output id", ErrInvalidGeometry)
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: output %s size %dx%d", ErrInvalidGeometry, id, width, height)
	}
	o.sizes[id] = image.Pt(width, height)
	return nil
}

func (o *Outputs) Remove(id string) error {
	if _, ok := o.sizes[id]; !ok {
		return ErrNotFound
	}
	delete(o.sizes, id)
	return nil
}

func (o *Outputs) OutputSize(id string) (image.Point, bool) {
	p, ok := o.sizes[id]
	return p, ok
}

func (o *Outputs) Len() int {
	return len(o.sizes)
}
