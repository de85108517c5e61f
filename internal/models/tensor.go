package models

import "fmt"

// Tensor is a float activation volume with the fixed layout
// (batch=1, channels, height, width). Data is channel-major: the plane for
// channel c starts at c*Height*Width.
type Tensor struct {
	Data     []float64
	Channels int
	Height   int
	Width    int
}

// NewTensor allocates a zeroed (1, c, h, w) tensor
func NewTensor(c, h, w int) *Tensor {
	return &Tensor{
		Data:     make([]float64, c*h*w),
		Channels: c,
		Height:   h,
		Width:    w,
	}
}

// Shape returns the tensor shape including the leading batch dimension
func (t *Tensor) Shape() [4]int {
	return [4]int{1, t.Channels, t.Height, t.Width}
}

// Channel returns the backing slice of channel c. Writes go to the tensor.
func (t *Tensor) Channel(c int) []float64 {
	n := t.Height * t.Width
	return t.Data[c*n : (c+1)*n]
}

// Clone returns a deep copy of the tensor
func (t *Tensor) Clone() *Tensor {
	out := NewTensor(t.Channels, t.Height, t.Width)
	copy(out.Data, t.Data)
	return out
}

// ReplicatePlane builds a (1, c, h, w) tensor whose channels are all copies of p
func ReplicatePlane(p Plane, c int) *Tensor {
	t := NewTensor(c, p.Height, p.Width)
	for i := 0; i < c; i++ {
		copy(t.Channel(i), p.Data)
	}
	return t
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape())
}
