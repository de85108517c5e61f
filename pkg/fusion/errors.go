package fusion

import (
	"errors"
	"fmt"
	"image"
)

// ErrNoImages is returned when Fuse is called without inputs
var ErrNoImages = errors.New("no images to fuse")

// DimensionMismatchError reports an input whose size differs from the first
// image of the call
type DimensionMismatchError struct {
	Index int
	Want  image.Point
	Got   image.Point
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("image %d: size %dx%d does not match %dx%d",
		e.Index, e.Got.X, e.Got.Y, e.Want.X, e.Want.Y)
}
