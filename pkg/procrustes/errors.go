package procrustes

import "fmt"

// DegenerateInputError reports point sets that cannot define a transform
type DegenerateInputError struct {
	Points int
	Reason string
}

func (e *DegenerateInputError) Error() string {
	return fmt.Sprintf("degenerate input (%d points): %s", e.Points, e.Reason)
}

// NumericalInstabilityError reports a decomposition that did not converge or
// produced non-finite values
type NumericalInstabilityError struct {
	Op string
}

func (e *NumericalInstabilityError) Error() string {
	return fmt.Sprintf("numerical instability in %s", e.Op)
}
