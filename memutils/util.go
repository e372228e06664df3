package memutils

import (
	"github.com/cockroachdb/errors"
)

// Number is any integer type that can hold a size, an address, or an alignment
type Number interface {
	~int | ~uint | ~uintptr
}

// CheckPow2 returns a PowerOfTwoError wrapped with the provided name and value if number is
// not a positive power of two
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return errors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T Number](value, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

// DivideRoundingUp returns the number of units of the given width needed to hold value. Unlike
// AlignUp, width does not need to be a power of two.
func DivideRoundingUp(value, width int) int {
	return (value + width - 1) / width
}
