package kvm

import (
	"math"
	"unsafe"
)

// The kernel describes several KVM argument structs as a fixed header
// followed by a flexible array member. Go has no direct equivalent, so such
// a struct is backed by a slice of header-typed elements: element 0 is the
// live header and the remaining elements are reinterpreted as the trailing
// array. Sizing the backing store in header-typed units keeps the trailing
// bytes contiguous with the header and correctly aligned for it.

// sliceWithSizeInBytes returns a zeroed slice of T whose backing array is at
// least sizeInBytes bytes, rounding up to a whole number of elements.
func sliceWithSizeInBytes[T any](sizeInBytes int) []T {
	var t T
	elem := int(unsafe.Sizeof(t))
	if sizeInBytes < 0 || sizeInBytes > math.MaxInt-elem+1 {
		panic("kvm: buffer byte size out of range")
	}
	return make([]T, (sizeInBytes+elem-1)/elem)
}

// sliceWithArrayField returns a zeroed slice of T sized to hold one T header
// followed by count trailing elements of type F.
func sliceWithArrayField[T, F any](count int) []T {
	if count < 0 {
		panic("kvm: negative trailing array count")
	}
	var t T
	var f F
	header := int(unsafe.Sizeof(t))
	elem := int(unsafe.Sizeof(f))
	if elem > 0 && count > (math.MaxInt-header)/elem {
		panic("kvm: trailing array size overflows")
	}
	return sliceWithSizeInBytes[T](header + count*elem)
}
