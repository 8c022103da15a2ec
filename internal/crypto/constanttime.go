package crypto

// ConstantTimeEqual reports whether a and b are equal without early exit,
// so the comparison time does not depend on where the inputs differ.
// Inputs of different lengths compare unequal.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var acc byte
	for i := range a {
		acc |= a[i] ^ b[i]
	}
	return acc == 0
}
