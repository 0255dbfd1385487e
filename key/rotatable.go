package key

// Rotatable can have its encryption rotated from one key to another.
type Rotatable interface {
	Rotate(old Decrypter, next Encrypter, aad []byte) error
}

var _ Rotatable = (*WrappedKey)(nil)
