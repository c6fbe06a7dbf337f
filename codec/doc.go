// Package codec converts between tagged ciphertext handles and native values.
//
// Every encrypted amount carried by an intent is an EncryptedValue: an opaque
// handle resolvable through the external threshold-decryption service, plus a
// TypeTag naming the native type underneath. The codec is the only component
// that talks to the threshold service; everything downstream (matching,
// settlement assembly) works on decoded Values.
//
// The tag set is closed. Decode and encode switch exhaustively over every
// tag, so adding a cryptographic type is a compile-visible change at each
// switch site rather than a runtime default branch. One historical tag,
// TagUint256, is recognized on the wire but rejected with ErrUnsupportedTag:
// the encryption platform never supported 256-bit values and a lossy decode
// must not be attempted.
package codec
