package identity

import (
	"crypto/ed25519"

	"mtox/codec"
	"mtox/dag"
	"mtox/xcrypto"
)

// serializeCertForSigning canonically encodes the certificate fields a
// delegation signature covers (everything but the signature itself).
func serializeCertForSigning(cert dag.DelegationCertificate) []byte {
	w := codec.NewWriter()
	w.WriteFixed(cert.DevicePk[:])
	w.WriteUint32(uint32(cert.Permissions))
	w.WriteInt64(cert.ExpiresAt)
	return w.Bytes()
}

// VerifyCertSignature checks that cert was signed by issuerPk — either
// the logical master key or an already-authorized admin device's key.
func VerifyCertSignature(cert dag.DelegationCertificate, issuerPk ed25519.PublicKey) bool {
	return xcrypto.Verify(issuerPk, serializeCertForSigning(cert), cert.Signature[:])
}

// SignCert produces a delegation certificate's signature under issuerPriv.
func SignCert(cert dag.DelegationCertificate, issuerPriv ed25519.PrivateKey) [64]byte {
	sig := xcrypto.Sign(issuerPriv, serializeCertForSigning(cert))
	var out [64]byte
	copy(out[:], sig)
	return out
}
