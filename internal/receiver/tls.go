package receiver

import "encoding/pem"

// pemEncodeCertificate wraps a raw DER certificate in a PEM block, matching
// the envelope's ClientCertificate field contract (spec.md §3: "PEM block;
// escaped on the wire, plain here").
func pemEncodeCertificate(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
