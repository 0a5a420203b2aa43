package wire

import "fmt"

// Signer signs frame bytes.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

// Verifier checks a sender's signature.
type Verifier interface {
	Verify(nodeID string, msg, sig []byte) error
}

// Sign sets the frame's signature over its signing bytes.
func (f *Frame) Sign(s Signer) error {
	msg, err := f.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := s.Sign(msg)
	if err != nil {
		return fmt.Errorf("sign %s frame: %w", f.Kind, err)
	}
	f.Signature = sig
	return nil
}

// Verify checks the frame's signature against its claimed sender.
func (f *Frame) Verify(v Verifier) error {
	msg, err := f.SigningBytes()
	if err != nil {
		return err
	}
	return v.Verify(f.Sender, msg, f.Signature)
}
