package relay

import (
	"fmt"

	pb "github.com/waku-org/go-waku-relay/pb"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// MessageSignaturePolicy describes if signatures are produced, expected, and/or verified.
type MessageSignaturePolicy uint8

// LaxSign and LaxNoSign are deprecated. In the future msgSigning and msgVerification can be unified.
const (
	// msgSigning is set when the locally produced messages must be signed
	msgSigning MessageSignaturePolicy = 1 << iota
	// msgVerification is set when external messages must be verfied
	msgVerification
)

const (
	// StrictSign produces signatures and expects and verifies incoming signatures
	StrictSign = msgSigning | msgVerification
	// StrictNoSign does not produce signatures and drops and penalises incoming messages that carry one
	StrictNoSign = msgVerification
	// LaxSign produces signatures and validates incoming signatures iff one is present
	// Deprecated: it is recommend to either strictly enable, or strictly disable, signatures.
	LaxSign = msgSigning
	// LaxNoSign does not produce signatures and validates incoming signatures iff one is present
	// Deprecated: it is recommend to either strictly enable, or strictly disable, signatures.
	LaxNoSign = 0
)

// mustVerify returns true if a message signature must be verified.
// If signatures are not expected, verification checks if the signature is absent.
func (policy MessageSignaturePolicy) mustVerify() bool {
	return policy&msgVerification != 0
}

// mustSign returns true if messages should be signed, and incoming messages are expected to have a signature.
func (policy MessageSignaturePolicy) mustSign() bool {
	return policy&msgSigning != 0
}

func (policy MessageSignaturePolicy) String() string {
	switch policy {
	case StrictSign:
		return "strict-sign"
	case StrictNoSign:
		return "strict-no-sign"
	case LaxSign:
		return "lax-sign"
	case LaxNoSign:
		return "lax-no-sign"
	default:
		return fmt.Sprintf("policy(%d)", uint8(policy))
	}
}

const SignPrefix = "libp2p-pubsub:"

// checkSigningPolicy returns the reject reason for a message that violates
// the configured policy, or "" when the message is acceptable.
func checkSigningPolicy(policy MessageSignaturePolicy, anonymous bool, msg *pb.Message) string {
	if !policy.mustVerify() {
		return ""
	}

	if policy.mustSign() {
		if msg.Signature == nil {
			return RejectMissingSignature
		}
		// the signature itself is verified before the message is marked seen
		return ""
	}

	if msg.Signature != nil {
		return RejectUnexpectedSignature
	}
	// anonymous relays accept no author data at all
	if anonymous && (msg.Seqno != nil || msg.From != nil || msg.Key != nil) {
		return RejectUnexpectedAuthInfo
	}
	return ""
}

func signedBytes(m *pb.Message) []byte {
	xm := pb.Message{
		Data:  m.Data,
		Topic: m.Topic,
		From:  m.From,
		Seqno: m.Seqno,
	}
	return append([]byte(SignPrefix), xm.Marshal()...)
}

func verifyMessageSignature(m *pb.Message) error {
	pubk, err := messagePubKey(m)
	if err != nil {
		return err
	}

	valid, err := pubk.Verify(signedBytes(m), m.Signature)
	if err != nil {
		return err
	}

	if !valid {
		return fmt.Errorf("invalid signature")
	}

	return nil
}

func messagePubKey(m *pb.Message) (crypto.PubKey, error) {
	var pubk crypto.PubKey

	pid, err := peer.IDFromBytes(m.From)
	if err != nil {
		return nil, err
	}

	if m.Key == nil {
		// no attached key, it must be extractable from the source ID
		pubk, err = pid.ExtractPublicKey()
		if err != nil {
			return nil, fmt.Errorf("cannot extract signing key: %w", err)
		}
		if pubk == nil {
			return nil, fmt.Errorf("cannot extract signing key")
		}
		return pubk, nil
	}

	pubk, err = crypto.UnmarshalPublicKey(m.Key)
	if err != nil {
		return nil, fmt.Errorf("cannot unmarshal signing key: %w", err)
	}

	// verify that the source ID matches the attached key
	if !pid.MatchesPublicKey(pubk) {
		return nil, fmt.Errorf("bad signing key; source ID %s doesn't match key", pid)
	}

	return pubk, nil
}

func signMessage(pid peer.ID, key crypto.PrivKey, m *pb.Message) error {
	sig, err := key.Sign(signedBytes(m))
	if err != nil {
		return err
	}

	m.Signature = sig

	pk, _ := pid.ExtractPublicKey()
	if pk == nil {
		pubk, err := crypto.MarshalPublicKey(key.GetPublic())
		if err != nil {
			return err
		}
		m.Key = pubk
	}
	return nil
}
