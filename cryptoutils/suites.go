package cryptoutils

import (
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem512"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"

	"github.com/pqwire/pqsession-backend/interfaces"
)

var kemSchemes = map[interfaces.AlgorithmID]kem.Scheme{
	interfaces.MLKEM512:  mlkem512.Scheme(),
	interfaces.MLKEM768:  mlkem768.Scheme(),
	interfaces.MLKEM1024: mlkem1024.Scheme(),
}

var sigSchemes = map[interfaces.AlgorithmID]sign.Scheme{
	interfaces.MLDSA44: mldsa44.Scheme(),
	interfaces.MLDSA65: mldsa65.Scheme(),
	interfaces.MLDSA87: mldsa87.Scheme(),
}

// kemPreference and sigPreference are the server's fixed preference orders,
// strongest first. Negotiation rank is the position in these lists, so ties
// between equally-offered algorithms always resolve the same way regardless
// of offer order.
var kemPreference = []interfaces.AlgorithmID{
	interfaces.MLKEM1024,
	interfaces.MLKEM768,
	interfaces.MLKEM512,
}

var sigPreference = []interfaces.AlgorithmID{
	interfaces.MLDSA87,
	interfaces.MLDSA65,
	interfaces.MLDSA44,
}

// KEMScheme returns the circl KEM scheme for an algorithm identifier.
func KEMScheme(alg interfaces.AlgorithmID) (kem.Scheme, error) {
	scheme, ok := kemSchemes[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnsupportedAlgorithm, alg)
	}
	return scheme, nil
}

// SigScheme returns the circl signature scheme for an algorithm identifier.
func SigScheme(alg interfaces.AlgorithmID) (sign.Scheme, error) {
	scheme, ok := sigSchemes[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnsupportedAlgorithm, alg)
	}
	return scheme, nil
}

// SupportedKEMs returns the supported KEM algorithms in preference order.
func SupportedKEMs() []interfaces.AlgorithmID {
	out := make([]interfaces.AlgorithmID, len(kemPreference))
	copy(out, kemPreference)
	return out
}

// SupportedSigs returns the supported signature algorithms in preference
// order.
func SupportedSigs() []interfaces.AlgorithmID {
	out := make([]interfaces.AlgorithmID, len(sigPreference))
	copy(out, sigPreference)
	return out
}

// Negotiate picks the highest-ranked algorithm present in both offered and
// supported, where rank is the position in the server's preference list.
// Returns ErrAlgorithmNegotiationFailed when the intersection is empty.
func Negotiate(offered, supported []interfaces.AlgorithmID, preference []interfaces.AlgorithmID) (interfaces.AlgorithmID, error) {
	offeredSet := make(map[interfaces.AlgorithmID]bool, len(offered))
	for _, alg := range offered {
		offeredSet[alg] = true
	}

	supportedSet := make(map[interfaces.AlgorithmID]bool, len(supported))
	for _, alg := range supported {
		supportedSet[alg] = true
	}

	for _, alg := range preference {
		if offeredSet[alg] && supportedSet[alg] {
			return alg, nil
		}
	}

	return "", interfaces.ErrAlgorithmNegotiationFailed
}

// NegotiateSuite selects the KEM and signature algorithms for a handshake,
// independently per category.
func NegotiateSuite(offeredKEMs, offeredSigs, supportedKEMs, supportedSigs []interfaces.AlgorithmID) (interfaces.AlgorithmSuite, error) {
	kemAlg, err := Negotiate(offeredKEMs, supportedKEMs, kemPreference)
	if err != nil {
		return interfaces.AlgorithmSuite{}, fmt.Errorf("%w: no common KEM", interfaces.ErrAlgorithmNegotiationFailed)
	}

	sigAlg, err := Negotiate(offeredSigs, supportedSigs, sigPreference)
	if err != nil {
		return interfaces.AlgorithmSuite{}, fmt.Errorf("%w: no common signature algorithm", interfaces.ErrAlgorithmNegotiationFailed)
	}

	return interfaces.AlgorithmSuite{KEM: kemAlg, Signature: sigAlg}, nil
}
