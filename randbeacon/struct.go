package randbeacon

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/bls"
)

// Fulfillment is the beacon's verifiable answer to one seed. Value is a
// threshold BLS signature over Seed under the distributed key Public, so
// anyone can check it without talking to the beacon.
type Fulfillment struct {
	Seed   []byte
	Public kyber.Point
	Value  []byte
}

// Verify checks the fulfillment against the given beacon key.
func (f *Fulfillment) Verify(public kyber.Point) error {
	return bls.Verify(suite, public, f.Seed, f.Value)
}
