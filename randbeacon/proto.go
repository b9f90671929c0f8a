package randbeacon

import (
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
)

func init() {
	network.RegisterMessages(&BindLedgerRequest{}, &BindLedgerReply{},
		&InitDKGRequest{}, &InitDKGReply{},
		&SignSeedRequest{}, &SignSeedReply{},
		&GetFulfillmentRequest{}, &GetFulfillmentReply{})
}

// BindLedgerRequest tells one beacon node which ByzCoin ledger holds the
// pots it signs for. Every node in the roster is configured with it, so no
// single node can be fooled into signing for a foreign ledger.
type BindLedgerRequest struct {
	ByzCoinID skipchain.SkipBlockID
}

type BindLedgerReply struct{}

// InitDKGRequest starts the distributed key generation.
type InitDKGRequest struct {
	Roster *onet.Roster
}

// InitDKGReply carries the distributed public key.
type InitDKGReply struct {
	Public kyber.Point
}

// SignSeedRequest asks the beacon for a threshold signature over the seed
// recorded by the given pot.
type SignSeedRequest struct {
	Roster *onet.Roster
	PotID  byzcoin.InstanceID
	Seed   []byte
}

type SignSeedReply struct {
	Fulfillment Fulfillment
}

// GetFulfillmentRequest fetches a previously produced fulfillment.
type GetFulfillmentRequest struct {
	Seed []byte
}

type GetFulfillmentReply struct {
	Fulfillment Fulfillment
}
