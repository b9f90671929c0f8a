package randbeacon

import (
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/onet/v3"
	"golang.org/x/xerrors"
)

type Client struct {
	*onet.Client
	roster *onet.Roster
}

func NewClient(r *onet.Roster) *Client {
	return &Client{Client: onet.NewClient(cothority.Suite, ServiceName), roster: r}
}

// InitDKG binds every node to the ledger and runs the key generation,
// returning the distributed public key.
func (c *Client) InitDKG(byzID skipchain.SkipBlockID) (*InitDKGReply, error) {
	bindReq := &BindLedgerRequest{ByzCoinID: byzID}
	for _, node := range c.roster.List {
		if err := c.SendProtobuf(node, bindReq, &BindLedgerReply{}); err != nil {
			return nil, xerrors.Errorf("send BindLedger message: %v", err)
		}
	}
	req := &InitDKGRequest{Roster: c.roster}
	reply := &InitDKGReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

// SignSeed asks the beacon to fulfill the seed recorded by a pot.
func (c *Client) SignSeed(potID byzcoin.InstanceID, seed []byte) (*SignSeedReply, error) {
	req := &SignSeedRequest{Roster: c.roster, PotID: potID, Seed: seed}
	reply := &SignSeedReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

// GetFulfillment fetches the fulfillment of a previously signed seed.
func (c *Client) GetFulfillment(seed []byte) (*GetFulfillmentReply, error) {
	req := &GetFulfillmentRequest{Seed: seed}
	reply := &GetFulfillmentReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}
