package randbeacon

/*
The service.go defines what to do for each API-call. This part of the service
runs on the node.
*/

import (
	"bytes"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/ceyhunalp/lotterypot/pot"
	"go.dedis.ch/cothority/v3/byzcoin"
	dkgprotocol "go.dedis.ch/cothority/v3/dkg/pedersen"
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	dkg "go.dedis.ch/kyber/v3/share/dkg/pedersen"
	vss "go.dedis.ch/kyber/v3/share/vss/pedersen"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

var serviceID onet.ServiceID
var suite = bn256.NewSuite()
var vssSuite = suite.G2().(vss.Suite)

const dkgProtoName = "randbeacon_dkg"
const signProtoName = "randbeacon_sign"

// ServiceName is the name of the randomness beacon service.
const ServiceName = "randbeacon"

func init() {
	var err error
	serviceID, err = onet.RegisterNewService(ServiceName, newService)
	if err != nil {
		panic(err)
	}
}

// Beacon holds the internal state of the service. It only ever signs seeds
// that its own ByzCoin replica shows as recorded by a pot in state
// RandomnessRequested, so no fulfillment can exist while that pot still
// sells tickets.
type Beacon struct {
	*onet.ServiceProcessor

	keypair      *key.Pair
	distKeyStore *dkg.DistKeyShare
	pubPoly      *share.PubPoly
	byzService   *byzcoin.Service

	sync.Mutex
	byzID skipchain.SkipBlockID
	// signed seeds, keyed by hex seed. BLS is deterministic so signing the
	// same seed twice would yield the same value; the cache just makes the
	// dedup explicit and cheap.
	fulfillments map[string][]byte
}

// BindLedger pins this node to the ByzCoin ledger it verifies seeds
// against. Rebinding to a different ledger is refused.
func (s *Beacon) BindLedger(req *BindLedgerRequest) (*BindLedgerReply, error) {
	if len(req.ByzCoinID) == 0 {
		return nil, errors.New("empty ledger id")
	}
	s.Lock()
	defer s.Unlock()
	if len(s.byzID) != 0 && !bytes.Equal(s.byzID, req.ByzCoinID) {
		return nil, errors.New("already bound to another ledger")
	}
	s.byzID = req.ByzCoinID
	return &BindLedgerReply{}, nil
}

// InitDKG starts the DKG protocol and returns the distributed public key
// that pots record at creation.
func (s *Beacon) InitDKG(req *InitDKGRequest) (*InitDKGReply, error) {
	tree := req.Roster.GenerateStar()
	pi, err := s.CreateProtocol(dkgProtoName, tree)
	if err != nil {
		return nil, err
	}
	setup := pi.(*dkgprotocol.Setup)
	setup.Wait = true

	if err := pi.Start(); err != nil {
		return nil, err
	}

	select {
	case <-setup.Finished:
		if err := s.storeShare(setup); err != nil {
			return nil, err
		}
	case <-time.After(5 * time.Second):
		return nil, errors.New("dkg did not finish")
	}
	return &InitDKGReply{Public: s.pubPoly.Commit()}, nil
}

// SignSeed produces the threshold signature over a pot's seed. Repeated
// requests for the same seed return the cached fulfillment.
func (s *Beacon) SignSeed(req *SignSeedRequest) (*SignSeedReply, error) {
	if len(req.Seed) == 0 {
		return nil, errors.New("empty seed")
	}
	if s.pubPoly == nil {
		return nil, errors.New("dkg not finished")
	}
	s.Lock()
	cached, ok := s.fulfillments[hex.EncodeToString(req.Seed)]
	s.Unlock()
	if ok {
		return &SignSeedReply{Fulfillment: s.newFulfillment(req.Seed, cached)}, nil
	}
	// Every node re-runs this check inside the protocol; doing it here
	// first turns a doomed round into a clean error for the caller.
	if err := s.verifySeed(req.PotID, req.Seed); err != nil {
		return nil, err
	}

	pi, err := s.CreateProtocol(signProtoName, req.Roster.GenerateStar())
	if err != nil {
		return nil, err
	}
	signPi := pi.(*SignProtocol)
	signPi.PotID = req.PotID
	signPi.Seed = req.Seed
	if err := pi.Start(); err != nil {
		return nil, err
	}

	select {
	case sig := <-signPi.FinalSignature:
		s.storeFulfillment(req.Seed, sig)
		return &SignSeedReply{Fulfillment: s.newFulfillment(req.Seed, sig)}, nil
	case <-time.After(2 * time.Second):
		return nil, errors.New("timeout waiting for final signature")
	}
}

// GetFulfillment returns a previously produced fulfillment.
func (s *Beacon) GetFulfillment(req *GetFulfillmentRequest) (*GetFulfillmentReply, error) {
	s.Lock()
	sig, ok := s.fulfillments[hex.EncodeToString(req.Seed)]
	s.Unlock()
	if !ok {
		return nil, errors.New("unknown seed")
	}
	return &GetFulfillmentReply{Fulfillment: s.newFulfillment(req.Seed, sig)}, nil
}

// NewProtocol is a callback for creating protocols on non-root nodes.
func (s *Beacon) NewProtocol(tn *onet.TreeNodeInstance, conf *onet.GenericConfig) (onet.ProtocolInstance, error) {
	log.Lvl3(s.ServerIdentity(), tn.ProtocolName(), conf)
	switch tn.ProtocolName() {
	case dkgProtoName:
		pi, err := dkgprotocol.CustomSetup(tn, vssSuite, s.keypair)
		if err != nil {
			return nil, err
		}
		setup := pi.(*dkgprotocol.Setup)

		go func() {
			<-setup.Finished
			if err := s.storeShare(setup); err != nil {
				log.Error(s.ServerIdentity(), err)
			}
		}()
		return pi, nil
	case signProtoName:
		pi, err := NewSignProtocol(tn, s.verifySeed, s.distKeyStore.PriShare(), s.pubPoly, suite)
		if err != nil {
			return nil, err
		}
		signProto := pi.(*SignProtocol)

		go func() {
			select {
			case sig := <-signProto.FinalSignature:
				s.storeFulfillment(signProto.Seed, sig)
			case <-time.After(time.Second):
				log.Error(s.ServerIdentity(), "time out while waiting for signature")
			}
		}()

		return pi, nil
	default:
		return nil, errors.New("invalid protocol")
	}
}

func (s *Beacon) storeShare(setup *dkgprotocol.Setup) error {
	_, dks, err := setup.SharedSecret()
	if err != nil {
		return err
	}
	s.distKeyStore = dks
	s.pubPoly = share.NewPubPoly(vssSuite, vssSuite.Point().Base(), dks.Commitments())
	return nil
}

func (s *Beacon) storeFulfillment(seed, sig []byte) {
	s.Lock()
	s.fulfillments[hex.EncodeToString(seed)] = sig
	s.Unlock()
}

func (s *Beacon) newFulfillment(seed, sig []byte) Fulfillment {
	return Fulfillment{
		Seed:   seed,
		Public: s.pubPoly.Commit(),
		Value:  sig,
	}
}

// verifySeed consults this node's own ByzCoin replica: the seed must be
// the one recorded by the named pot, and the pot must have left the sale
// phase. A pot's seed is derivable from public data long before the sale
// closes; refusing to sign until the ledger shows RandomnessRequested is
// what keeps the draw unpredictable while tickets can still be bought.
func (s *Beacon) verifySeed(potID byzcoin.InstanceID, seed []byte) error {
	if len(seed) == 0 {
		return errors.New("empty seed")
	}
	s.Lock()
	byzID := s.byzID
	s.Unlock()
	if len(byzID) == 0 {
		return errors.New("not bound to a ledger")
	}
	resp, err := s.byzService.GetProof(&byzcoin.GetProof{
		Version: byzcoin.CurrentVersion,
		ID:      byzID,
		Key:     potID.Slice(),
	})
	if err != nil {
		return xerrors.Errorf("cannot get pot proof: %v", err)
	}
	if !resp.Proof.InclusionProof.Match(potID.Slice()) {
		return errors.New("no such pot")
	}
	val, cid, _, err := resp.Proof.Get(potID.Slice())
	if err != nil {
		return xerrors.Errorf("cannot read pot proof: %v", err)
	}
	if cid != pot.ContractPotID {
		return xerrors.Errorf("instance is a %s, not %s", cid, pot.ContractPotID)
	}
	storage := &pot.PotStorage{}
	if err := protobuf.Decode(val, storage); err != nil {
		return xerrors.Errorf("cannot decode pot: %v", err)
	}
	if storage.Pot.Status != pot.StatusRandomnessRequested || storage.Request == nil {
		return errors.New("pot has not requested randomness")
	}
	if !bytes.Equal(storage.Request.Seed, seed) {
		return errors.New("seed was not requested by this pot")
	}
	return nil
}

func newService(c *onet.Context) (onet.Service, error) {
	s := &Beacon{
		ServiceProcessor: onet.NewServiceProcessor(c),
		keypair:          key.NewKeyPair(vssSuite),
		byzService:       c.Service(byzcoin.ServiceName).(*byzcoin.Service),
		fulfillments:     make(map[string][]byte),
	}
	if _, err := s.ProtocolRegister(dkgProtoName, func(n *onet.TreeNodeInstance) (onet.ProtocolInstance, error) {
		return dkgprotocol.CustomSetup(n, vssSuite, s.keypair)
	}); err != nil {
		return nil, err
	}
	if _, err := s.ProtocolRegister(signProtoName, func(n *onet.TreeNodeInstance) (onet.ProtocolInstance, error) {
		return NewSignProtocol(n, s.verifySeed, s.distKeyStore.PriShare(), s.pubPoly, suite)
	}); err != nil {
		return nil, err
	}
	if err := s.RegisterHandlers(s.BindLedger, s.InitDKG, s.SignSeed, s.GetFulfillment); err != nil {
		return nil, err
	}
	return s, nil
}
