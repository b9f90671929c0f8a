package randbeacon

import (
	"errors"
	"time"

	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/kyber/v3/pairing"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/tbls"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
)

// SignProtocol runs one threshold BLS signature round over a pot's seed.
// Each node contributes a partial signature only after checking the seed
// against its own ledger replica, so a malicious root cannot obtain a
// fulfillment for a pot that is still selling tickets.
type SignProtocol struct {
	*onet.TreeNodeInstance
	PotID byzcoin.InstanceID
	Seed  []byte

	announceChan chan announceChan
	partialChan  chan partialChan
	doneChan     chan doneChan

	verify    func(byzcoin.InstanceID, []byte) error
	sk        *share.PriShare
	pk        *share.PubPoly
	suite     pairing.Suite
	threshold int

	FinalSignature chan []byte
}

// Announce carries the pot and the seed to sign.
type Announce struct {
	PotID byzcoin.InstanceID
	Seed  []byte
}
type announceChan struct {
	*onet.TreeNode
	Announce
}

// PartialSig contains one node's partial signature.
type PartialSig struct {
	Partial []byte
}
type partialChan struct {
	*onet.TreeNode
	PartialSig
}

// Done tells the root a node has recovered the full signature.
type Done struct{}

type doneChan struct {
	*onet.TreeNode
	Done
}

// NewSignProtocol initialises the structure for use in one round.
func NewSignProtocol(n *onet.TreeNodeInstance, vf func(byzcoin.InstanceID, []byte) error, sk *share.PriShare, pk *share.PubPoly, suite pairing.Suite) (onet.ProtocolInstance, error) {
	numNodes := len(n.Roster().List)
	t := &SignProtocol{
		TreeNodeInstance: n,
		verify:           vf,
		sk:               sk,
		pk:               pk,
		suite:            suite,
		threshold:        numNodes - (numNodes-1)/3,
		FinalSignature:   make(chan []byte, 1),
	}
	if err := t.RegisterChannels(&t.announceChan, &t.partialChan, &t.doneChan); err != nil {
		return nil, err
	}
	return t, nil
}

// Start implements the onet.ProtocolInstance interface.
func (p *SignProtocol) Start() error {
	if len(p.Seed) == 0 {
		return errors.New("empty seed")
	}
	log.Lvl3(p.ServerIdentity(), "starting")
	return p.fullBroadcast(&Announce{PotID: p.PotID, Seed: p.Seed})
}

// Dispatch implements the onet.ProtocolInstance interface.
func (p *SignProtocol) Dispatch() error {
	defer p.Done()
	ann := <-p.announceChan
	if err := p.verify(ann.PotID, ann.Seed); err != nil {
		log.Error(p.ServerIdentity(), "refusing to sign:", err)
		return err
	}
	// Non-root nodes learn the seed here. The write is visible to whoever
	// receives on FinalSignature below.
	p.PotID = ann.PotID
	p.Seed = ann.Seed
	log.Lvl3(p.ServerIdentity(), "signing")
	partial, err := tbls.Sign(p.suite, p.sk, ann.Seed)
	if err != nil {
		return err
	}
	if err := p.fullBroadcast(&PartialSig{partial}); err != nil {
		return err
	}
	// A node whose replica lags, or that refused the seed, never sends a
	// partial; recovery still works from any threshold-sized subset.
	n := len(p.List())
	var sigs [][]byte
collect:
	for len(sigs) < n {
		select {
		case psMsg := <-p.partialChan:
			sigs = append(sigs, psMsg.Partial)
		case <-time.After(time.Second):
			break collect
		}
	}
	if len(sigs) < p.threshold {
		return errors.New("not enough partial signatures")
	}
	finalSig, err := tbls.Recover(p.suite, p.pk, ann.Seed, sigs, p.threshold, n)
	if err != nil {
		return err
	}
	log.Lvl3(p.ServerIdentity(), "recovered")
	if p.IsRoot() {
		for i := 0; i < n-1; i++ {
			select {
			case <-p.doneChan:
			case <-time.After(time.Second):
				// Missing confirmations do not invalidate the
				// recovered signature.
				i = n
			}
		}
		p.FinalSignature <- finalSig
		return nil
	}
	p.FinalSignature <- finalSig
	return p.SendTo(p.Root(), &Done{})
}

func (p *SignProtocol) fullBroadcast(msg interface{}) error {
	n := len(p.List())
	errc := make(chan error, n)
	for _, treenode := range p.List() {
		go func(tn *onet.TreeNode) {
			errc <- p.SendTo(tn, msg)
		}(treenode)
	}
	for i := 0; i < len(p.List()); i++ {
		if err := <-errc; err != nil {
			return err
		}
	}
	return nil
}
