package pot

import (
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"

	"github.com/ceyhunalp/lotterypot/utils"
)

// PotStatus is the lifecycle state of a pot.
type PotStatus uint32

const (
	StatusOpen PotStatus = iota
	StatusRandomnessRequested
	StatusSettled
	StatusCancelled
)

func (ps PotStatus) String() string {
	switch ps {
	case StatusOpen:
		return "open"
	case StatusRandomnessRequested:
		return "randomness_requested"
	case StatusSettled:
		return "settled"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Pot holds the immutable creation parameters and the sale counter of one
// lottery instance. Keys are stored marshaled: Authority is an ed25519
// point, Beacon a bn256 G2 point, and the two suites cannot share one
// decoder.
type Pot struct {
	Authority      []byte
	Beacon         []byte
	Unit           string
	Vault          byzcoin.InstanceID
	Developer      byzcoin.InstanceID
	FeeBps         uint32
	TicketPrice    uint64
	TicketCapacity uint64
	TicketsSold    uint64
	Status         PotStatus
}

// AuthorityPoint unmarshals the pot authority's ed25519 key.
func (p *Pot) AuthorityPoint() (kyber.Point, error) {
	return unmarshalEd25519(p.Authority)
}

// BeaconPoint unmarshals the beacon's distributed bn256 key.
func (p *Pot) BeaconPoint() (kyber.Point, error) {
	pt := blsSuite.G2().Point()
	if err := pt.UnmarshalBinary(p.Beacon); err != nil {
		return nil, xerrors.Errorf("couldn't unmarshal beacon key: %v", err)
	}
	return pt, nil
}

// Ticket is one purchase unit. Its position in PotStorage.Tickets is its
// index in the selection space; the slice is append-only so indices are
// gap-free and order-preserving.
type Ticket struct {
	Key     []byte
	Account byzcoin.InstanceID
	Sig     []byte
}

// KeyPoint unmarshals the buyer's ed25519 key.
func (t *Ticket) KeyPoint() (kyber.Point, error) {
	return unmarshalEd25519(t.Key)
}

// RandomnessRequest correlates the pot with its single oracle request.
// Value stays empty until a verified fulfillment is accepted; Consumed
// flips when the fulfillment drives the payout.
type RandomnessRequest struct {
	Seed     []byte
	Value    []byte
	Consumed bool
}

// Winner is set exactly once, during settlement.
type Winner struct {
	Index   uint64
	Key     []byte
	Account byzcoin.InstanceID
	Amount  uint64
}

// PotStorage is the trie value of a lotteryPot instance.
type PotStorage struct {
	Pot     Pot
	Tickets []Ticket
	Request *RandomnessRequest
	Winner  *Winner
}

// PotSpawnData is the protobuf-encoded "pot" spawn argument.
type PotSpawnData struct {
	Authority      []byte
	Beacon         []byte
	Unit           string
	Developer      byzcoin.InstanceID
	FeeBps         uint32
	TicketPrice    uint64
	TicketCapacity uint64
}

// NewPotSpawnData marshals the authority and beacon keys into spawn data.
func NewPotSpawnData(authority kyber.Point, beacon kyber.Point, unit string,
	developer byzcoin.InstanceID, feeBps uint32, price uint64, capacity uint64) (*PotSpawnData, error) {
	authBuf, err := authority.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("couldn't marshal authority key: %v", err)
	}
	beaconBuf, err := beacon.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("couldn't marshal beacon key: %v", err)
	}
	return &PotSpawnData{
		Authority:      authBuf,
		Beacon:         beaconBuf,
		Unit:           unit,
		Developer:      developer,
		FeeBps:         feeBps,
		TicketPrice:    price,
		TicketCapacity: capacity,
	}, nil
}

func (d *PotSpawnData) AuthorityPoint() (kyber.Point, error) {
	return unmarshalEd25519(d.Authority)
}

func (d *PotSpawnData) BeaconPoint() (kyber.Point, error) {
	pt := blsSuite.G2().Point()
	if err := pt.UnmarshalBinary(d.Beacon); err != nil {
		return nil, xerrors.Errorf("couldn't unmarshal beacon key: %v", err)
	}
	return pt, nil
}

func unmarshalEd25519(buf []byte) (kyber.Point, error) {
	pt := cothority.Suite.Point()
	if err := pt.UnmarshalBinary(buf); err != nil {
		return nil, xerrors.Errorf("couldn't unmarshal key: %v", err)
	}
	return pt, nil
}

// Digests signed by the authority (spawn, request, payout, cancel) and by
// buyers (ticket). Domain-separated so a signature for one operation can
// never stand in for another.

func SpawnDigest(data []byte) []byte {
	return utils.Digest([]byte("pot_spawn"), data)
}

func TicketDigest(potID byzcoin.InstanceID, key []byte, account byzcoin.InstanceID) []byte {
	return utils.Digest([]byte("pot_ticket"), potID.Slice(), key, account.Slice())
}

func RequestDigest(potID byzcoin.InstanceID, ticketsSold uint64) []byte {
	return utils.Digest([]byte("pot_rand_request"), potID.Slice(), utils.Uint64Bytes(ticketsSold))
}

func PayoutDigest(potID byzcoin.InstanceID, seed []byte) []byte {
	return utils.Digest([]byte("pot_payout"), potID.Slice(), seed)
}

func CancelDigest(potID byzcoin.InstanceID) []byte {
	return utils.Digest([]byte("pot_cancel"), potID.Slice())
}

// NewSeed derives the correlation seed recorded when randomness is
// requested. A pot requests at most once, and the pot ID makes seeds unique
// across pots.
func NewSeed(potID byzcoin.InstanceID, ticketsSold uint64) []byte {
	return utils.Digest([]byte("pot_seed"), potID.Slice(), utils.Uint64Bytes(ticketsSold))
}

// PotRecord is the archive entry written once a pot reaches a terminal
// state.
type PotRecord struct {
	PotID      byzcoin.InstanceID
	Status     PotStatus
	Seed       []byte
	Randomness []byte
	Winner     *Winner
	Payout     uint64
	Fee        uint64
}
