package randbeacon

import (
	"testing"
	"time"

	"github.com/ceyhunalp/lotterypot/pot"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

// The beacon only signs seeds backed by a pot on the ledger, so the tests
// run a full ByzCoin ledger next to the beacon nodes.
type beaconEnv struct {
	local     *onet.LocalTest
	roster    *onet.Roster
	beacons   []*Beacon
	root      *Beacon
	admin     *pot.AdminClient
	byzID     skipchain.SkipBlockID
	gDarc     darc.ID
	authority darc.Signer
	public    kyber.Point
	devID     byzcoin.InstanceID
}

func newBeaconEnv(t *testing.T) *beaconEnv {
	local := onet.NewTCPTest(cothority.Suite)
	hosts, roster, _ := local.GenTree(5, true)

	admin, byzID, err := pot.SetupByzcoin(roster, 1)
	require.NoError(t, err)

	services := local.GetServices(hosts, serviceID)
	beacons := make([]*Beacon, len(services))
	for i, svc := range services {
		beacons[i] = svc.(*Beacon)
	}
	dkgReply, err := beacons[0].InitDKG(&InitDKGRequest{Roster: roster})
	require.NoError(t, err)
	// wait for DKG to finish on all
	time.Sleep(time.Second / 2)

	env := &beaconEnv{
		local:     local,
		roster:    roster,
		beacons:   beacons,
		root:      beacons[0],
		admin:     admin,
		byzID:     byzID,
		gDarc:     admin.GMsg.GenesisDarc.GetBaseID(),
		authority: darc.NewSignerEd25519(nil, nil),
		public:    dkgReply.Public,
	}
	dev := darc.NewSignerEd25519(nil, nil)
	env.devID, err = admin.Cl.SpawnAccount(env.gDarc, "token", dev.Ed25519.Point, 4)
	require.NoError(t, err)
	return env
}

func (e *beaconEnv) bind(t *testing.T) {
	for _, b := range e.beacons {
		_, err := b.BindLedger(&BindLedgerRequest{ByzCoinID: e.byzID})
		require.NoError(t, err)
	}
}

// createPot spawns a pot and sells one ticket, leaving the pot Open.
func (e *beaconEnv) createPot(t *testing.T) byzcoin.InstanceID {
	data, err := pot.NewPotSpawnData(e.authority.Ed25519.Point, e.public, "token",
		e.devID, 500, 100, 10)
	require.NoError(t, err)
	potID, _, err := e.admin.Cl.CreatePot(e.gDarc, data, e.authority, 4)
	require.NoError(t, err)

	buyer := darc.NewSignerEd25519(nil, nil)
	account, err := e.admin.Cl.SpawnAccount(e.gDarc, "token", buyer.Ed25519.Point, 4)
	require.NoError(t, err)
	require.NoError(t, e.admin.Cl.Mint(account, 100, 4))
	require.NoError(t, e.admin.Cl.BuyTicket(potID, buyer, account, 4))
	return potID
}

// Anyone can derive the seed a pot will record from public data. The
// beacon must still refuse it until the ledger shows the pot in
// RandomnessRequested, otherwise buyers could learn the draw before the
// sale closes and steer their purchases.
func TestBeacon_RefusesUnrequestedSeed(t *testing.T) {
	env := newBeaconEnv(t)
	defer env.local.CloseAll()

	potID := env.createPot(t)
	// The seed the pot will record if the sale closes at one ticket.
	predicted := pot.NewSeed(potID, 1)

	// Unbound nodes sign nothing at all.
	_, err := env.root.SignSeed(&SignSeedRequest{Roster: env.roster, PotID: potID, Seed: predicted})
	require.Error(t, err)

	env.bind(t)
	// Rebinding to a different ledger is refused.
	_, err = env.root.BindLedger(&BindLedgerRequest{ByzCoinID: skipchain.SkipBlockID([]byte("some other chain"))})
	require.Error(t, err)

	// The pot is still Open: no fulfillment for the predicted seed, nor
	// for any other candidate ticket count.
	_, err = env.root.SignSeed(&SignSeedRequest{Roster: env.roster, PotID: potID, Seed: predicted})
	require.Error(t, err)
	_, err = env.root.SignSeed(&SignSeedRequest{Roster: env.roster, PotID: potID, Seed: pot.NewSeed(potID, 2)})
	require.Error(t, err)

	seed, err := env.admin.Cl.RequestRandomness(potID, env.authority, 4)
	require.NoError(t, err)
	require.Equal(t, predicted, seed)

	// The very same seed is signable now that the sale is closed.
	reply, err := env.root.SignSeed(&SignSeedRequest{Roster: env.roster, PotID: potID, Seed: seed})
	require.NoError(t, err)
	require.NoError(t, bls.Verify(suite, env.public, seed, reply.Fulfillment.Value))

	// A seed the pot never recorded stays unsignable.
	_, err = env.root.SignSeed(&SignSeedRequest{Roster: env.roster, PotID: potID, Seed: pot.NewSeed(potID, 99)})
	require.Error(t, err)
	// So do an empty seed and an unknown pot.
	_, err = env.root.SignSeed(&SignSeedRequest{Roster: env.roster, PotID: potID})
	require.Error(t, err)
	_, err = env.root.SignSeed(&SignSeedRequest{Roster: env.roster,
		PotID: byzcoin.NewInstanceID([]byte("no such pot")), Seed: seed})
	require.Error(t, err)
}

func TestBeacon_SignAndFetch(t *testing.T) {
	env := newBeaconEnv(t)
	defer env.local.CloseAll()
	env.bind(t)

	potID := env.createPot(t)
	seed, err := env.admin.Cl.RequestRandomness(potID, env.authority, 4)
	require.NoError(t, err)

	_, err = env.root.GetFulfillment(&GetFulfillmentRequest{Seed: seed})
	require.Error(t, err)

	reply, err := env.root.SignSeed(&SignSeedRequest{Roster: env.roster, PotID: potID, Seed: seed})
	require.NoError(t, err)
	require.Equal(t, seed, reply.Fulfillment.Seed)
	require.NoError(t, reply.Fulfillment.Verify(env.public))

	// Signing the same seed again returns the cached fulfillment.
	again, err := env.root.SignSeed(&SignSeedRequest{Roster: env.roster, PotID: potID, Seed: seed})
	require.NoError(t, err)
	require.Equal(t, reply.Fulfillment.Value, again.Fulfillment.Value)

	// A second pot yields a different seed and a different signature.
	potID2 := env.createPot(t)
	seed2, err := env.admin.Cl.RequestRandomness(potID2, env.authority, 4)
	require.NoError(t, err)
	reply2, err := env.root.SignSeed(&SignSeedRequest{Roster: env.roster, PotID: potID2, Seed: seed2})
	require.NoError(t, err)
	require.NotEqual(t, reply.Fulfillment.Value, reply2.Fulfillment.Value)

	// A tampered signature must not verify.
	bad := make([]byte, len(reply.Fulfillment.Value))
	copy(bad, reply.Fulfillment.Value)
	bad[0] ^= 1
	require.Error(t, bls.Verify(suite, env.public, seed, bad))

	stored, err := env.root.GetFulfillment(&GetFulfillmentRequest{Seed: seed})
	require.NoError(t, err)
	require.Equal(t, reply.Fulfillment.Value, stored.Fulfillment.Value)
	require.NoError(t, stored.Fulfillment.Verify(env.public))
}
