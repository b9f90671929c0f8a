package pot_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/ceyhunalp/lotterypot/pot"
	"github.com/ceyhunalp/lotterypot/randbeacon"
	"github.com/ceyhunalp/lotterypot/utils"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

type lotteryEnv struct {
	local     *onet.LocalTest
	roster    *onet.Roster
	admin     *pot.AdminClient
	byzID     skipchain.SkipBlockID
	gDarc     darc.ID
	authority darc.Signer
	beacon    *randbeacon.Client
	beaconKey kyber.Point
	dev       darc.Signer
	devID     byzcoin.InstanceID
}

func newLotteryEnv(t *testing.T) *lotteryEnv {
	local := onet.NewTCPTest(cothority.Suite)
	_, roster, _ := local.GenTree(5, true)

	admin, byzID, err := pot.SetupByzcoin(roster, 1)
	require.NoError(t, err)

	beacon := randbeacon.NewClient(roster)
	dkgReply, err := beacon.InitDKG(byzID)
	require.NoError(t, err)
	// wait for DKG to finish on all
	time.Sleep(time.Second / 2)

	env := &lotteryEnv{
		local:     local,
		roster:    roster,
		admin:     admin,
		byzID:     byzID,
		gDarc:     admin.GMsg.GenesisDarc.GetBaseID(),
		authority: darc.NewSignerEd25519(nil, nil),
		beacon:    beacon,
		beaconKey: dkgReply.Public,
		dev:       darc.NewSignerEd25519(nil, nil),
	}
	env.devID, err = admin.Cl.SpawnAccount(env.gDarc, "token", env.dev.Ed25519.Point, 4)
	require.NoError(t, err)
	return env
}

func (e *lotteryEnv) createPot(t *testing.T, price, capacity uint64, feeBps uint32) byzcoin.InstanceID {
	data, err := pot.NewPotSpawnData(e.authority.Ed25519.Point, e.beaconKey, "token",
		e.devID, feeBps, price, capacity)
	require.NoError(t, err)
	potID, vaultID, err := e.admin.Cl.CreatePot(e.gDarc, data, e.authority, 4)
	require.NoError(t, err)

	storage, err := e.admin.Cl.GetPot(potID)
	require.NoError(t, err)
	require.Equal(t, pot.StatusOpen, storage.Pot.Status)
	require.Equal(t, vaultID, storage.Pot.Vault)
	vaultCS, err := e.admin.Cl.GetAccount(vaultID)
	require.NoError(t, err)
	require.Equal(t, uint64(0), vaultCS.Balance)
	require.Empty(t, vaultCS.Owner)
	return potID
}

func (e *lotteryEnv) newBuyer(t *testing.T, balance uint64) (darc.Signer, byzcoin.InstanceID) {
	buyer := darc.NewSignerEd25519(nil, nil)
	account, err := e.admin.Cl.SpawnAccount(e.gDarc, "token", buyer.Ed25519.Point, 4)
	require.NoError(t, err)
	require.NoError(t, e.admin.Cl.Mint(account, balance, 4))
	return buyer, account
}

func (e *lotteryEnv) balance(t *testing.T, id byzcoin.InstanceID) uint64 {
	cs, err := e.admin.Cl.GetAccount(id)
	require.NoError(t, err)
	return cs.Balance
}

func TestLottery_Settlement(t *testing.T) {
	env := newLotteryEnv(t)
	defer env.local.CloseAll()
	cl := env.admin.Cl

	potID := env.createPot(t, 100, 10, 500)

	buyers := make([]darc.Signer, 5)
	accounts := make([]byzcoin.InstanceID, 5)
	for i := range buyers {
		buyers[i], accounts[i] = env.newBuyer(t, 1000)
		require.NoError(t, cl.BuyTicket(potID, buyers[i], accounts[i], 4))
	}

	storage, err := cl.GetPot(potID)
	require.NoError(t, err)
	require.Equal(t, uint64(5), storage.Pot.TicketsSold)
	require.Len(t, storage.Tickets, 5)
	require.Equal(t, uint64(500), env.balance(t, storage.Pot.Vault))
	for _, acc := range accounts {
		require.Equal(t, uint64(900), env.balance(t, acc))
	}

	seed, err := cl.RequestRandomness(potID, env.authority, 4)
	require.NoError(t, err)
	require.Equal(t, pot.NewSeed(potID, 5), seed)

	storage, err = cl.GetPot(potID)
	require.NoError(t, err)
	require.Equal(t, pot.StatusRandomnessRequested, storage.Pot.Status)
	require.Equal(t, seed, storage.Request.Seed)

	// The sale is closed; no more tickets.
	late, lateAcc := env.newBuyer(t, 1000)
	require.Error(t, cl.BuyTicket(potID, late, lateAcc, 4))

	signed, err := env.beacon.SignSeed(potID, seed)
	require.NoError(t, err)
	value := signed.Fulfillment.Value
	require.NoError(t, cl.AcceptFulfillment(potID, seed, value, 4))

	// The request holds a value now; a second fulfillment is refused.
	require.Error(t, cl.AcceptFulfillment(potID, seed, value, 4))

	// Recompute the winner the way the contract does.
	idx := binary.LittleEndian.Uint64(utils.Digest(value)) % 5
	winnerAcc := accounts[idx]

	// A wrong claimed winner is caught.
	wrong := accounts[(idx+1)%5]
	require.Error(t, cl.FulfillAndPayout(potID, env.authority, &wrong, 4))

	require.NoError(t, cl.FulfillAndPayout(potID, env.authority, &winnerAcc, 4))

	storage, err = cl.GetPot(potID)
	require.NoError(t, err)
	require.Equal(t, pot.StatusSettled, storage.Pot.Status)
	require.True(t, storage.Request.Consumed)
	require.NotNil(t, storage.Winner)
	require.Equal(t, idx, storage.Winner.Index)
	require.Equal(t, winnerAcc, storage.Winner.Account)
	require.Equal(t, uint64(475), storage.Winner.Amount)

	require.Equal(t, uint64(0), env.balance(t, storage.Pot.Vault))
	require.Equal(t, uint64(900+475), env.balance(t, winnerAcc))
	require.Equal(t, uint64(25), env.balance(t, env.devID))

	// Settlement is final.
	require.Error(t, cl.FulfillAndPayout(potID, env.authority, nil, 4))

	// Archive the settled pot and read it back.
	_, err = cl.InitUnit(&pot.InitUnitRequest{})
	require.NoError(t, err)
	_, err = cl.ArchivePot(potID)
	require.NoError(t, err)
	archived, err := cl.GetArchivedPot(potID)
	require.NoError(t, err)
	require.Equal(t, pot.StatusSettled, archived.Record.Status)
	require.Equal(t, seed, archived.Record.Seed)
	require.Equal(t, value, archived.Record.Randomness)
	require.Equal(t, uint64(475), archived.Record.Payout)
	require.Equal(t, uint64(25), archived.Record.Fee)

	require.NoError(t, cl.DeletePot(potID, 4))
	_, err = cl.GetPot(potID)
	require.Error(t, err)
}

func TestLottery_CapacityLimit(t *testing.T) {
	env := newLotteryEnv(t)
	defer env.local.CloseAll()
	cl := env.admin.Cl

	potID := env.createPot(t, 100, 3, 500)

	for i := 0; i < 3; i++ {
		buyer, account := env.newBuyer(t, 1000)
		require.NoError(t, cl.BuyTicket(potID, buyer, account, 4))
	}

	// The fourth purchase bounces and the whole transaction with it: the
	// escrow transfer is rolled back too.
	buyer, account := env.newBuyer(t, 1000)
	require.Error(t, cl.BuyTicket(potID, buyer, account, 4))
	require.Equal(t, uint64(1000), env.balance(t, account))

	storage, err := cl.GetPot(potID)
	require.NoError(t, err)
	require.Equal(t, uint64(3), storage.Pot.TicketsSold)
	require.Equal(t, uint64(300), env.balance(t, storage.Pot.Vault))
}

// A stranger crediting the ownerless vault directly must neither block
// further sales nor block the payout; prize and fee stay a function of
// sold*price and the donated surplus stays in the vault.
func TestLottery_VaultDonation(t *testing.T) {
	env := newLotteryEnv(t)
	defer env.local.CloseAll()
	cl := env.admin.Cl

	potID := env.createPot(t, 100, 3, 500)
	storage, err := cl.GetPot(potID)
	require.NoError(t, err)
	vaultID := storage.Pot.Vault

	buyer1, account1 := env.newBuyer(t, 1000)
	require.NoError(t, cl.BuyTicket(potID, buyer1, account1, 4))

	donor, donorAcc := env.newBuyer(t, 100)
	require.NoError(t, cl.Transfer(donorAcc, vaultID, 1, donor, 4))
	require.Equal(t, uint64(101), env.balance(t, vaultID))

	buyer2, account2 := env.newBuyer(t, 1000)
	require.NoError(t, cl.BuyTicket(potID, buyer2, account2, 4))
	require.Equal(t, uint64(201), env.balance(t, vaultID))

	seed, err := cl.RequestRandomness(potID, env.authority, 4)
	require.NoError(t, err)
	signed, err := env.beacon.SignSeed(potID, seed)
	require.NoError(t, err)
	require.NoError(t, cl.AcceptFulfillment(potID, seed, signed.Fulfillment.Value, 4))
	require.NoError(t, cl.FulfillAndPayout(potID, env.authority, nil, 4))

	storage, err = cl.GetPot(potID)
	require.NoError(t, err)
	require.Equal(t, pot.StatusSettled, storage.Pot.Status)
	// 2 tickets escrowed 200: fee 10, prize 190, donation left behind.
	require.Equal(t, uint64(190), storage.Winner.Amount)
	require.Equal(t, uint64(10), env.balance(t, env.devID))
	require.Equal(t, uint64(1), env.balance(t, vaultID))
}

func TestLottery_EmptyAndCancel(t *testing.T) {
	env := newLotteryEnv(t)
	defer env.local.CloseAll()
	cl := env.admin.Cl

	potID := env.createPot(t, 100, 10, 500)

	// No randomness for an empty pot.
	_, err := cl.RequestRandomness(potID, env.authority, 4)
	require.Error(t, err)

	// Only the authority can cancel.
	stranger := darc.NewSignerEd25519(nil, nil)
	require.Error(t, cl.Cancel(potID, stranger, 4))

	require.NoError(t, cl.Cancel(potID, env.authority, 4))
	storage, err := cl.GetPot(potID)
	require.NoError(t, err)
	require.Equal(t, pot.StatusCancelled, storage.Pot.Status)

	buyer, account := env.newBuyer(t, 1000)
	require.Error(t, cl.BuyTicket(potID, buyer, account, 4))

	// A pot holding escrowed tickets cannot be cancelled.
	potID2 := env.createPot(t, 100, 10, 500)
	buyer2, account2 := env.newBuyer(t, 1000)
	require.NoError(t, cl.BuyTicket(potID2, buyer2, account2, 4))
	require.Error(t, cl.Cancel(potID2, env.authority, 4))
}

func TestLottery_FulfillmentChecks(t *testing.T) {
	env := newLotteryEnv(t)
	defer env.local.CloseAll()
	cl := env.admin.Cl

	potID := env.createPot(t, 100, 10, 500)
	buyer, account := env.newBuyer(t, 1000)
	require.NoError(t, cl.BuyTicket(potID, buyer, account, 4))

	seed, err := cl.RequestRandomness(potID, env.authority, 4)
	require.NoError(t, err)

	// No payout before a verified fulfillment arrives.
	require.Error(t, cl.FulfillAndPayout(potID, env.authority, nil, 4))

	// Garbage randomness is refused.
	require.Error(t, cl.AcceptFulfillment(potID, seed, []byte("not a signature"), 4))

	// A second pot's fulfillment must not fit this one.
	potID2 := env.createPot(t, 100, 10, 500)
	buyer2, account2 := env.newBuyer(t, 1000)
	require.NoError(t, cl.BuyTicket(potID2, buyer2, account2, 4))
	otherSeed, err := cl.RequestRandomness(potID2, env.authority, 4)
	require.NoError(t, err)
	otherSigned, err := env.beacon.SignSeed(potID2, otherSeed)
	require.NoError(t, err)
	require.Error(t, cl.AcceptFulfillment(potID, otherSeed, otherSigned.Fulfillment.Value, 4))
	// Neither does a valid signature submitted under this pot's seed label.
	require.Error(t, cl.AcceptFulfillment(potID, seed, otherSigned.Fulfillment.Value, 4))

	signed, err := env.beacon.SignSeed(potID, seed)
	require.NoError(t, err)
	value := signed.Fulfillment.Value
	require.NoError(t, cl.AcceptFulfillment(potID, seed, value, 4))

	// Only the pot authority can trigger the payout.
	stranger := darc.NewSignerEd25519(nil, nil)
	require.Error(t, cl.FulfillAndPayout(potID, stranger, nil, 4))

	require.NoError(t, cl.FulfillAndPayout(potID, env.authority, nil, 4))

	// Single ticket: the buyer wins the whole prize minus the fee.
	require.Equal(t, uint64(900+95), env.balance(t, account))
	require.Equal(t, uint64(5), env.balance(t, env.devID))
}

func TestLottery_InsufficientFunds(t *testing.T) {
	env := newLotteryEnv(t)
	defer env.local.CloseAll()
	cl := env.admin.Cl

	potID := env.createPot(t, 100, 10, 500)
	buyer, account := env.newBuyer(t, 50)
	require.Error(t, cl.BuyTicket(potID, buyer, account, 4))
	require.Equal(t, uint64(50), env.balance(t, account))

	storage, err := cl.GetPot(potID)
	require.NoError(t, err)
	require.Equal(t, uint64(0), storage.Pot.TicketsSold)
}

func TestLottery_InvalidParameters(t *testing.T) {
	env := newLotteryEnv(t)
	defer env.local.CloseAll()
	cl := env.admin.Cl

	badData := func(feeBps uint32, price, capacity uint64) *pot.PotSpawnData {
		data, err := pot.NewPotSpawnData(env.authority.Ed25519.Point, env.beaconKey,
			"token", env.devID, feeBps, price, capacity)
		require.NoError(t, err)
		return data
	}

	_, _, err := cl.CreatePot(env.gDarc, badData(500, 0, 10), env.authority, 4)
	require.Error(t, err)
	_, _, err = cl.CreatePot(env.gDarc, badData(500, 100, 0), env.authority, 4)
	require.Error(t, err)
	_, _, err = cl.CreatePot(env.gDarc, badData(10000, 100, 10), env.authority, 4)
	require.Error(t, err)

	// The escrow total fits in 64 bits but total*feeBps does not; such a
	// pot could never settle, so it must not spawn.
	_, _, err = cl.CreatePot(env.gDarc, badData(500, 1<<40, 1<<20), env.authority, 4)
	require.Error(t, err)

	// The spawn signature must come from the declared authority.
	data := badData(500, 100, 10)
	stranger := darc.NewSignerEd25519(nil, nil)
	_, _, err = cl.CreatePot(env.gDarc, data, stranger, 4)
	require.Error(t, err)
}
