package pot

import (
	"bytes"
	"encoding/binary"

	"github.com/ceyhunalp/lotterypot/utils"
	"github.com/ceyhunalp/lotterypot/vault"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// ContractPotID identifies the lottery pot contract.
const ContractPotID = "lotteryPot"

// Fee basis points are out of this denominator.
const feeDenominator = 10000

var blsSuite = bn256.NewSuite()

type contractPot struct {
	byzcoin.BasicContract
	PotStorage
}

func contractPotFromBytes(in []byte) (byzcoin.Contract, error) {
	cp := &contractPot{}
	err := protobuf.Decode(in, &cp.PotStorage)
	if err != nil {
		log.Errorf("Protobuf decode failed: %v", err)
		return nil, err
	}
	return cp, nil
}

// Spawn creates a pot in state Open together with its vault. The vault is
// spawned by the contract itself with no owner key, so the only way value
// ever leaves it is through fulfill_and_payout.
func (c *contractPot) Spawn(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction, coins []byzcoin.Coin) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	cout = coins
	var darcID darc.ID
	_, _, _, darcID, err = rst.GetValues(inst.InstanceID.Slice())
	if err != nil {
		log.Errorf("GetValues failed: %v", err)
		return
	}
	dataBuf := inst.Spawn.Args.Search("pot")
	if len(dataBuf) == 0 {
		err = xerrors.New("missing argument: pot")
		return
	}
	data := &PotSpawnData{}
	err = protobuf.Decode(dataBuf, data)
	if err != nil {
		log.Errorf("Protobuf decode failed: %v", err)
		return
	}
	var authority kyber.Point
	authority, err = data.AuthorityPoint()
	if err != nil {
		err = ErrInvalidParameters
		return
	}
	err = schnorr.Verify(cothority.Suite, authority, SpawnDigest(dataBuf),
		inst.Spawn.Args.Search("sig"))
	if err != nil {
		log.Errorf("Cannot verify authority signature: %v", err)
		err = ErrNotAuthorized
		return
	}
	if _, err = data.BeaconPoint(); err != nil {
		err = ErrInvalidParameters
		return
	}
	if data.TicketPrice == 0 || data.TicketCapacity == 0 {
		err = ErrInvalidParameters
		return
	}
	if data.FeeBps >= feeDenominator {
		err = ErrInvalidParameters
		return
	}
	// The escrow total and the fee arithmetic at settlement must both fit;
	// otherwise a full pot could never be paid out.
	var escrowMax uint64
	if escrowMax, err = utils.SafeMul(data.TicketPrice, data.TicketCapacity); err != nil {
		err = ErrInvalidParameters
		return
	}
	if _, err = utils.SafeMul(escrowMax, uint64(data.FeeBps)); err != nil {
		err = ErrInvalidParameters
		return
	}
	// The fee recipient must be an existing account of the same unit, like
	// the developer-wallet check at creation time.
	var devStorage *vault.CoinStorage
	devStorage, _, err = readAccount(rst, data.Developer)
	if err != nil {
		return
	}
	if devStorage.Unit != data.Unit {
		err = xerrors.Errorf("developer account holds unit %s, pot uses %s",
			devStorage.Unit, data.Unit)
		return
	}

	potID := inst.DeriveID("")
	vaultID := inst.DeriveID("vault")
	storage := &PotStorage{
		Pot: Pot{
			Authority:      data.Authority,
			Beacon:         data.Beacon,
			Unit:           data.Unit,
			Vault:          vaultID,
			Developer:      data.Developer,
			FeeBps:         data.FeeBps,
			TicketPrice:    data.TicketPrice,
			TicketCapacity: data.TicketCapacity,
			TicketsSold:    0,
			Status:         StatusOpen,
		},
	}
	potBuf, err := protobuf.Encode(storage)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	vaultBuf, err := protobuf.Encode(&vault.CoinStorage{Unit: data.Unit})
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	sc = []byzcoin.StateChange{
		byzcoin.NewStateChange(byzcoin.Create, potID, ContractPotID, potBuf, darcID),
		byzcoin.NewStateChange(byzcoin.Create, vaultID, vault.ContractCoinID, vaultBuf, darcID),
	}
	return
}

func (c *contractPot) Invoke(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction, coins []byzcoin.Coin) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	cout = coins
	var darcID darc.ID
	_, _, _, darcID, err = rst.GetValues(inst.InstanceID.Slice())
	if err != nil {
		log.Errorf("GetValues failed: %v", err)
		return
	}
	switch inst.Invoke.Command {
	case "buy_ticket":
		return c.buyTicket(rst, inst, darcID)
	case "request_randomness":
		return c.requestRandomness(inst, darcID)
	case "accept_fulfillment":
		return c.acceptFulfillment(inst, darcID)
	case "fulfill_and_payout":
		return c.fulfillAndPayout(rst, inst, darcID)
	case "cancel":
		return c.cancel(inst, darcID)
	default:
		return nil, nil, xerrors.Errorf("invalid invoke command: %s", inst.Invoke.Command)
	}
}

// buyTicket appends one ticket at index TicketsSold. The same client
// transaction must carry the potCoin transfer escrowing the ticket price;
// the contract accepts the purchase only if the staged vault balance covers
// every sold ticket including this one.
func (c *contractPot) buyTicket(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction, darcID darc.ID) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	storage := &c.PotStorage
	pot := &storage.Pot
	if pot.Status != StatusOpen {
		err = ErrWrongState
		return
	}
	if pot.TicketsSold >= pot.TicketCapacity {
		err = ErrPotFull
		return
	}
	ticketBuf := inst.Invoke.Args.Search("ticket")
	if len(ticketBuf) == 0 {
		err = xerrors.New("missing argument: ticket")
		return
	}
	ticket := Ticket{}
	err = protobuf.Decode(ticketBuf, &ticket)
	if err != nil {
		log.Errorf("Protobuf decode failed: %v", err)
		return
	}
	var buyerKey kyber.Point
	buyerKey, err = ticket.KeyPoint()
	if err != nil {
		return
	}
	digest := TicketDigest(inst.InstanceID, ticket.Key, ticket.Account)
	err = schnorr.Verify(cothority.Suite, buyerKey, digest, ticket.Sig)
	if err != nil {
		log.Errorf("Cannot verify ticket signature: %v", err)
		err = ErrNotAuthorized
		return
	}

	// The payout account must belong to the buyer and hold the pot's unit.
	var buyerStorage *vault.CoinStorage
	buyerStorage, _, err = readAccount(rst, ticket.Account)
	if err != nil {
		return
	}
	if buyerStorage.Unit != pot.Unit {
		err = vault.ErrUnitMismatch
		return
	}
	if !bytes.Equal(ticket.Key, buyerStorage.Owner) {
		err = xerrors.New("ticket account is not owned by the buyer key")
		return
	}

	var vaultStorage *vault.CoinStorage
	vaultStorage, err = c.readVault(rst)
	if err != nil {
		return
	}
	var expected uint64
	expected, err = utils.SafeMul(pot.TicketsSold+1, pot.TicketPrice)
	if err != nil {
		return
	}
	// At least, not exactly: the vault is an open credit target, so a
	// third party topping it up must not block further sales.
	if vaultStorage.Balance < expected {
		err = ErrInsufficientFunds
		return
	}

	storage.Tickets = append(storage.Tickets, ticket)
	pot.TicketsSold++

	var buf []byte
	buf, err = protobuf.Encode(storage)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	sc = []byzcoin.StateChange{
		byzcoin.NewStateChange(byzcoin.Update, inst.InstanceID, ContractPotID, buf, darcID),
	}
	return
}

// requestRandomness records the correlation seed and transitions to
// RandomnessRequested. The beacon observes the seed off-ledger; the
// fulfillment arrives in a later transaction, possibly much later or never.
func (c *contractPot) requestRandomness(inst byzcoin.Instruction, darcID darc.ID) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	storage := &c.PotStorage
	pot := &storage.Pot
	var authority kyber.Point
	authority, err = pot.AuthorityPoint()
	if err != nil {
		return
	}
	err = schnorr.Verify(cothority.Suite, authority,
		RequestDigest(inst.InstanceID, pot.TicketsSold), inst.Invoke.Args.Search("sig"))
	if err != nil {
		log.Errorf("Cannot verify authority signature: %v", err)
		err = ErrNotAuthorized
		return
	}
	if pot.Status != StatusOpen {
		err = ErrWrongState
		return
	}
	if pot.TicketsSold == 0 {
		err = ErrEmptyPot
		return
	}
	storage.Request = &RandomnessRequest{
		Seed: NewSeed(inst.InstanceID, pot.TicketsSold),
	}
	pot.Status = StatusRandomnessRequested

	var buf []byte
	buf, err = protobuf.Encode(storage)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	sc = []byzcoin.StateChange{
		byzcoin.NewStateChange(byzcoin.Update, inst.InstanceID, ContractPotID, buf, darcID),
	}
	return
}

// acceptFulfillment verifies and records the beacon's signature over the
// pot's seed. Anyone may relay it; verification against the beacon key
// recorded at creation leaves the relayer no discretion.
func (c *contractPot) acceptFulfillment(inst byzcoin.Instruction, darcID darc.ID) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	storage := &c.PotStorage
	pot := &storage.Pot
	if pot.Status != StatusRandomnessRequested || storage.Request == nil {
		err = ErrWrongState
		return
	}
	req := storage.Request
	if req.Consumed {
		err = ErrAlreadyConsumed
		return
	}
	if len(req.Value) != 0 {
		err = ErrAlreadyFulfilled
		return
	}
	seed := inst.Invoke.Args.Search("seed")
	if !bytes.Equal(seed, req.Seed) {
		err = ErrUnknownSeed
		return
	}
	var beacon kyber.Point
	beacon, err = pot.BeaconPoint()
	if err != nil {
		return
	}
	value := inst.Invoke.Args.Search("randomness")
	err = bls.Verify(blsSuite, beacon, req.Seed, value)
	if err != nil {
		log.Errorf("Cannot verify randomness: %v", err)
		err = ErrInvalidProof
		return
	}
	req.Value = value

	var buf []byte
	buf, err = protobuf.Encode(storage)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	sc = []byzcoin.StateChange{
		byzcoin.NewStateChange(byzcoin.Update, inst.InstanceID, ContractPotID, buf, darcID),
	}
	return
}

// fulfillAndPayout maps the verified randomness onto the ticket ledger,
// pays the winner from the vault (fee first) and settles the pot. The
// winner is always recomputed from on-ledger state; a caller-supplied
// winner account is only cross-checked.
func (c *contractPot) fulfillAndPayout(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction, darcID darc.ID) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	storage := &c.PotStorage
	pot := &storage.Pot
	if pot.Status != StatusRandomnessRequested || storage.Request == nil {
		err = ErrWrongState
		return
	}
	req := storage.Request
	if req.Consumed {
		err = ErrAlreadyConsumed
		return
	}
	if len(req.Value) == 0 {
		err = ErrNoRandomness
		return
	}
	var authority kyber.Point
	authority, err = pot.AuthorityPoint()
	if err != nil {
		return
	}
	err = schnorr.Verify(cothority.Suite, authority,
		PayoutDigest(inst.InstanceID, req.Seed), inst.Invoke.Args.Search("sig"))
	if err != nil {
		log.Errorf("Cannot verify authority signature: %v", err)
		err = ErrNotAuthorized
		return
	}

	// Uniform over sold tickets only, never over capacity.
	randBytes := utils.Digest(req.Value)
	rand := binary.LittleEndian.Uint64(randBytes)
	winnerIdx := rand % pot.TicketsSold
	ticket := storage.Tickets[winnerIdx]

	claimed := inst.Invoke.Args.Search("winner")
	if len(claimed) != 0 && !bytes.Equal(claimed, ticket.Account.Slice()) {
		err = ErrWinnerMismatch
		return
	}

	var total uint64
	total, err = utils.SafeMul(pot.TicketPrice, pot.TicketsSold)
	if err != nil {
		return
	}
	var vaultStorage *vault.CoinStorage
	vaultStorage, err = c.readVault(rst)
	if err != nil {
		return
	}
	if vaultStorage.Balance < total {
		err = xerrors.Errorf("vault balance %d does not cover escrow total %d",
			vaultStorage.Balance, total)
		return
	}
	var fee uint64
	fee, err = utils.SafeMul(total, uint64(pot.FeeBps))
	if err != nil {
		return
	}
	fee /= feeDenominator
	prize, err := utils.SafeSub(total, fee)
	if err != nil {
		return
	}

	winnerStorage, winnerDarc, err := readAccount(rst, ticket.Account)
	if err != nil {
		return
	}
	if winnerStorage.Unit != pot.Unit {
		err = ErrWinnerMismatch
		return
	}
	// Prize and fee come out of sold*price only. Anything a third party
	// donated on top stays stranded in the ownerless vault.
	vaultStorage.Balance -= total

	storage.Winner = &Winner{
		Index:   winnerIdx,
		Key:     ticket.Key,
		Account: ticket.Account,
		Amount:  prize,
	}
	req.Consumed = true
	pot.Status = StatusSettled

	potBuf, err := protobuf.Encode(storage)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	vaultBuf, err := protobuf.Encode(vaultStorage)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	sc = []byzcoin.StateChange{
		byzcoin.NewStateChange(byzcoin.Update, inst.InstanceID, ContractPotID, potBuf, darcID),
		byzcoin.NewStateChange(byzcoin.Update, pot.Vault, vault.ContractCoinID, vaultBuf, darcID),
	}

	if fee > 0 && bytes.Equal(pot.Developer.Slice(), ticket.Account.Slice()) {
		// Winner doubles as the fee recipient; credit once.
		winnerStorage.Balance, err = utils.SafeAdd(winnerStorage.Balance, total)
		if err != nil {
			sc = nil
			return
		}
		var winnerBuf []byte
		winnerBuf, err = protobuf.Encode(winnerStorage)
		if err != nil {
			sc = nil
			return
		}
		sc = append(sc, byzcoin.NewStateChange(byzcoin.Update, ticket.Account,
			vault.ContractCoinID, winnerBuf, winnerDarc))
		return
	}

	winnerStorage.Balance, err = utils.SafeAdd(winnerStorage.Balance, prize)
	if err != nil {
		sc = nil
		return
	}
	winnerBuf, err := protobuf.Encode(winnerStorage)
	if err != nil {
		sc = nil
		return
	}
	sc = append(sc, byzcoin.NewStateChange(byzcoin.Update, ticket.Account,
		vault.ContractCoinID, winnerBuf, winnerDarc))

	if fee > 0 {
		var devStorage *vault.CoinStorage
		var devDarc darc.ID
		devStorage, devDarc, err = readAccount(rst, pot.Developer)
		if err != nil {
			sc = nil
			return
		}
		devStorage.Balance, err = utils.SafeAdd(devStorage.Balance, fee)
		if err != nil {
			sc = nil
			return
		}
		var devBuf []byte
		devBuf, err = protobuf.Encode(devStorage)
		if err != nil {
			sc = nil
			return
		}
		sc = append(sc, byzcoin.NewStateChange(byzcoin.Update, pot.Developer,
			vault.ContractCoinID, devBuf, devDarc))
	}
	return
}

// cancel tears down a pot that never sold a ticket.
func (c *contractPot) cancel(inst byzcoin.Instruction, darcID darc.ID) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	storage := &c.PotStorage
	pot := &storage.Pot
	var authority kyber.Point
	authority, err = pot.AuthorityPoint()
	if err != nil {
		return
	}
	err = schnorr.Verify(cothority.Suite, authority,
		CancelDigest(inst.InstanceID), inst.Invoke.Args.Search("sig"))
	if err != nil {
		log.Errorf("Cannot verify authority signature: %v", err)
		err = ErrNotAuthorized
		return
	}
	if pot.Status != StatusOpen {
		err = ErrWrongState
		return
	}
	if pot.TicketsSold != 0 {
		err = ErrPotNotEmpty
		return
	}
	pot.Status = StatusCancelled

	var buf []byte
	buf, err = protobuf.Encode(storage)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	sc = []byzcoin.StateChange{
		byzcoin.NewStateChange(byzcoin.Update, inst.InstanceID, ContractPotID, buf, darcID),
	}
	return
}

// Delete removes a terminal pot and its vault. Escrowed value is long gone
// by then; whatever donated surplus is left in the vault is burned.
func (c *contractPot) Delete(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction, coins []byzcoin.Coin) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	cout = coins
	var darcID darc.ID
	_, _, _, darcID, err = rst.GetValues(inst.InstanceID.Slice())
	if err != nil {
		log.Errorf("GetValues failed: %v", err)
		return
	}
	pot := &c.PotStorage.Pot
	if pot.Status != StatusSettled && pot.Status != StatusCancelled {
		err = ErrWrongState
		return
	}
	sc = byzcoin.StateChanges{
		byzcoin.NewStateChange(byzcoin.Remove, inst.InstanceID, ContractPotID, nil, darcID),
		byzcoin.NewStateChange(byzcoin.Remove, pot.Vault, vault.ContractCoinID, nil, darcID),
	}
	return
}

// readVault loads the pot's vault and checks it is still a program-owned
// potCoin instance.
func (c *contractPot) readVault(rst byzcoin.ReadOnlyStateTrie) (*vault.CoinStorage, error) {
	storage, _, err := readAccount(rst, c.PotStorage.Pot.Vault)
	if err != nil {
		return nil, ErrVaultNotOwned
	}
	if len(storage.Owner) != 0 {
		return nil, ErrVaultNotOwned
	}
	return storage, nil
}

func readAccount(rst byzcoin.ReadOnlyStateTrie, id byzcoin.InstanceID) (*vault.CoinStorage, darc.ID, error) {
	val, _, cid, darcID, err := rst.GetValues(id.Slice())
	if err != nil {
		log.Errorf("GetValues failed: %v", err)
		return nil, nil, err
	}
	if cid != vault.ContractCoinID {
		return nil, nil, xerrors.Errorf("instance is a %s, not %s", cid, vault.ContractCoinID)
	}
	storage := &vault.CoinStorage{}
	err = protobuf.Decode(val, storage)
	if err != nil {
		log.Errorf("Protobuf decode failed: %v", err)
		return nil, nil, err
	}
	return storage, darcID, nil
}
