package main

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ceyhunalp/lotterypot/pot"
	"github.com/ceyhunalp/lotterypot/randbeacon"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/simul/monitor"
)

type SimulationService struct {
	onet.SimulationBFTree
	BlockTime       int
	NumParticipants int
	TicketPrice     uint64
	FeeBps          uint32

	admin     *pot.AdminClient
	gDarc     darc.ID
	authority darc.Signer
	beacon    *randbeacon.Client
	beaconKey kyber.Point
	devID     byzcoin.InstanceID
}

func init() {
	onet.SimulationRegister("PotLottery", NewPotLottery)
}

func NewPotLottery(config string) (onet.Simulation, error) {
	ss := &SimulationService{}
	_, err := toml.Decode(config, ss)
	if err != nil {
		return nil, err
	}
	return ss, nil
}

func (s *SimulationService) Setup(dir string,
	hosts []string) (*onet.SimulationConfig, error) {
	sc := &onet.SimulationConfig{}
	s.CreateRoster(sc, hosts, 2000)
	err := s.CreateTree(sc)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *SimulationService) Node(config *onet.SimulationConfig) error {
	index, _ := config.Roster.Search(config.Server.ServerIdentity.GetID())
	if index < 0 {
		log.Fatal("Didn't find this node in roster")
	}
	log.Lvl3("Initializing node-index", index)
	return s.SimulationBFTree.Node(config)
}

func (s *SimulationService) setup(roster *onet.Roster) error {
	var err error
	var byzID skipchain.SkipBlockID
	s.admin, byzID, err = pot.SetupByzcoin(roster, time.Duration(s.BlockTime))
	if err != nil {
		log.Errorf("setting up byzcoin: %v", err)
		return err
	}
	s.gDarc = s.admin.GMsg.GenesisDarc.GetBaseID()
	s.authority = darc.NewSignerEd25519(nil, nil)

	s.beacon = randbeacon.NewClient(roster)
	dkgReply, err := s.beacon.InitDKG(byzID)
	if err != nil {
		log.Errorf("initializing DKG: %v", err)
		return err
	}
	s.beaconKey = dkgReply.Public

	dev := darc.NewSignerEd25519(nil, nil)
	s.devID, err = s.admin.Cl.SpawnAccount(s.gDarc, "token", dev.Ed25519.Point, 4)
	if err != nil {
		log.Errorf("spawning developer account: %v", err)
	}
	return err
}

func (s *SimulationService) runPotLottery(roster *onet.Roster) error {
	err := s.setup(roster)
	if err != nil {
		return err
	}
	cl := s.admin.Cl

	for round := 0; round < s.Rounds; round++ {
		createMonitor := monitor.NewTimeMeasure("create_pot")
		data, err := pot.NewPotSpawnData(s.authority.Ed25519.Point,
			s.beaconKey, "token", s.devID, s.FeeBps, s.TicketPrice,
			uint64(s.NumParticipants))
		if err != nil {
			log.Errorf("preparing pot data: %v", err)
			return err
		}
		potID, _, err := cl.CreatePot(s.gDarc, data, s.authority, 4)
		if err != nil {
			log.Errorf("creating pot: %v", err)
			return err
		}
		createMonitor.Record()

		for i := 0; i < s.NumParticipants; i++ {
			buyer := darc.NewSignerEd25519(nil, nil)
			account, err := cl.SpawnAccount(s.gDarc, "token", buyer.Ed25519.Point, 4)
			if err != nil {
				log.Errorf("spawning account: %v", err)
				return err
			}
			err = cl.Mint(account, s.TicketPrice*10, 4)
			if err != nil {
				log.Errorf("minting: %v", err)
				return err
			}
			buyMonitor := monitor.NewTimeMeasure("buy_ticket")
			err = cl.BuyTicket(potID, buyer, account, 4)
			if err != nil {
				log.Errorf("buying ticket: %v", err)
				return err
			}
			buyMonitor.Record()
		}

		settleMonitor := monitor.NewTimeMeasure("settle")
		seed, err := cl.RequestRandomness(potID, s.authority, 4)
		if err != nil {
			log.Errorf("requesting randomness: %v", err)
			return err
		}
		signed, err := s.beacon.SignSeed(potID, seed)
		if err != nil {
			log.Errorf("signing seed: %v", err)
			return err
		}
		err = cl.AcceptFulfillment(potID, seed, signed.Fulfillment.Value, 4)
		if err != nil {
			log.Errorf("accepting fulfillment: %v", err)
			return err
		}
		err = cl.FulfillAndPayout(potID, s.authority, nil, 4)
		if err != nil {
			log.Errorf("paying out: %v", err)
			return err
		}
		settleMonitor.Record()
	}
	return nil
}

func (s *SimulationService) Run(config *onet.SimulationConfig) error {
	return s.runPotLottery(config.Roster)
}
