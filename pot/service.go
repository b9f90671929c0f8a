package pot

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// ServiceName is the name of the pot lottery service. It registers the
// lotteryPot contract with ByzCoin and keeps an off-ledger archive of
// settled pots so that records survive pot deletion.
var ServiceName = "PotLotteryService"

var serviceID onet.ServiceID

var archiveBucket = []byte("pot_records")

// Service registers the contract and serves the settlement archive.
type Service struct {
	*onet.ServiceProcessor

	sync.Mutex
	db *bolt.DB
}

func init() {
	var err error
	serviceID, err = onet.RegisterNewService(ServiceName, newService)
	log.ErrFatal(err)
}

// InitUnit opens the archive database. Calling it again with the same path
// is a no-op.
func (s *Service) InitUnit(req *InitUnitRequest) (*InitUnitReply, error) {
	s.Lock()
	defer s.Unlock()
	if s.db != nil {
		return &InitUnitReply{}, nil
	}
	path := req.ArchivePath
	if path == "" {
		path = filepath.Join(os.TempDir(),
			fmt.Sprintf("pot-archive-%s.db", s.ServerIdentity().ID.String()))
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		log.Errorf("Could not open archive db: %v", err)
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(archiveBucket)
		return err
	})
	if err != nil {
		log.Errorf("Could not create archive bucket: %v", err)
		return nil, err
	}
	s.db = db
	return &InitUnitReply{}, nil
}

// ArchivePot stores a settlement record. Records are immutable: archiving
// the same pot twice is rejected.
func (s *Service) ArchivePot(req *ArchivePotRequest) (*ArchivePotReply, error) {
	s.Lock()
	db := s.db
	s.Unlock()
	if db == nil {
		return nil, xerrors.New("archive not initialized")
	}
	if req.Record.Status != StatusSettled && req.Record.Status != StatusCancelled {
		return nil, ErrWrongState
	}
	buf, err := protobuf.Encode(&req.Record)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(archiveBucket)
		if b.Get(req.Record.PotID.Slice()) != nil {
			return xerrors.New("pot already archived")
		}
		return b.Put(req.Record.PotID.Slice(), buf)
	})
	if err != nil {
		log.Errorf("Could not store record: %v", err)
		return nil, err
	}
	return &ArchivePotReply{}, nil
}

// GetArchivedPot fetches a stored settlement record.
func (s *Service) GetArchivedPot(req *GetArchivedPotRequest) (*GetArchivedPotReply, error) {
	s.Lock()
	db := s.db
	s.Unlock()
	if db == nil {
		return nil, xerrors.New("archive not initialized")
	}
	reply := &GetArchivedPotReply{}
	err := db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(archiveBucket).Get(req.PotID.Slice())
		if buf == nil {
			return xerrors.New("no record for pot")
		}
		return protobuf.Decode(buf, &reply.Record)
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func newService(c *onet.Context) (onet.Service, error) {
	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
	}
	err := s.RegisterHandlers(s.InitUnit, s.ArchivePot, s.GetArchivedPot)
	if err != nil {
		return nil, fmt.Errorf("could not register handlers: %v", err)
	}
	err = byzcoin.RegisterContract(c, ContractPotID, contractPotFromBytes)
	if err != nil {
		return nil, err
	}
	return s, nil
}
