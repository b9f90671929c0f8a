package pot

import (
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/onet/v3/network"
)

func init() {
	network.RegisterMessages(&InitUnitRequest{}, &InitUnitReply{},
		&ArchivePotRequest{}, &ArchivePotReply{},
		&GetArchivedPotRequest{}, &GetArchivedPotReply{})
}

// InitUnitRequest opens the settlement archive. An empty path puts the
// archive under the node's temp directory.
type InitUnitRequest struct {
	ArchivePath string
}

type InitUnitReply struct{}

// ArchivePotRequest stores the settlement record of a terminal pot.
type ArchivePotRequest struct {
	Record PotRecord
}

type ArchivePotReply struct{}

// GetArchivedPotRequest looks up a stored settlement record by pot ID.
type GetArchivedPotRequest struct {
	PotID byzcoin.InstanceID
}

type GetArchivedPotReply struct {
	Record PotRecord
}
