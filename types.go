package edl

import (
	"github.com/behrlich/go-edl/internal/firehose"
	"github.com/behrlich/go-edl/internal/gpt"
	"github.com/behrlich/go-edl/internal/lp"
	"github.com/behrlich/go-edl/internal/sahara"
)

// Aliases for the types that cross the package boundary, so callers never
// need to reach into internal packages.

// PartitionEntry is one GPT partition on a LUN.
type PartitionEntry = gpt.PartitionEntry

// PartitionTable is a parsed GPT.
type PartitionTable = gpt.Table

// SuperMap is the LP metadata of the super partition.
type SuperMap = lp.Metadata

// SubPartition is one logical partition inside super.
type SubPartition = lp.SubPartition

// ChipIdentity is what Sahara command mode reported about the SoC.
type ChipIdentity = sahara.ChipIdentity

// AuthBlobs carries vendor VIP authentication material.
type AuthBlobs = firehose.AuthBlobs
