package badger

import (
	"fmt"
	"strconv"

	"gridstore/pkg/types"
)

// Key layout:
//
//	r:<dataID>:<replicaNumber>        replica row (JSON)
//	i:<dataID>:<hierarchy>\x00<path>  identity index -> replica number
//
// Replica numbers are zero padded so a prefix scan over r:<dataID>: yields
// rows in replica number order.

func keyReplicaPrefix(dataID types.DataID) []byte {
	return []byte(fmt.Sprintf("r:%d:", dataID))
}

func keyReplica(dataID types.DataID, number int) []byte {
	return []byte(fmt.Sprintf("r:%d:%010d", dataID, number))
}

func keyIdentity(dataID types.DataID, hierarchy, physicalPath string) []byte {
	return []byte(fmt.Sprintf("i:%d:%s\x00%s", dataID, hierarchy, physicalPath))
}

func encodeNumber(n int) []byte { return []byte(strconv.Itoa(n)) }

func decodeNumber(b []byte) (int, error) { return strconv.Atoi(string(b)) }
