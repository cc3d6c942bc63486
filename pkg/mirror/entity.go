package mirror

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// EntityID converts a long-zero EVM address (shard:4 realm:8 num:8 bytes)
// into the "shard.realm.num" form the REST API expects.
func EntityID(addr common.Address) string {
	b := addr.Bytes()
	shard := binary.BigEndian.Uint32(b[0:4])
	realm := binary.BigEndian.Uint64(b[4:12])
	num := binary.BigEndian.Uint64(b[12:20])
	return fmt.Sprintf("%d.%d.%d", shard, realm, num)
}

// EntityAddress is the inverse of EntityID.
func EntityAddress(id string) (common.Address, error) {
	parts := strings.Split(id, ".")
	if len(parts) != 3 {
		return common.Address{}, fmt.Errorf("invalid entity id %q", id)
	}
	shard, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid shard in %q: %w", id, err)
	}
	realm, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid realm in %q: %w", id, err)
	}
	num, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid num in %q: %w", id, err)
	}

	var addr common.Address
	binary.BigEndian.PutUint32(addr[0:4], uint32(shard))
	binary.BigEndian.PutUint64(addr[4:12], realm)
	binary.BigEndian.PutUint64(addr[12:20], num)
	return addr, nil
}

// IsEntityID reports whether s looks like "0.0.1234".
func IsEntityID(s string) bool {
	_, err := EntityAddress(s)
	return err == nil
}
