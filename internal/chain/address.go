package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress validates raw as an EVM address and returns its
// canonical lowercased hex form ("0x" + 40 lowercase hex chars), or "" if
// raw is not a valid address. Comparison throughout the relayer (registry
// membership, contract filtering) uses this canonical form, per spec §4.2.
func NormalizeAddress(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return ""
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex())
}
