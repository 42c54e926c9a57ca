package indexer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	TagLatest  = "latest"
	TagGenesis = "genesis"
)

// BlockTag is a concrete block number or the chain head.
type BlockTag struct {
	Number uint64
	Latest bool
}

// Latest refers to the chain head, resolved once per call.
var Latest = BlockTag{Latest: true}

// Block refers to a concrete block number.
func Block(number uint64) BlockTag {
	return BlockTag{Number: number}
}

func (t BlockTag) String() string {
	if t.Latest {
		return TagLatest
	}
	return strconv.FormatUint(t.Number, 10)
}

// ParseBlockTag accepts "latest", "genesis", a decimal or a 0x hex number.
func ParseBlockTag(input string) (BlockTag, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	switch input {
	case TagLatest:
		return Latest, nil
	case TagGenesis, "":
		return Block(0), nil
	}
	if strings.HasPrefix(input, "0x") {
		number, err := hexutil.DecodeUint64(input)
		if err != nil {
			return BlockTag{}, fmt.Errorf("invalid block tag: %s", input)
		}
		return Block(number), nil
	}
	number, err := strconv.ParseUint(input, 10, 64)
	if err != nil {
		return BlockTag{}, fmt.Errorf("invalid block tag: %s", input)
	}
	return Block(number), nil
}

// ParseAddress converts a hex address into common.Address.
func ParseAddress(input string) (common.Address, error) {
	input = strings.TrimSpace(input)
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("invalid address: %s", input)
	}
	return common.HexToAddress(input), nil
}
