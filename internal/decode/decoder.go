package decode

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"eventcache/internal/model"
)

// Decoder turns contract logs into RawLogEvent values for a fixed set of events.
type Decoder struct {
	contractABI abi.ABI
	byTopic     map[common.Hash]abi.Event
	names       []string
}

// LoadABI reads a contract ABI JSON file.
func LoadABI(path string) (abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("read abi: %w", err)
	}
	return ParseABI(string(data))
}

// ParseABI parses contract ABI JSON.
func ParseABI(abiJSON string) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	return parsed, nil
}

// NewDecoder builds a decoder for eventNames. An empty list selects every
// non-anonymous event of the ABI.
func NewDecoder(contractABI abi.ABI, eventNames []string) (*Decoder, error) {
	if len(eventNames) == 0 {
		for name, event := range contractABI.Events {
			if !event.Anonymous {
				eventNames = append(eventNames, name)
			}
		}
	}

	byTopic := make(map[common.Hash]abi.Event, len(eventNames))
	names := make([]string, 0, len(eventNames))
	for _, name := range eventNames {
		name = strings.TrimSpace(name)
		event, ok := contractABI.Events[name]
		if !ok {
			return nil, fmt.Errorf("event %q not found in abi", name)
		}
		if event.Anonymous {
			return nil, fmt.Errorf("anonymous event %q cannot be filtered by topic", name)
		}
		byTopic[event.ID] = event
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("abi has no events")
	}
	sort.Strings(names)

	return &Decoder{contractABI: contractABI, byTopic: byTopic, names: names}, nil
}

// EventNames returns the decoded event names, sorted.
func (d *Decoder) EventNames() []string {
	return append([]string(nil), d.names...)
}

// Topics returns the topic0 hashes of the decoded events.
func (d *Decoder) Topics() []common.Hash {
	topics := make([]common.Hash, 0, len(d.byTopic))
	for _, name := range d.names {
		topics = append(topics, d.contractABI.Events[name].ID)
	}
	return topics
}

// CanDecode checks whether the log is one of the configured events.
func (d *Decoder) CanDecode(log types.Log) bool {
	if len(log.Topics) == 0 {
		return false
	}
	_, ok := d.byTopic[log.Topics[0]]
	return ok
}

// Decode converts a log into a RawLogEvent.
func (d *Decoder) Decode(log types.Log) (model.RawLogEvent, error) {
	if len(log.Topics) == 0 {
		return model.RawLogEvent{}, fmt.Errorf("missing topics")
	}
	event, ok := d.byTopic[log.Topics[0]]
	if !ok {
		return model.RawLogEvent{}, fmt.Errorf("unsupported topic0: %s", log.Topics[0].Hex())
	}

	indexed := indexedArguments(event.Inputs)
	if len(log.Topics) != len(indexed)+1 {
		return model.RawLogEvent{}, fmt.Errorf("%s: expected %d topics, got %d", event.Name, len(indexed)+1, len(log.Topics))
	}

	values := make(map[string]interface{}, len(event.Inputs))
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(values, indexed, log.Topics[1:]); err != nil {
			return model.RawLogEvent{}, fmt.Errorf("parse topics %s: %w", event.Name, err)
		}
	}
	if len(event.Inputs.NonIndexed()) > 0 {
		if err := event.Inputs.NonIndexed().UnpackIntoMap(values, log.Data); err != nil {
			return model.RawLogEvent{}, fmt.Errorf("unpack %s: %w", event.Name, err)
		}
	}

	returnValues := make(map[string]any, len(values))
	for name, value := range values {
		returnValues[name] = jsonSafe(value)
	}

	return model.RawLogEvent{
		Event:            event.Name,
		Address:          log.Address.Hex(),
		BlockNumber:      log.BlockNumber,
		BlockHash:        log.BlockHash.Hex(),
		TransactionHash:  log.TxHash.Hex(),
		TransactionIndex: log.TxIndex,
		LogIndex:         log.Index,
		ReturnValues:     returnValues,
		Raw:              rawRef(log),
	}, nil
}

func rawRef(log types.Log) *model.RawLogRef {
	topics := make([]string, 0, len(log.Topics))
	for _, topic := range log.Topics {
		topics = append(topics, topic.Hex())
	}
	return &model.RawLogRef{Topics: topics, Data: hexutil.Encode(log.Data)}
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}
