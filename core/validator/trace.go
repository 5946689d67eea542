package validator

import (
	"context"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/silius-go/silius/core/chainio"
	"github.com/silius-go/silius/model"
)

// EntryPoint method selectors marking the start of each entity's
// validation frame in the trace.
var selectorToLevel = map[string]int{
	"570e1a36": model.FactoryLevel,   // createSender(bytes)
	"3a871cdd": model.SenderLevel,    // validateUserOp(...)
	"f465c77e": model.PaymasterLevel, // validatePaymasterUserOp(...)
}

var selectorNames = map[string]string{
	"b760faf9": "depositTo",
	"f465c77e": "validatePaymasterUserOp",
	"570e1a36": "createSender",
	"3a871cdd": "validateUserOp",
}

// Opcodes forbidden in any validation frame. GAS never appears here for
// the allowed GAS-before-call pattern: the collector suppresses it when
// a call opcode follows.
var forbiddenOpcodes = map[string]struct{}{
	"GASPRICE":     {},
	"GASLIMIT":     {},
	"DIFFICULTY":   {},
	"PREVRANDAO":   {},
	"RANDOM":       {},
	"TIMESTAMP":    {},
	"BASEFEE":      {},
	"BLOCKHASH":    {},
	"NUMBER":       {},
	"SELFBALANCE":  {},
	"BALANCE":      {},
	"ORIGIN":       {},
	"GAS":          {},
	"CREATE":       {},
	"COINBASE":     {},
	"SELFDESTRUCT": {},
}

const create2Opcode = "CREATE2"

// associatedSlotRange is the number of consecutive slots treated as
// belonging to a mapping value rooted at an associated slot.
const associatedSlotRange = 128

// checkTrace applies the ERC-7562 rule set to the collector output.
func (v *Validator) checkTrace(ctx context.Context, uo *model.UserOperation, hash common.Hash, frame *chainio.TracerFrame, outcome *Outcome) error {
	if err := v.checkOutOfGas(frame); err != nil {
		return err
	}
	if err := v.checkOpcodes(frame); err != nil {
		return err
	}
	if err := v.checkExternalContracts(uo, frame); err != nil {
		return err
	}
	if err := v.checkStorageAccess(uo, frame, outcome); err != nil {
		return err
	}
	if err := v.checkCallStack(frame, outcome); err != nil {
		return err
	}
	return v.checkCodeHashes(ctx, hash, frame, outcome)
}

// Reverting with out of gas inside validation leaks the gas limit and
// the call depth, so it is forbidden.
func (v *Validator) checkOutOfGas(frame *chainio.TracerFrame) error {
	for _, info := range frame.CallsFromEntryPoint {
		if info.OOG != nil && *info.OOG {
			return &OutOfGasError{}
		}
	}
	return nil
}

func frameLevel(info *chainio.TopLevelCallInfo) (int, bool) {
	if len(info.TopLevelMethodSig) < 4 {
		return 0, false
	}
	level, ok := selectorToLevel[common.Bytes2Hex(info.TopLevelMethodSig[:4])]
	return level, ok
}

func (v *Validator) checkOpcodes(frame *chainio.TracerFrame) error {
	for i := range frame.CallsFromEntryPoint {
		info := &frame.CallsFromEntryPoint[i]
		level, ok := frameLevel(info)
		if !ok {
			continue
		}
		entity := model.EntityName(level)

		for op := range info.Opcodes {
			if _, forbidden := forbiddenOpcodes[op]; forbidden {
				return &OpcodeError{Entity: entity, Opcode: op}
			}
		}

		// CREATE2 is allowed exactly once and only while deploying the
		// account
		if count, used := info.Opcodes[create2Opcode]; used {
			if level == model.FactoryLevel && count == 1 {
				continue
			}
			return &OpcodeError{Entity: entity, Opcode: create2Opcode}
		}
	}
	return nil
}

// checkExternalContracts forbids EXTCODE*/*CALL access to addresses
// without deployed code, and any EXTCODE* probing of the EntryPoint.
func (v *Validator) checkExternalContracts(uo *model.UserOperation, frame *chainio.TracerFrame) error {
	entryPoint := v.chain.EntryPoint()
	for i := range frame.CallsFromEntryPoint {
		info := &frame.CallsFromEntryPoint[i]
		level, ok := frameLevel(info)
		if !ok {
			continue
		}
		entity := model.EntityName(level)

		for addr, size := range info.ContractSize {
			// access to the sender itself is allowed even pre-deployment
			if addr == uo.Sender {
				continue
			}
			if size.ContractSize <= 2 && size.Opcode != create2Opcode {
				return &OpcodeError{Entity: entity, Opcode: size.Opcode}
			}
		}
		for addr, opcode := range info.ExtCodeAccessInfo {
			if addr == entryPoint {
				return &OpcodeError{Entity: entity, Opcode: opcode}
			}
		}
	}
	return nil
}

// associatedSlots extracts, per entity, the storage slots derived from
// keccak(entityAddress ∥ ...) preimages observed during simulation.
func associatedSlots(frame *chainio.TracerFrame, stakeInfo [model.NumberOfEntityLevels]model.StakeInfo) map[common.Address][]*big.Int {
	slots := make(map[common.Address][]*big.Int)
	for _, preimage := range frame.Keccak {
		for _, info := range stakeInfo {
			if info.Address == (common.Address{}) || len(preimage) < 32 {
				continue
			}
			var padded [32]byte
			copy(padded[12:], info.Address.Bytes())
			if string(preimage[:32]) == string(padded[:]) {
				slot := new(big.Int).SetBytes(crypto.Keccak256(preimage))
				slots[info.Address] = append(slots[info.Address], slot)
			}
		}
	}
	return slots
}

func slotAssociatedWith(addr common.Address, slot string, slots map[common.Address][]*big.Int) bool {
	slotNum, ok := new(big.Int).SetString(strings.TrimPrefix(slot, "0x"), 16)
	if !ok {
		return false
	}
	if slotNum.Cmp(new(big.Int).SetBytes(addr.Bytes())) == 0 {
		return true
	}
	for _, root := range slots[addr] {
		if slotNum.Cmp(root) >= 0 &&
			slotNum.Cmp(new(big.Int).Add(root, big.NewInt(associatedSlotRange))) < 0 {
			return true
		}
	}
	return false
}

// checkStorageAccess enforces the per-entity storage rules: an entity
// may touch its own storage and the account's associated slots freely;
// anything beyond that requires the entity to be staked.
func (v *Validator) checkStorageAccess(uo *model.UserOperation, frame *chainio.TracerFrame, outcome *Outcome) error {
	entryPoint := v.chain.EntryPoint()
	slots := associatedSlots(frame, outcome.StakeInfo)
	factoryStaked := v.staked(outcome.StakeInfo[model.FactoryLevel])

	for i := range frame.CallsFromEntryPoint {
		info := &frame.CallsFromEntryPoint[i]
		level, ok := frameLevel(info)
		if !ok {
			continue
		}
		entityInfo := outcome.StakeInfo[level]

		for addr, access := range info.Access {
			// the account's own storage is always allowed
			if addr == uo.Sender || addr == entryPoint {
				continue
			}

			var needsStake string
			for slot, written := range accessedSlots(access) {
				switch {
				case slotAssociatedWith(uo.Sender, slot, slots):
					// associated account storage in a foreign contract is
					// free only for a deployed account, or when the factory
					// deploying it is staked
					if len(uo.InitCode) > 0 &&
						!(uo.Sender == entityInfo.Address && factoryStaked) {
						needsStake = slot
					}
				case addr == entityInfo.Address,
					slotAssociatedWith(entityInfo.Address, slot, slots),
					!written:
					needsStake = slot
				default:
					return &StorageAccessError{Entity: model.EntityName(level), Slot: slot}
				}
			}

			if needsStake != "" && !v.staked(entityInfo) {
				return &UnstakedEntityError{
					Entity:  model.EntityName(level),
					Address: entityInfo.Address,
					Reason:  "accessed storage slot " + needsStake,
				}
			}
		}
	}
	return nil
}

// accessedSlots flattens a frame's reads and writes into slot -> written.
func accessedSlots(access chainio.ReadsAndWrites) map[string]bool {
	slots := make(map[string]bool, len(access.Reads)+len(access.Writes))
	for slot := range access.Reads {
		slots[slot] = false
	}
	for slot := range access.Writes {
		slots[slot] = true
	}
	return slots
}

// callEntry is one completed call reconstructed from the flat event
// stream the collector records.
type callEntry struct {
	typ    string
	from   common.Address
	to     common.Address
	method string
	ret    []byte
	rev    []byte
	value  *big.Int
}

func parseCallStack(frame *chainio.TracerFrame) []callEntry {
	var entries []callEntry
	var stack []chainio.TracerCall

	for _, call := range frame.Calls {
		if call.Type != "RETURN" && call.Type != "REVERT" {
			stack = append(stack, call)
			continue
		}
		if len(stack) == 0 {
			continue
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entry := callEntry{typ: top.Type}
		if top.From != nil {
			entry.from = *top.From
		}
		if top.To != nil {
			entry.to = *top.To
		}
		if strings.Contains(top.Type, "CREATE") {
			entries = append(entries, entry)
			continue
		}
		if len(top.Method) >= 4 {
			entry.method = selectorNames[common.Bytes2Hex(top.Method[:4])]
			if entry.method == "" {
				entry.method = "0x" + common.Bytes2Hex(top.Method[:4])
			}
		}
		if top.Value != nil {
			entry.value = top.Value.ToInt()
		}
		if call.Type == "REVERT" {
			entry.rev = call.Data
		} else {
			entry.ret = call.Data
		}
		entries = append(entries, entry)
	}
	return entries
}

var validatePaymasterReturn = abi.Arguments{
	{Type: mustType("bytes")},
	{Type: mustType("uint256")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// checkCallStack forbids calls into the EntryPoint other than
// depositTo, any value transfer outside the EntryPoint, and context
// returned by an unstaked paymaster.
func (v *Validator) checkCallStack(frame *chainio.TracerFrame, outcome *Outcome) error {
	entryPoint := v.chain.EntryPoint()
	paymasterInfo := outcome.StakeInfo[model.PaymasterLevel]

	for _, call := range parseCallStack(frame) {
		if call.to == entryPoint && call.from != entryPoint &&
			call.method != "" && call.method != "depositTo" {
			return &CallStackError{Reason: "call into the entry point " + call.method}
		}
		if call.to != entryPoint && call.value != nil && call.value.Sign() != 0 {
			return &CallStackError{Reason: "value transfer to " + call.to.Hex()}
		}

		if call.method == "validatePaymasterUserOp" && call.to == paymasterInfo.Address && len(call.ret) > 0 {
			vals, err := validatePaymasterReturn.Unpack(call.ret)
			if err != nil {
				return &SimulationError{Reason: "malformed validatePaymasterUserOp return"}
			}
			context, _ := vals[0].([]byte)
			if len(context) > 0 && !v.staked(paymasterInfo) {
				return &UnstakedEntityError{
					Entity:  model.EntityPaymaster,
					Address: paymasterInfo.Address,
					Reason:  "must not return a context",
				}
			}
		}
	}
	return nil
}

// checkCodeHashes snapshots the code hash of every contract touched
// during simulation. On a second validation of the same operation the
// snapshot must match the first one.
func (v *Validator) checkCodeHashes(ctx context.Context, hash common.Hash, frame *chainio.TracerFrame, outcome *Outcome) error {
	seen := make(map[common.Address]struct{})
	var addrs []common.Address
	for i := range frame.CallsFromEntryPoint {
		info := &frame.CallsFromEntryPoint[i]
		if _, ok := frameLevel(info); !ok {
			continue
		}
		for addr := range info.ContractSize {
			if _, dup := seen[addr]; !dup {
				seen[addr] = struct{}{}
				addrs = append(addrs, addr)
			}
		}
	}
	sort.Slice(addrs, func(i, j int) bool {
		return strings.Compare(addrs[i].Hex(), addrs[j].Hex()) < 0
	})

	hashes := make([]model.CodeHash, 0, len(addrs))
	for _, addr := range addrs {
		code, err := v.chain.CodeAt(ctx, addr, nil)
		if err != nil {
			return err
		}
		hashes = append(hashes, model.CodeHash{
			Address: addr,
			Hash:    crypto.Keccak256Hash(code),
		})
	}

	stored, err := v.pool.HasCodeHashes(hash)
	if err != nil {
		return err
	}
	if stored {
		prev, err := v.pool.GetCodeHashes(hash)
		if err != nil {
			return err
		}
		if !model.EqualCodeHashes(hashes, prev) {
			return &CodeHashesError{}
		}
	}
	outcome.CodeHashes = hashes
	return nil
}
