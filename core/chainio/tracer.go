package chainio

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TracerFrame is the object returned by the validation collector tracer
// running inside the execution client's debug_traceCall.
type TracerFrame struct {
	CallsFromEntryPoint []TopLevelCallInfo `json:"callsFromEntryPoint"`
	Keccak              []hexutil.Bytes    `json:"keccak"`
	Logs                []TracerLog        `json:"logs"`
	Calls               []TracerCall       `json:"calls"`
	Debug               []string           `json:"debug"`
}

// TopLevelCallInfo aggregates everything observed inside one top-level
// call from the EntryPoint: one entity's validation frame.
type TopLevelCallInfo struct {
	TopLevelMethodSig     hexutil.Bytes                       `json:"topLevelMethodSig"`
	TopLevelTargetAddress string                              `json:"topLevelTargetAddress"`
	Access                map[common.Address]ReadsAndWrites   `json:"access"`
	Opcodes               map[string]uint64                   `json:"opcodes"`
	ContractSize          map[common.Address]ContractSizeInfo `json:"contractSize"`
	ExtCodeAccessInfo     map[common.Address]string           `json:"extCodeAccessInfo"`
	OOG                   *bool                               `json:"oog,omitempty"`
}

type ReadsAndWrites struct {
	Reads  map[string]string `json:"reads"`
	Writes map[string]uint64 `json:"writes"`
}

type ContractSizeInfo struct {
	Opcode       string `json:"opcode"`
	ContractSize uint64 `json:"contractSize"`
}

type TracerLog struct {
	Topics []string      `json:"topics"`
	Data   hexutil.Bytes `json:"data"`
}

type TracerCall struct {
	Type    string          `json:"type"`
	GasUsed *uint64         `json:"gasUsed,omitempty"`
	Data    hexutil.Bytes   `json:"data,omitempty"`
	From    *common.Address `json:"from,omitempty"`
	To      *common.Address `json:"to,omitempty"`
	Method  hexutil.Bytes   `json:"method,omitempty"`
	Gas     *uint64         `json:"gas,omitempty"`
	Value   *hexutil.Big    `json:"value,omitempty"`
}

// ParseTracerFrame decodes the raw debug_traceCall result.
func ParseTracerFrame(raw json.RawMessage) (*TracerFrame, error) {
	var frame TracerFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("failed to parse validation trace: %w", err)
	}
	return &frame, nil
}

// validationTracer is the collector executed by the node during
// simulateValidation. It records per-entity opcodes, storage access,
// touched contract sizes, keccak preimages and logs, and stops at the
// BeforeExecution marker so execution-phase activity is not charged to
// validation.
// https://github.com/eth-infinitism/bundler/blob/main/packages/bundler/src/BundlerCollectorTracer.ts
const validationTracer = `
{
    callsFromEntryPoint: [],
    currentLevel: null,
    keccak: [],
    calls: [],
    logs: [],
    debug: [],
    lastOp: '',
    lastThreeOpcodes: [],
    // event sent after all validations are done: keccak("BeforeExecution()")
    stopCollectingTopic: 'bb47ee3e183a558b1a2ff0874b079f3fc5478b7454eacf2bfc5af2ff5878f972',
    stopCollecting: false,
    topLevelCallCounter: 0,
    fault: function(log, db) {
        this.debug.push('fault depth=' + log.getDepth() + ' gas=' + log.getGas() + ' cost=' + log.getCost() + ' err=' + log.getError());
    },
    result: function(ctx, db) {
        return {
            callsFromEntryPoint: this.callsFromEntryPoint,
            keccak: this.keccak,
            logs: this.logs,
            calls: this.calls,
            debug: this.debug // for internal debugging.
        };
    },
    enter: function(frame) {
        if (this.stopCollecting) {
            return;
        }
        this.calls.push({
            type: frame.getType(),
            from: toHex(frame.getFrom()),
            to: toHex(frame.getTo()),
            method: toHex(frame.getInput()).slice(0, 10),
            gas: frame.getGas(),
            value: frame.getValue()
        });
    },
    exit: function(frame) {
        if (this.stopCollecting) {
            return;
        }
        this.calls.push({
            type: frame.getError() != null ? 'REVERT' : 'RETURN',
            gasUsed: frame.getGasUsed(),
            data: toHex(frame.getOutput()).slice(0, 4000)
        });
    },
    // increment the "key" in the list. if the key is not defined yet, then set it to "1"
    countSlot: function(list, key) {
        var _a;
        list[key] = ((_a = list[key]) !== null && _a !== void 0 ? _a : 0) + 1;
    },
    step: function(log, db) {
        var _a;
        if (this.stopCollecting) {
            return;
        }
        var opcode = log.op.toString();
        var stackSize = log.stack.length();
        var stackTop3 = [];
        for (var i = 0; i < 3 && i < stackSize; i++) {
            stackTop3.push(log.stack.peek(i));
        }
        this.lastThreeOpcodes.push({
            opcode: opcode,
            stackTop3: stackTop3
        });
        if (this.lastThreeOpcodes.length > 3) {
            this.lastThreeOpcodes.shift();
        }
        if (log.getGas() < log.getCost()) {
            this.currentLevel.oog = true;
        }
        if (opcode === 'REVERT' || opcode === 'RETURN') {
            if (log.getDepth() === 1) {
                // exit() is not called on top-level return/revert, so we reconstruct it
                // from opcode
                var ofs = parseInt(log.stack.peek(0).toString());
                var len = parseInt(log.stack.peek(1).toString());
                var data = toHex(log.memory.slice(ofs, ofs + len)).slice(0, 4000);
                this.calls.push({
                    type: opcode,
                    gasUsed: 0,
                    data: data
                });
            }
            // NOTE: flushing all history after RETURN
            this.lastThreeOpcodes = [];
        }
        if (log.getDepth() === 1) {
            if (opcode === 'CALL' || opcode === 'STATICCALL') {
                // stack.peek(0) - gas
                var addr = toAddress(log.stack.peek(1).toString(16));
                var topLevelTargetAddress = toHex(addr);
                // stack.peek(2) - value
                var ofs = parseInt(log.stack.peek(3).toString());
                // stack.peek(4) - len
                var topLevelMethodSig = toHex(log.memory.slice(ofs, ofs + 4));
                this.currentLevel = this.callsFromEntryPoint[this.topLevelCallCounter] = {
                    topLevelMethodSig: topLevelMethodSig,
                    topLevelTargetAddress: topLevelTargetAddress,
                    access: {},
                    opcodes: {},
                    extCodeAccessInfo: {},
                    contractSize: {}
                };
                this.topLevelCallCounter++;
            } else if (opcode === 'LOG1') {
                // ignore log data ofs, len
                var topic = log.stack.peek(2).toString(16);
                if (topic === this.stopCollectingTopic) {
                    this.stopCollecting = true;
                }
            }
            this.lastOp = '';
            return;
        }
        var lastOpInfo = this.lastThreeOpcodes[this.lastThreeOpcodes.length - 2];
        // store all addresses touched by EXTCODE* opcodes
        if (((_a = lastOpInfo === null || lastOpInfo === void 0 ? void 0 : lastOpInfo.opcode) === null || _a === void 0 ? void 0 : _a.match(/^(EXT.*)$/)) != null) {
            var addr = toAddress(lastOpInfo.stackTop3[0].toString(16));
            var addrHex = toHex(addr);
            var last3opcodesString = this.lastThreeOpcodes.map(function(x) {
                return x.opcode;
            }).join(' ');
            // only store the last EXTCODE* opcode per address - could even be a boolean for our current use-case
            if (last3opcodesString.match(/^(\w+) EXTCODESIZE ISZERO$/) == null) {
                this.currentLevel.extCodeAccessInfo[addrHex] = opcode;
            }
        }
        // not using 'isPrecompiled' to only allow the ones defined by the ERC-4337 as stateless precompiles
        var isAllowedPrecompiled = function(address) {
            var addrHex = toHex(address);
            var addressInt = parseInt(addrHex);
            return addressInt > 0 && addressInt < 10;
        };
        if (opcode.match(/^(EXT.*|CALL|CALLCODE|DELEGATECALL|STATICCALL)$/) != null) {
            var idx = opcode.startsWith('EXT') ? 0 : 1;
            var addr = toAddress(log.stack.peek(idx).toString(16));
            var addrHex = toHex(addr);
            if (this.currentLevel.contractSize[addrHex] == null && !isAllowedPrecompiled(addr)) {
                this.currentLevel.contractSize[addrHex] = {
                    contractSize: db.getCode(addr).length,
                    opcode: opcode
                };
            }
        }
        if (this.lastOp === 'GAS' && !opcode.includes('CALL')) {
            // count "GAS" opcode only if not followed by "CALL"
            this.countSlot(this.currentLevel.opcodes, 'GAS');
        }
        if (opcode !== 'GAS') {
            // ignore "unimportant" opcodes:
            if (opcode.match(/^(DUP\d+|PUSH\d+|SWAP\d+|POP|ADD|SUB|MUL|DIV|EQ|LTE?|S?GTE?|SLT|SH[LR]|AND|OR|NOT|ISZERO)$/) == null) {
                this.countSlot(this.currentLevel.opcodes, opcode);
            }
        }
        this.lastOp = opcode;
        if (opcode === 'SLOAD' || opcode === 'SSTORE') {
            var slot = toWord(log.stack.peek(0).toString(16));
            var slotHex = toHex(slot);
            var addr = log.contract.getAddress();
            var addrHex = toHex(addr);
            var access = this.currentLevel.access[addrHex];
            if (access == null) {
                access = {
                    reads: {},
                    writes: {}
                };
                this.currentLevel.access[addrHex] = access;
            }
            if (opcode === 'SLOAD') {
                // read slot values before this UserOp was created
                // (so saving it if it was written before the first read)
                if (access.reads[slotHex] == null && access.writes[slotHex] == null) {
                    access.reads[slotHex] = toHex(db.getState(addr, slot));
                }
            } else {
                this.countSlot(access.writes, slotHex);
            }
        }
        if (opcode === 'KECCAK256') {
            // collect keccak on 64-byte blocks
            var ofs = parseInt(log.stack.peek(0).toString());
            var len = parseInt(log.stack.peek(1).toString());
            // currently, solidity uses only 2-word (6-byte) for a key. this might change..
            // still, no need to return too much
            if (len > 20 && len < 512) {
                this.keccak.push(toHex(log.memory.slice(ofs, ofs + len)));
            }
        } else if (opcode.startsWith('LOG')) {
            var count = parseInt(opcode.substring(3));
            var ofs = parseInt(log.stack.peek(0).toString());
            var len = parseInt(log.stack.peek(1).toString());
            var topics = [];
            for (var i = 0; i < count; i++) {
                topics.push('0x' + log.stack.peek(2 + i).toString(16));
            }
            var data = toHex(log.memory.slice(ofs, ofs + len));
            this.logs.push({
                topics: topics,
                data: data
            });
        }
    }
}
`
