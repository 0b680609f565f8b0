package mlx5

import "fmt"

// TransportCode is the delivery-status code read from a command queue
// entry's status field (entry+0x3C, bits [7:1]) once the device clears its
// ownership bit. It reports faults in the command-delivery mechanism
// itself, as distinct from faults in the command the firmware executed.
type TransportCode int

const (
	TransportOK               TransportCode = 0x00
	TransportSignatureError   TransportCode = 0x01
	TransportTokenError       TransportCode = 0x02
	TransportBadBlockNumber   TransportCode = 0x03
	TransportBadOutputPointer TransportCode = 0x04
	TransportBadInputPointer  TransportCode = 0x05
	TransportInternalError    TransportCode = 0x06
	TransportInputLenError    TransportCode = 0x07
	TransportOutputLenError   TransportCode = 0x08
	TransportReservedNotZero  TransportCode = 0x09
	TransportBadCommandType   TransportCode = 0x0a
)

var transportMessages = map[TransportCode]string{
	TransportSignatureError:   "signature error",
	TransportTokenError:       "token error",
	TransportBadBlockNumber:   "bad block number",
	TransportBadOutputPointer: "bad output pointer",
	TransportBadInputPointer:  "bad input pointer",
	TransportInternalError:    "internal error",
	TransportInputLenError:    "input length error",
	TransportOutputLenError:   "output length error",
	TransportReservedNotZero:  "reserved field not zero",
	TransportBadCommandType:   "bad command type",
}

// TransportError reports a fault in command delivery.
type TransportError struct {
	Op   string
	Code TransportCode
}

func (e *TransportError) Error() string {
	msg, ok := transportMessages[e.Code]
	if !ok {
		msg = fmt.Sprintf("unknown transport code %#x", int(e.Code))
	}
	return fmt.Sprintf("mlx5: %s: transport error: %s", e.Op, msg)
}

// CommandCode is the command-execution status read from the output buffer
// (output+0x00, bits [31:24]).
type CommandCode int

const (
	CommandOK                CommandCode = 0x00
	CommandInternalErr       CommandCode = 0x01
	CommandBadOp             CommandCode = 0x02
	CommandBadParam          CommandCode = 0x03
	CommandBadSysState       CommandCode = 0x04
	CommandBadResource       CommandCode = 0x05
	CommandResourceBusy      CommandCode = 0x06
	CommandExceedLim         CommandCode = 0x08
	CommandBadResState       CommandCode = 0x09
	CommandBadIndex          CommandCode = 0x0a
	CommandNoResources       CommandCode = 0x0f
	CommandBadInputLen       CommandCode = 0x50
	CommandBadOutputLen      CommandCode = 0x51
	CommandBadResourceState  CommandCode = 0x10
	CommandBadPkt            CommandCode = 0x30
	CommandBadSize           CommandCode = 0x40
)

var commandMessages = map[CommandCode]string{
	CommandInternalErr:      "internal error",
	CommandBadOp:            "bad opcode",
	CommandBadParam:         "bad parameter",
	CommandBadSysState:      "bad system state",
	CommandBadResource:      "bad resource",
	CommandResourceBusy:     "resource busy",
	CommandExceedLim:        "exceeded limit",
	CommandBadResState:      "bad resource state",
	CommandBadIndex:         "bad index",
	CommandNoResources:      "no resources",
	CommandBadInputLen:      "bad input length",
	CommandBadOutputLen:     "bad output length",
	CommandBadResourceState: "bad resource state",
	CommandBadPkt:           "bad packet",
	CommandBadSize:          "bad size",
}

// CommandError reports a firmware-level command failure, carrying the 32-bit syndrome the firmware attached for diagnosis.
type CommandError struct {
	Op       string
	Code     CommandCode
	Syndrome uint32
}

func (e *CommandError) Error() string {
	msg, ok := commandMessages[e.Code]
	if !ok {
		msg = fmt.Sprintf("unknown status %#x", int(e.Code))
	}
	return fmt.Sprintf("mlx5: %s: command failed: %s (syndrome %#08x)", e.Op, msg, e.Syndrome)
}

// HcaHealthError is raised when the Initialization Segment's health
// syndrome becomes non-zero while a command is in flight, or while
// bring-up waits for the firmware's ready bit.
type HcaHealthError struct {
	Code uint32
}

func (e *HcaHealthError) Error() string {
	return fmt.Sprintf("mlx5: device health syndrome %#02x", e.Code)
}

// InputOverflowError is returned when a command's input does not fit in the
// mailbox chain capacity configured for the interface.
type InputOverflowError struct {
	Needed, Capacity int
}

func (e *InputOverflowError) Error() string {
	return fmt.Sprintf("mlx5: input requires %d mailbox pages, capacity is %d", e.Needed, e.Capacity)
}

// OutputOverflowError is the output-side equivalent of InputOverflowError.
type OutputOverflowError struct {
	Needed, Capacity int
}

func (e *OutputOverflowError) Error() string {
	return fmt.Sprintf("mlx5: output requires %d mailbox pages, capacity is %d", e.Needed, e.Capacity)
}

// Host-side errors, not reported by the device.
var (
	ErrDmaAllocFailed = fmt.Errorf("mlx5: DMA allocation failed")
	ErrInvalidConfig  = fmt.Errorf("mlx5: invalid configuration")
)

// QueueStateError is returned by MODIFY_RQ/MODIFY_SQ for a transition the
// state machine rejects before ever issuing the
// command to firmware.
type QueueStateError struct {
	Queue    string
	From, To QueueState
}

func (e *QueueStateError) Error() string {
	return fmt.Sprintf("mlx5: %s: illegal state transition %s -> %s", e.Queue, e.From, e.To)
}
