package mlx5

// Firmware command opcodes. Values match the Mellanox PRM and the exact
// opcode sequence bring-up issues.
const (
	opQueryHcaCap      = 0x100
	opQueryAdapter     = 0x101
	opInitHca          = 0x102
	opTeardownHca      = 0x103
	opEnableHca        = 0x104
	opDisableHca       = 0x105 // the PRM-correct value; easy to mix up with opTeardownHca (0x103)
	opQueryPages       = 0x107
	opManagePages      = 0x108
	opSetIssi          = 0x10b
	opCreateEq         = 0x301
	opDestroyEq        = 0x302
	opCreateCq         = 0x400
	opDestroyCq        = 0x401
	opCreateQp         = 0x500
	opQueryVportState  = 0x750
	opQueryNicVportContext = 0x754
	opAccessRegister   = 0x805
	opAllocPd          = 0x800
	opQuerySpecialCtx  = 0x203
	opAllocTransportDomain = 0x816
	opDeallocTransportDomain = 0x817
	opCreateTis        = 0x912
	opDestroyTis       = 0x913
	opCreateRq         = 0x908
	opModifyRq         = 0x909
	opDestroyRq        = 0x90a
	opCreateSq         = 0x904
	opModifySq         = 0x905
	opDestroySq        = 0x906
	opCreateTir        = 0x900
	opDestroyTir       = 0x901
	opAllocUar         = 0x802
	opDeallocUar       = 0x803
	opCreateFlowTable  = 0x930
	opDestroyFlowTable = 0x931
	opCreateFlowGroup  = 0x933
	opDestroyFlowGroup = 0x934
	opSetFlowTableEntry   = 0x936
	opDeleteFlowTableEntry = 0x937
	opSetFlowTableRoot    = 0x92f
)

// PageClass selects the QUERY_PAGES page-request class.
type PageClass int

const (
	PagesBoot    PageClass = 1
	PagesInit    PageClass = 2
	PagesRegular PageClass = 3
)

func (c PageClass) String() string {
	switch c {
	case PagesBoot:
		return "boot"
	case PagesInit:
		return "init"
	case PagesRegular:
		return "regular"
	default:
		return "unknown"
	}
}

// ManagePagesMode selects MANAGE_PAGES's op_mod.
type ManagePagesMode int

const (
	ManagePagesAllocate ManagePagesMode = 1
	ManagePagesFree     ManagePagesMode = 2
)

// QueryHcaCapSelector selects QUERY_HCA_CAP's op_mod.
type QueryHcaCapSelector int

const (
	CapMax     QueryHcaCapSelector = 0
	CapCurrent QueryHcaCapSelector = 1
)

// QueueState names the RST/RDY/ERR queue state machine.
type QueueState int

const (
	QueueRST QueueState = 0
	QueueRDY QueueState = 1
	QueueERR QueueState = 3
)

func (s QueueState) String() string {
	switch s {
	case QueueRST:
		return "RST"
	case QueueRDY:
		return "RDY"
	case QueueERR:
		return "ERR"
	default:
		return "?"
	}
}

// legalQueueTransition allows only RST->RDY, RDY->ERR,
// ERR->RST are accepted; everything else (including all three identity
// transitions and RDY->RST) is rejected.
func legalQueueTransition(from, to QueueState) bool {
	switch {
	case from == QueueRST && to == QueueRDY:
		return true
	case from == QueueRDY && to == QueueERR:
		return true
	case from == QueueERR && to == QueueRST:
		return true
	default:
		return false
	}
}

// FlowTableType selects RX or TX steering.
type FlowTableType int

const (
	FlowTableRX FlowTableType = 0
	FlowTableTX FlowTableType = 1
)

// flow table actions.
const (
	actionFwdDst = 1 << 2 // FWD_DST, bit 2 of the action bitmask
)

// ACCESS_REGISTER register IDs used during bring-up.
const (
	registerPAOS = 0x5006
	registerPPLR = 0x5018
)

const (
	accessRegisterRead  = 0
	accessRegisterWrite = 1
)
