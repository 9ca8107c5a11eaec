package sahara

import (
	"encoding/binary"

	"github.com/behrlich/go-edl/internal/errs"
)

// Sahara command IDs. Every packet on the wire starts with the 8-byte
// header { cmd:u32 LE, length:u32 LE } followed by the command payload.
const (
	CmdHello             uint32 = 0x01
	CmdHelloResponse     uint32 = 0x02
	CmdReadData          uint32 = 0x03
	CmdEndImageTransfer  uint32 = 0x04
	CmdDone              uint32 = 0x05
	CmdDoneResponse      uint32 = 0x06
	CmdCommandReady      uint32 = 0x0B
	CmdSwitchMode        uint32 = 0x0C
	CmdExecute           uint32 = 0x0D
	CmdExecuteData       uint32 = 0x0E
	CmdExecuteResponse   uint32 = 0x0F
	CmdReadData64        uint32 = 0x12
	CmdResetStateMachine uint32 = 0x13
)

// Target modes carried in Hello/HelloResponse/SwitchMode.
const (
	ModeImageTransferPending  uint32 = 0x0
	ModeImageTransferComplete uint32 = 0x1
	ModeMemoryDebug           uint32 = 0x2
	ModeCommand               uint32 = 0x3
)

// Command-mode client commands issued via Execute.
const (
	ExecSerialNumRead uint32 = 0x01
	ExecMsmHwIdRead   uint32 = 0x02
	ExecOemPkHashRead uint32 = 0x03
	ExecChipIdV3Read  uint32 = 0x0A
)

// Packet sizes (header included).
const (
	HeaderLen           = 8
	HelloLen            = 48
	HelloResponseLen    = 48
	ReadDataLen         = 20
	ReadData64Len       = 32
	EndImageTransferLen = 16
	DoneLen             = 8
	DoneResponseLen     = 12
	CommandReadyLen     = 8
	SwitchModeLen       = 12
	ExecuteLen          = 12
	ExecuteDataLen      = 16
	ExecuteResponseLen  = 12
	ResetLen            = 8
)

// Header is the leading { cmd, length } pair of every Sahara packet.
type Header struct {
	Cmd    uint32
	Length uint32
}

// ParseHeader decodes the first 8 bytes of a packet.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, errs.New("sahara", errs.CodeProtocolViolation, "short packet header")
	}
	return Header{
		Cmd:    binary.LittleEndian.Uint32(data[0:4]),
		Length: binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

func putHeader(buf []byte, cmd uint32, length int) {
	binary.LittleEndian.PutUint32(buf[0:4], cmd)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(length))
}

// Hello is sent by the target as soon as the Sahara state machine starts.
//
//	struct sahara_hello {
//	  u32 cmd, length;
//	  u32 version;           // protocol version the target speaks
//	  u32 version_supported; // minimum version the target accepts
//	  u32 cmd_packet_length; // max command packet size
//	  u32 mode;              // requested mode (SAHARA_MODE_*)
//	  u32 reserved[6];
//	};
type Hello struct {
	Version          uint32
	VersionSupported uint32
	CmdPacketLength  uint32
	Mode             uint32
}

// UnmarshalHello decodes the payload that follows the header.
func UnmarshalHello(payload []byte) (Hello, error) {
	if len(payload) < HelloLen-HeaderLen {
		return Hello{}, errs.New("hello", errs.CodeProtocolViolation, "short hello packet")
	}
	return Hello{
		Version:          binary.LittleEndian.Uint32(payload[0:4]),
		VersionSupported: binary.LittleEndian.Uint32(payload[4:8]),
		CmdPacketLength:  binary.LittleEndian.Uint32(payload[8:12]),
		Mode:             binary.LittleEndian.Uint32(payload[12:16]),
	}, nil
}

// MarshalHelloResponse builds the 48-byte reply. Version fields echo the
// target's hello; status is always 0 (success).
func MarshalHelloResponse(h Hello, mode uint32) []byte {
	buf := make([]byte, HelloResponseLen)
	putHeader(buf, CmdHelloResponse, HelloResponseLen)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.VersionSupported)
	binary.LittleEndian.PutUint32(buf[16:20], 0) // status
	binary.LittleEndian.PutUint32(buf[20:24], mode)
	return buf
}

// ReadDataRequest is the target asking for a window of the programmer
// image. The 32-bit (cmd 0x03) and 64-bit (cmd 0x12) variants decode into
// the same struct.
type ReadDataRequest struct {
	ImageID uint64
	Offset  uint64
	Length  uint64
	Wide    bool // true for the 64-bit variant
}

// UnmarshalReadData decodes the 32-bit variant payload.
func UnmarshalReadData(payload []byte) (ReadDataRequest, error) {
	if len(payload) < ReadDataLen-HeaderLen {
		return ReadDataRequest{}, errs.New("read_data", errs.CodeProtocolViolation, "short read_data packet")
	}
	return ReadDataRequest{
		ImageID: uint64(binary.LittleEndian.Uint32(payload[0:4])),
		Offset:  uint64(binary.LittleEndian.Uint32(payload[4:8])),
		Length:  uint64(binary.LittleEndian.Uint32(payload[8:12])),
	}, nil
}

// UnmarshalReadData64 decodes the 64-bit variant payload.
func UnmarshalReadData64(payload []byte) (ReadDataRequest, error) {
	if len(payload) < ReadData64Len-HeaderLen {
		return ReadDataRequest{}, errs.New("read_data64", errs.CodeProtocolViolation, "short read_data64 packet")
	}
	return ReadDataRequest{
		ImageID: binary.LittleEndian.Uint64(payload[0:8]),
		Offset:  binary.LittleEndian.Uint64(payload[8:16]),
		Length:  binary.LittleEndian.Uint64(payload[16:24]),
		Wide:    true,
	}, nil
}

// EndImageTransfer carries the target's verdict on the upload.
type EndImageTransfer struct {
	ImageID uint32
	Status  uint32
}

func UnmarshalEndImageTransfer(payload []byte) (EndImageTransfer, error) {
	if len(payload) < EndImageTransferLen-HeaderLen {
		return EndImageTransfer{}, errs.New("end_image_transfer", errs.CodeProtocolViolation, "short end_image_transfer packet")
	}
	return EndImageTransfer{
		ImageID: binary.LittleEndian.Uint32(payload[0:4]),
		Status:  binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

// DoneResponse carries the final image-transfer status.
type DoneResponse struct {
	Status uint32
}

func UnmarshalDoneResponse(payload []byte) (DoneResponse, error) {
	if len(payload) < DoneResponseLen-HeaderLen {
		return DoneResponse{}, errs.New("done_response", errs.CodeProtocolViolation, "short done_response packet")
	}
	return DoneResponse{Status: binary.LittleEndian.Uint32(payload[0:4])}, nil
}

// ExecuteData announces how many raw bytes follow an Execute exchange.
type ExecuteData struct {
	ClientCmd uint32
	DataLen   uint32
}

func UnmarshalExecuteData(payload []byte) (ExecuteData, error) {
	if len(payload) < ExecuteDataLen-HeaderLen {
		return ExecuteData{}, errs.New("execute_data", errs.CodeProtocolViolation, "short execute_data packet")
	}
	return ExecuteData{
		ClientCmd: binary.LittleEndian.Uint32(payload[0:4]),
		DataLen:   binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

// MarshalDone builds the 8-byte Done packet.
func MarshalDone() []byte {
	buf := make([]byte, DoneLen)
	putHeader(buf, CmdDone, DoneLen)
	return buf
}

// MarshalSwitchMode builds the mode-switch request.
func MarshalSwitchMode(mode uint32) []byte {
	buf := make([]byte, SwitchModeLen)
	putHeader(buf, CmdSwitchMode, SwitchModeLen)
	binary.LittleEndian.PutUint32(buf[8:12], mode)
	return buf
}

// MarshalExecute builds the Execute request for a client command.
func MarshalExecute(clientCmd uint32) []byte {
	buf := make([]byte, ExecuteLen)
	putHeader(buf, CmdExecute, ExecuteLen)
	binary.LittleEndian.PutUint32(buf[8:12], clientCmd)
	return buf
}

// MarshalExecuteResponse acknowledges an ExecuteData announcement.
func MarshalExecuteResponse(clientCmd uint32) []byte {
	buf := make([]byte, ExecuteResponseLen)
	putHeader(buf, CmdExecuteResponse, ExecuteResponseLen)
	binary.LittleEndian.PutUint32(buf[8:12], clientCmd)
	return buf
}

// MarshalReset builds the state-machine reset probe the detector sends.
func MarshalReset() []byte {
	buf := make([]byte, ResetLen)
	putHeader(buf, CmdResetStateMachine, ResetLen)
	return buf
}
