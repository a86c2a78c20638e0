// Copyright (C) 2025 The kvbd authors

package nbd

// Wire constants of the NBD protocol, fixed newstyle negotiation. See
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md for the
// authoritative definitions.
const (
	nbdMagic      uint64 = 0x4e42444d41474943 // ASCII "NBDMAGIC"
	optMagic      uint64 = 0x49484156454F5054 // ASCII "IHAVEOPT"
	optReplyMagic uint64 = 0x3e889045565a9

	requestMagic     uint32 = 0x25609513
	simpleReplyMagic uint32 = 0x67446698

	flagFixedNewstyle uint16 = 1 << 0
	flagNoZeroes      uint16 = 1 << 1

	optExportName      uint32 = 1
	optAbort           uint32 = 2
	optList            uint32 = 3
	optStartTLS        uint32 = 5
	optInfo            uint32 = 6
	optGo              uint32 = 7
	optStructuredReply uint32 = 8

	repAck    uint32 = 1
	repServer uint32 = 2
	repInfo   uint32 = 3

	repErrUnsup   uint32 = 1<<31 | 1
	repErrInvalid uint32 = 1<<31 | 3
	repErrUnknown uint32 = 1<<31 | 6

	infoExport      uint16 = 0
	infoName        uint16 = 1
	infoDescription uint16 = 2
	infoBlockSize   uint16 = 3

	cmdRead        uint16 = 0
	cmdWrite       uint16 = 1
	cmdDisc        uint16 = 2
	cmdFlush       uint16 = 3
	cmdTrim        uint16 = 4
	cmdCache       uint16 = 5
	cmdWriteZeroes uint16 = 6
	cmdBlockStatus uint16 = 7
	cmdResize      uint16 = 8
)

// Transmission flags advertised for an export.
const (
	flagHasFlags        uint16 = 1 << 0
	flagReadOnly        uint16 = 1 << 1
	flagSendFlush       uint16 = 1 << 2
	flagSendFUA         uint16 = 1 << 3
	flagRotational      uint16 = 1 << 4
	flagSendTrim        uint16 = 1 << 5
	flagSendWriteZeroes uint16 = 1 << 6
	flagCanMultiConn    uint16 = 1 << 8
	flagSendResize      uint16 = 1 << 9
	flagSendCache       uint16 = 1 << 10
)

// Protocol error values carried in simple replies. These are the subset of
// errno values the protocol defines as portable.
const (
	EPERM     uint32 = 1
	EIO       uint32 = 5
	ENOMEM    uint32 = 12
	EINVAL    uint32 = 22
	ENOSPC    uint32 = 28
	EOVERFLOW uint32 = 75
	ENOTSUP   uint32 = 95
	ESHUTDOWN uint32 = 108
)

// optionHeader frames one client option during negotiation.
type optionHeader struct {
	Magic  uint64
	ID     uint32
	Length uint32
}

// optionReplyHeader frames one server reply during negotiation.
type optionReplyHeader struct {
	Magic  uint64
	ID     uint32
	Type   uint32
	Length uint32
}

// requestHeader frames one command during the transmission phase.
type requestHeader struct {
	Magic  uint32
	Flags  uint16
	Type   uint16
	Cookie uint64
	Offset uint64
	Length uint32
}

// simpleReplyHeader acknowledges one command. For reads the payload follows
// directly after the header.
type simpleReplyHeader struct {
	Magic  uint32
	Error  uint32
	Cookie uint64
}
