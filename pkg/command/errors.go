package command

// Error codes carried on the wire in a command reply.
const (
	ErrorUnspecified             = 0
	Success                      = 1
	ErrorCorruptDatagram         = 2
	ErrInvalidCommand            = 3
	ErrCommandNotFound           = 4
	ErrInvalidCommandSetVersion  = 5
	ErrorDatagramTimeout         = 6

	FlashEraseSuccess                     = 1
	FlashEraseUnspecifiedError            = 0
	FlashEraseErrorBeforeApp              = 10
	FlashEraseErrorAfterApp               = 11
	FlashEraseErrorDeviceClassMismatch    = 12

	FlashWriteSuccess                  = 1
	FlashWriteUnspecifiedError         = 0
	FlashWriteErrorBeforeApp           = 20
	FlashWriteErrorAfterApp            = 21
	FlashWriteErrorDeviceClassMismatch = 22
	FlashWriteErrorUnknownSize         = 23
	FlashWriteErrorNotErased           = 24

	CRCErrorAddressUnspecified = 30
	CRCErrorLengthUnspecified  = 31
	CRCErrorIllegalAddress     = 32
)

// CommandSetVersion is the compile-time single source of truth every
// datagram's command message must match exactly.
const CommandSetVersion int32 = 2
