// internal/driver/keithley/commands.go
package keithley

// Terminator ends every command line sent to the instrument
const Terminator = "\r\n"

// SCPI command subset understood by the 6485
const (
	CmdIdentify        = "*IDN?"
	CmdRead            = "READ?"
	CmdReset           = "*RST"
	CmdZeroCheckOn     = "SYST:ZCH ON"
	CmdZeroCheckOff    = "SYST:ZCH OFF"
	CmdRange2mA        = "RANG .002"
	CmdIntegration5PLC = "NPLC 5"
	CmdInitiate        = "INIT"
	CmdZeroCorrAcquire = "SYST:ZCOR:ACQ"
	CmdZeroCorrOn      = "SYST:ZCOR ON"
	CmdAutoRangeOn     = "RANG:AUTO ON"
)

// DefaultIdentity is the substring a 6485 puts in its *IDN? answer
const DefaultIdentity = "KEITHLEY INSTRUMENTS INC.,MODEL 6485"

// DefaultFrameLength is the size of one READ? answer in bytes
const DefaultFrameLength = 43

// ZeroCorrectSequence is written in order before the settling read
var ZeroCorrectSequence = []string{
	CmdReset,           // return to *RST defaults
	CmdZeroCheckOn,     // input shorted for the offset measurement
	CmdRange2mA,        // zero is acquired on the 2 mA range
	CmdIntegration5PLC, // 5 power line cycles
	CmdInitiate,        // trigger one reading
	CmdZeroCorrAcquire, // store it as the zero offset
	CmdZeroCorrOn,      // subtract it from later readings
	CmdAutoRangeOn,
	CmdZeroCheckOff,
}

// encodeCommand appends the line terminator
func encodeCommand(cmd string) []byte {
	return []byte(cmd + Terminator)
}
