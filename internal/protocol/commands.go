package protocol

// Command is the one-byte opcode that follows the length field of a frame.
type Command byte

// Module identity and housekeeping.
const (
	CmdReadTemperature  Command = 0x01
	CmdReadVersion      Command = 0x02
	CmdReadPartNumber   Command = 0x03
	CmdReadSerial       Command = 0x04
	CmdWriteSerial      Command = 0x05
	CmdReadDate         Command = 0x06
	CmdReadInfo         Command = 0x07
	CmdWriteDate        Command = 0x08
	CmdReadManufacturer Command = 0x09
	CmdReadVoltage      Command = 0x10
)

// CCD, TEC and laser control.
const (
	CmdWriteTEC      Command = 0x12
	CmdReadTEC       Command = 0x13
	CmdWriteExposure Command = 0x14
	CmdStartScan     Command = 0x16
	CmdReadCCD       Command = 0x17
	CmdReadTECLock   Command = 0x19
	CmdWriteLaser    Command = 0x20
	CmdReadDarkCCD   Command = 0x23
)

// Micro-Raman stage peripherals.
const (
	CmdMotorPower   Command = 0x24
	CmdMotorZ       Command = 0x2B
	CmdLightVoltage Command = 0x2D
	CmdMotorX       Command = 0x2E
	CmdMotorY       Command = 0x2F
)

// Calibration persistence on the module.
const (
	CmdLoadCalibration     Command = 0x30
	CmdReadCalibration     Command = 0x31
	CmdLoadCalibrationPSNM Command = 0x34
	CmdReadCalibrationPSNM Command = 0x35
)

var commandNames = map[Command]string{
	CmdReadTemperature:     "read-temperature",
	CmdReadVersion:         "read-version",
	CmdReadPartNumber:      "read-part-number",
	CmdReadSerial:          "read-serial",
	CmdWriteSerial:         "write-serial",
	CmdReadDate:            "read-date",
	CmdReadInfo:            "read-info",
	CmdWriteDate:           "write-date",
	CmdReadManufacturer:    "read-manufacturer",
	CmdReadVoltage:         "read-voltage",
	CmdWriteTEC:            "write-tec",
	CmdReadTEC:             "read-tec",
	CmdWriteExposure:       "write-exposure",
	CmdStartScan:           "start-scan",
	CmdReadCCD:             "read-ccd",
	CmdReadTECLock:         "read-tec-lock",
	CmdWriteLaser:          "write-laser",
	CmdReadDarkCCD:         "read-dark-ccd",
	CmdMotorPower:          "motor-power",
	CmdMotorZ:              "motor-z",
	CmdLightVoltage:        "light-voltage",
	CmdMotorX:              "motor-x",
	CmdMotorY:              "motor-y",
	CmdLoadCalibration:     "load-calibration",
	CmdReadCalibration:     "read-calibration",
	CmdLoadCalibrationPSNM: "load-calibration-psnm",
	CmdReadCalibrationPSNM: "read-calibration-psnm",
}

// String returns the command's name, used as a metrics label and in logs.
func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return "unknown"
}
