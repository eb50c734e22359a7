package sonic

// Registers maps the firmware register file of a variant. A zero entry means
// the variant has no such register.
type Registers struct {
	OpMode         byte
	TickInterval   byte
	Period         byte
	CalTrig        byte
	MaxRange       byte
	CalResult      byte
	StaticRange    byte
	Ready          byte
	TOFScaleFactor byte
	TOF            byte
	Amplitude      byte
	Data           byte
	Thresholds     byte
	ThresholdLens  [NumThresholds]byte
}

// Variant is the capability table of a sensor part. Everything that differs
// between parts is expressed here so that the generic code never branches on
// the part number.
type Variant struct {
	Name       string
	PartNumber int
	Regs       Registers

	MaxSamples        uint16
	FreqCounterCycles uint32
	ProgMemAddr       uint16
	ProgMemSize       int
	DataMemAddr       uint16
	ReadyLockMask     byte

	// firmware counts samples in units of sampleDiv physical samples
	sampleDiv uint16
	// divisor applied to cal*sf when converting mm to samples
	mmDivisor uint32
	// range post-scale
	tofShift uint
	tofMult  uint32

	driver Driver
}

func (v *Variant) String() string {
	return v.Name
}

var CH101 = &Variant{
	Name:       "CH101",
	PartNumber: 101,
	Regs: Registers{
		OpMode:         0x01,
		TickInterval:   0x02,
		Period:         0x05,
		CalTrig:        0x06,
		MaxRange:       0x07,
		CalResult:      0x0A,
		StaticRange:    0x12,
		Ready:          0x14,
		TOFScaleFactor: 0x16,
		TOF:            0x18,
		Amplitude:      0x1A,
		Data:           0x1C,
	},
	MaxSamples:        225,
	FreqCounterCycles: 128,
	ProgMemAddr:       0xF800,
	ProgMemSize:       0x800,
	DataMemAddr:       0x0200,
	ReadyLockMask:     0x02,
	sampleDiv:         1,
	mmDivisor:         0x2000,
	tofShift:          11,
	tofMult:           1,
	driver:            ch101Driver{},
}

var CH201 = &Variant{
	Name:       "CH201",
	PartNumber: 201,
	Regs: Registers{
		OpMode:         0x01,
		TickInterval:   0x02,
		Period:         0x05,
		CalTrig:        0x06,
		MaxRange:       0x07,
		CalResult:      0x0A,
		Ready:          0x14,
		Thresholds:     0x16,
		TOFScaleFactor: 0x22,
		TOF:            0x24,
		Amplitude:      0x26,
		Data:           0x28,
		ThresholdLens:  [NumThresholds]byte{0x08, 0x09, 0x0C, 0x0D, 0x15},
	},
	MaxSamples:        450,
	FreqCounterCycles: 128,
	ProgMemAddr:       0xF800,
	ProgMemSize:       0x800,
	DataMemAddr:       0x0200,
	ReadyLockMask:     0x02,
	sampleDiv:         2,
	mmDivisor:         0x4000,
	tofShift:          11,
	tofMult:           2,
	driver:            ch201Driver{},
}

// VariantByName resolves "ch101"/"CH201" style names.
func VariantByName(name string) (*Variant, bool) {
	switch name {
	case "ch101", "CH101", "101":
		return CH101, true
	case "ch201", "CH201", "201":
		return CH201, true
	}
	return nil, false
}
