package command

// Named holding registers referenced by the MQTT command grammar's
// bit-toggle and percentage verbs (spec.md section 6). Register21's bit
// layout is pinned by the reply-matching scenario in spec.md section 8
// ("SetHold(21, 0x0080)" for ac_charge enable); the remaining bit
// positions and percentage registers are not carried by the retained
// original source and are assigned here as a stable, non-overlapping
// scheme alongside the time registers in timeregister.go.
const (
	Register21 uint16 = 21

	AcChargeEnableBit       uint16 = 1 << 7
	ChargePriorityEnableBit uint16 = 1 << 3
	ForcedDischargeEnableBit uint16 = 1 << 6

	ChargePowerPercentCmd  uint16 = 64
	DischgPowerPercentCmd  uint16 = 105
	AcChargePowerCmd       uint16 = 106
	AcChargeSocLimit       uint16 = 107
	DischgCutOffSocEod     uint16 = 108
)
