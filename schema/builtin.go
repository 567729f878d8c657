package schema

// Level-control station signal names.
const (
	Valve1Open           = "valve1Open"
	Valve2Open           = "valve2Open"
	Valve3Open           = "valve3Open"
	Valve4Open           = "valve4Open"
	ManualMode           = "manualMode"
	RemoteControlEnabled = "remoteControlEnabled"
	WaterLevel           = "waterLevel"
	SetPoint             = "setPoint"
	ManualValue          = "manualValue"
	ControlWord          = "controlWord"
)

// Dispensing station signal names.
const (
	BottlePresentToFill   = "bottlePresentToFill"
	BottlePresentToClose  = "bottlePresentToClose"
	PillsPassing          = "pillsPassing"
	EmptyBottlesIncoming  = "emptyBottlesIncoming"
	DispenserMotorRunning = "dispenserMotorRunning"
	ConveyorMotorRunning  = "conveyorMotorRunning"
	CylinderClosing       = "cylinderClosing"
	Request5              = "request5"
	Request10             = "request10"
	Request15             = "request15"
	FilledBottles         = "filledBottles"
	ProducedBottles       = "producedBottles"
	RequestedQuantity     = "requestedQuantity"
	PillsRequested        = "pillsRequested"
)

// RequestedQuantity values.
const (
	Unrequested     = "Unrequested"
	QuantityFive    = "Request5"
	QuantityTen     = "Request10"
	QuantityFifteen = "Request15"
)

// LevelControl is the water level-control station layout.
var LevelControl = &Schema{
	Name:        "level-control",
	Description: "Water tank level control with four valves",
	Fields: []Field{
		{Name: Valve1Open, Kind: KindBool, Byte: 0, Bit: 1},
		{Name: Valve2Open, Kind: KindBool, Byte: 0, Bit: 2},
		{Name: Valve3Open, Kind: KindBool, Byte: 0, Bit: 3},
		{Name: Valve4Open, Kind: KindBool, Byte: 0, Bit: 4},
		{Name: ManualMode, Kind: KindBool, Byte: 0, Bit: 5},
		{Name: RemoteControlEnabled, Kind: KindBool, Byte: 0, Bit: 6},
		{Name: WaterLevel, Kind: KindWord, Byte: 16},
		{Name: SetPoint, Kind: KindWord, Byte: 18},
		{Name: ManualValue, Kind: KindWord, Byte: 20},
		{Name: ControlWord, Kind: KindWord, Byte: 22},
	},
}

// Dispensing is the pill-dispensing and bottling station layout.
// Both bottle counters read the same word.
var Dispensing = &Schema{
	Name:        "dispensing",
	Description: "Pill dispensing and bottle conditioning line",
	Fields: []Field{
		{Name: BottlePresentToFill, Kind: KindBool, Byte: 0, Bit: 4},
		{Name: BottlePresentToClose, Kind: KindBool, Byte: 0, Bit: 5},
		{Name: PillsPassing, Kind: KindBool, Byte: 0, Bit: 6},
		{Name: EmptyBottlesIncoming, Kind: KindBool, Byte: 1, Bit: 3},
		{Name: RemoteControlEnabled, Kind: KindBool, Byte: 1, Bit: 6},
		{Name: DispenserMotorRunning, Kind: KindBool, Byte: 4, Bit: 0},
		{Name: ConveyorMotorRunning, Kind: KindBool, Byte: 4, Bit: 1},
		{Name: CylinderClosing, Kind: KindBool, Byte: 4, Bit: 2},
		{Name: Request5, Kind: KindBool, Byte: 4, Bit: 3},
		{Name: Request10, Kind: KindBool, Byte: 4, Bit: 4},
		{Name: Request15, Kind: KindBool, Byte: 4, Bit: 5},
		{Name: FilledBottles, Kind: KindWord, Byte: 16},
		{Name: ProducedBottles, Kind: KindWord, Byte: 16},
	},
	Derived: []Derived{
		{
			Name: RequestedQuantity,
			Rule: FirstSet,
			Options: []Option{
				{Field: Request5, Value: QuantityFive},
				{Field: Request10, Value: QuantityTen},
				{Field: Request15, Value: QuantityFifteen},
			},
			Default: Unrequested,
		},
		{
			Name: PillsRequested,
			Rule: AnySet,
			Options: []Option{
				{Field: Request5},
				{Field: Request10},
				{Field: Request15},
			},
		},
	},
}
