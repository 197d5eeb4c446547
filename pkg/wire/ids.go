package wire

// ProtocolVersion is the version clients announce in hello.
const ProtocolVersion = 1

// Well-known object ids.
const (
	ObjectMain   uint32 = 1
	ObjectOutput uint32 = 2
	ObjectXform  uint32 = 3
)

// Commands of the main object.
const (
	CmdHello       uint32 = 1
	CmdQuit        uint32 = 2
	CmdListPlugins uint32 = 3
	CmdStats       uint32 = 4
	CmdLoadJournal uint32 = 5
)

// Commands of the output object.
const (
	CmdPlay      uint32 = 1
	CmdStop      uint32 = 2
	CmdPause     uint32 = 3
	CmdStatus    uint32 = 4
	CmdVolumeGet uint32 = 5
	CmdVolumeSet uint32 = 6
	CmdSwitch    uint32 = 7
)

// Commands of the xform object.
const (
	CmdBrowse uint32 = 1
)

// Properties emitted by the output object.
const (
	PropStatus  = "playback.status"
	PropCurrent = "playback.current"
	PropVolume  = "playback.volume"
	PropOutput  = "output.plugin"
)

// Playback status values carried by PropStatus.
const (
	StatusStopped uint32 = 0
	StatusPlaying uint32 = 1
	StatusPaused  uint32 = 2
)
