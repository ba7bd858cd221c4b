package packet

// Frame types spoken on the view and search ports. The client only ever
// sends the request types; the server only ever sends the response types.
const (
	TypeDone              uint32 = 0x03
	TypeError             uint32 = 0x04
	TypeFeaturesList      uint32 = 0x05
	TypeLoginRequest      uint32 = 0x07
	TypeLoginResponse     uint32 = 0x0B
	TypeDeleteCharacter   uint32 = 0x14
	TypeGetCharacterList  uint32 = 0x1F
	TypeCharacterList     uint32 = 0x20
	TypeCreateCharConfirm uint32 = 0x21
	TypeCreateCharacter   uint32 = 0x22
	TypeWorldList         uint32 = 0x23
	TypeGetWorldList      uint32 = 0x24
	TypeGetFeatures       uint32 = 0x26
)

// Error codes carried in TypeError frames.
const (
	ErrorMapConnectFailed uint32 = 305
	ErrorNameAlreadyTaken uint32 = 313
	ErrorCreateDenied     uint32 = 314
	ErrorLoginDenied      uint32 = 321
	ErrorVersionMismatch  uint32 = 331
)
