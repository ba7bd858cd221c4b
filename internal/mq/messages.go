package mq

import (
	"fmt"

	"github.com/vanadiel/loginserver/internal/net/packet"
)

// Character message types on the world fabric.
const (
	MsgGetAccountChars uint32 = 1
	MsgCharUpdate      uint32 = 2
	MsgCharLogin       uint32 = 3
	MsgCharLoginAck    uint32 = 4
	MsgCharZone        uint32 = 5
	// Shares the value of MsgCharZone. Zone changes are a world-to-world
	// concern and never reach the login queue, so the login-side router
	// reads type 5 as a create ack.
	MsgCharCreateAck     uint32 = 5
	MsgCharGear          uint32 = 6
	MsgCharCreate        uint32 = 7
	MsgCharDelete        uint32 = 8
	MsgCharDeleteAck     uint32 = 9
	MsgCharReserve       uint32 = 10
	MsgCharReserveAck    uint32 = 11
	MsgLoginFullSync     uint32 = 12
	MsgUniversalAnnounce uint32 = 13
)

// Header prefixes every character message. 16 bytes, little-endian.
type Header struct {
	Type        uint32
	ContentID   uint32
	CharacterID uint32
	AccountID   uint32
}

const HeaderSize = 16

func (h *Header) write(w *packet.Writer) {
	w.WriteD(h.Type)
	w.WriteD(h.ContentID)
	w.WriteD(h.CharacterID)
	w.WriteD(h.AccountID)
}

func (h *Header) read(r *packet.Reader) {
	h.Type = r.ReadD()
	h.ContentID = r.ReadD()
	h.CharacterID = r.ReadD()
	h.AccountID = r.ReadD()
}

// Marshal encodes a bare header, the whole body of header-only messages.
func (h *Header) Marshal() []byte {
	w := packet.NewWriter()
	h.write(w)
	return w.Bytes()
}

// ParseHeader decodes the message header from a raw fabric message.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("mq: message of %d bytes shorter than header", len(b))
	}
	var h Header
	h.read(packet.NewReader(b))
	return h, nil
}

// CharacterEntry is the full wire record of one character. 49 bytes packed.
type CharacterEntry struct {
	ContentID    uint32
	Enabled      bool
	CharacterID  uint32
	Name         string
	WorldID      uint8
	MainJob      uint8
	MainJobLevel uint8
	Zone         uint16
	Race         uint8
	Face         uint8
	Hair         uint8
	Size         uint8
	Nation       uint8
	// Gear the character was wearing when last logged out.
	Head  uint16
	Body  uint16
	Hands uint16
	Legs  uint16
	Feet  uint16
	Main  uint16
	Sub   uint16
}

const CharacterEntrySize = 49

func (e *CharacterEntry) write(w *packet.Writer) {
	w.WriteD(e.ContentID)
	if e.Enabled {
		w.WriteC(1)
	} else {
		w.WriteC(0)
	}
	w.WriteD(e.CharacterID)
	w.WriteString(e.Name, 16)
	w.WriteC(e.WorldID)
	w.WriteC(e.MainJob)
	w.WriteC(e.MainJobLevel)
	w.WriteH(e.Zone)
	w.WriteC(e.Race)
	w.WriteC(e.Face)
	w.WriteC(e.Hair)
	w.WriteC(e.Size)
	w.WriteC(e.Nation)
	w.WriteH(e.Head)
	w.WriteH(e.Body)
	w.WriteH(e.Hands)
	w.WriteH(e.Legs)
	w.WriteH(e.Feet)
	w.WriteH(e.Main)
	w.WriteH(e.Sub)
}

func (e *CharacterEntry) read(r *packet.Reader) {
	e.ContentID = r.ReadD()
	e.Enabled = r.ReadC() != 0
	e.CharacterID = r.ReadD()
	e.Name = r.ReadString(16)
	e.WorldID = r.ReadC()
	e.MainJob = r.ReadC()
	e.MainJobLevel = r.ReadC()
	e.Zone = r.ReadH()
	e.Race = r.ReadC()
	e.Face = r.ReadC()
	e.Hair = r.ReadC()
	e.Size = r.ReadC()
	e.Nation = r.ReadC()
	e.Head = r.ReadH()
	e.Body = r.ReadH()
	e.Hands = r.ReadH()
	e.Legs = r.ReadH()
	e.Feet = r.ReadH()
	e.Main = r.ReadH()
	e.Sub = r.ReadH()
}

// MarshalEntry encodes a bare character entry, as carried in
// character-update message bodies.
func MarshalEntry(e *CharacterEntry) []byte {
	w := packet.NewWriter()
	e.write(w)
	return w.Bytes()
}

// UnmarshalEntry decodes one character entry.
func UnmarshalEntry(b []byte) (CharacterEntry, error) {
	if len(b) < CharacterEntrySize {
		return CharacterEntry{}, fmt.Errorf("mq: character entry of %d bytes too short", len(b))
	}
	var e CharacterEntry
	e.read(packet.NewReader(b))
	return e, nil
}

// CharUpdate pushes one authoritative character entry at the login tier.
type CharUpdate struct {
	Header Header
	Entry  CharacterEntry
}

func (m *CharUpdate) Marshal() []byte {
	w := packet.NewWriter()
	m.Header.write(w)
	m.Entry.write(w)
	return w.Bytes()
}

func UnmarshalCharUpdate(b []byte) (CharUpdate, error) {
	if len(b) < HeaderSize+CharacterEntrySize {
		return CharUpdate{}, fmt.Errorf("mq: character update of %d bytes too short", len(b))
	}
	r := packet.NewReader(b)
	var m CharUpdate
	m.Header.read(r)
	m.Entry.read(r)
	return m, nil
}

// LoginRequest asks a world to admit a character. Carries the first 16
// bytes of the session key for the map server handoff.
type LoginRequest struct {
	Header     Header
	Key        [16]byte
	IPAddr     uint32
	Expansions uint32
	Features   uint32
}

func (m *LoginRequest) Marshal() []byte {
	w := packet.NewWriter()
	m.Header.write(w)
	w.WriteBytes(m.Key[:])
	w.WriteD(m.IPAddr)
	w.WriteD(m.Expansions)
	w.WriteD(m.Features)
	return w.Bytes()
}

func UnmarshalLoginRequest(b []byte) (LoginRequest, error) {
	if len(b) < HeaderSize+16+12 {
		return LoginRequest{}, fmt.Errorf("mq: login request of %d bytes too short", len(b))
	}
	r := packet.NewReader(b)
	var m LoginRequest
	m.Header.read(r)
	copy(m.Key[:], r.ReadBytes(16))
	m.IPAddr = r.ReadD()
	m.Expansions = r.ReadD()
	m.Features = r.ReadD()
	return m, nil
}

// LoginResponse acks or rejects a LoginRequest with the zone and search
// endpoints the client should move to.
type LoginResponse struct {
	Header       Header
	ResponseCode uint32
	ZoneIP       uint32
	ZonePort     uint16
	SearchIP     uint32
	SearchPort   uint16
}

func (m *LoginResponse) Marshal() []byte {
	w := packet.NewWriter()
	m.Header.write(w)
	w.WriteD(m.ResponseCode)
	w.WriteD(m.ZoneIP)
	w.WriteH(m.ZonePort)
	w.WriteD(m.SearchIP)
	w.WriteH(m.SearchPort)
	return w.Bytes()
}

func UnmarshalLoginResponse(b []byte) (LoginResponse, error) {
	if len(b) < HeaderSize+16 {
		return LoginResponse{}, fmt.Errorf("mq: login response of %d bytes too short", len(b))
	}
	r := packet.NewReader(b)
	var m LoginResponse
	m.Header.read(r)
	m.ResponseCode = r.ReadD()
	m.ZoneIP = r.ReadD()
	m.ZonePort = r.ReadH()
	m.SearchIP = r.ReadD()
	m.SearchPort = r.ReadH()
	return m, nil
}

// CreateRequest reserves a character id and name on a world.
type CreateRequest struct {
	Header Header
	Name   string
}

func (m *CreateRequest) Marshal() []byte {
	w := packet.NewWriter()
	m.Header.write(w)
	w.WriteString(m.Name, 16)
	return w.Bytes()
}

func UnmarshalCreateRequest(b []byte) (CreateRequest, error) {
	if len(b) < HeaderSize+16 {
		return CreateRequest{}, fmt.Errorf("mq: create request of %d bytes too short", len(b))
	}
	r := packet.NewReader(b)
	var m CreateRequest
	m.Header.read(r)
	m.Name = r.ReadString(16)
	return m, nil
}

// ConfirmCreateRequest commits a reserved character with its full details.
type ConfirmCreateRequest struct {
	Header  Header
	Details CharacterEntry
}

func (m *ConfirmCreateRequest) Marshal() []byte {
	w := packet.NewWriter()
	m.Header.write(w)
	m.Details.write(w)
	return w.Bytes()
}

func UnmarshalConfirmCreateRequest(b []byte) (ConfirmCreateRequest, error) {
	if len(b) < HeaderSize+CharacterEntrySize {
		return ConfirmCreateRequest{}, fmt.Errorf("mq: confirm create request of %d bytes too short", len(b))
	}
	r := packet.NewReader(b)
	var m ConfirmCreateRequest
	m.Header.read(r)
	m.Details.read(r)
	return m, nil
}

// ConfirmCreateResponse reports the outcome of a ConfirmCreateRequest and
// the starting zone rolled for the character.
type ConfirmCreateResponse struct {
	Header       Header
	ResponseCode uint32
	Zone         uint16
}

func (m *ConfirmCreateResponse) Marshal() []byte {
	w := packet.NewWriter()
	m.Header.write(w)
	w.WriteD(m.ResponseCode)
	w.WriteH(m.Zone)
	return w.Bytes()
}

func UnmarshalConfirmCreateResponse(b []byte) (ConfirmCreateResponse, error) {
	if len(b) < HeaderSize+6 {
		return ConfirmCreateResponse{}, fmt.Errorf("mq: confirm create response of %d bytes too short", len(b))
	}
	r := packet.NewReader(b)
	var m ConfirmCreateResponse
	m.Header.read(r)
	m.ResponseCode = r.ReadD()
	m.Zone = r.ReadH()
	return m, nil
}

// GenericResponse is any header-plus-code ack (reserve, delete).
type GenericResponse struct {
	Header       Header
	ResponseCode uint32
}

func (m *GenericResponse) Marshal() []byte {
	w := packet.NewWriter()
	m.Header.write(w)
	w.WriteD(m.ResponseCode)
	return w.Bytes()
}

func UnmarshalGenericResponse(b []byte) (GenericResponse, error) {
	if len(b) < HeaderSize+4 {
		return GenericResponse{}, fmt.Errorf("mq: generic response of %d bytes too short", len(b))
	}
	r := packet.NewReader(b)
	var m GenericResponse
	m.Header.read(r)
	m.ResponseCode = r.ReadD()
	return m, nil
}
