package handler

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vanadiel/loginserver/internal/mq"
	"github.com/vanadiel/loginserver/internal/net/packet"
	"github.com/vanadiel/loginserver/internal/persist"
	"github.com/vanadiel/loginserver/internal/world"
)

// featuresUnknown is a reserved field the client insists on; meaning
// unknown.
const featuresUnknown uint32 = 0xAD5DE04F

// clientVersionOffset is where the 10-byte version string sits in the
// GET_FEATURES payload.
const (
	clientVersionOffset = 88
	clientVersionLen    = 10
)

const viewCharListSlots = 16

// handleGetFeatures gates on the client version, then replies with the
// account's expansion and feature bitmasks.
func (v *viewConn) handleGetFeatures(ctx context.Context, payload []byte) bool {
	if len(payload) < clientVersionOffset+clientVersionLen {
		v.log.Warn("short features request", zap.Int("bytes", len(payload)))
		return false
	}
	version := strings.TrimRight(string(payload[clientVersionOffset:clientVersionOffset+clientVersionLen]), "\x00")
	v.sess.SetClientVersion(version)
	if !versionOK(v.deps.Cfg.VersionLock, v.deps.Cfg.ExpectedClientVersion, version) {
		v.log.Warn("client version rejected", zap.String("version", version))
		v.sendError(packet.ErrorVersionMismatch)
		return false
	}

	acct, err := v.deps.Accounts.LoadByID(ctx, v.sess.AccountID())
	if err != nil || acct == nil {
		v.log.Error("load account bitmasks", zap.Error(err))
		v.sendError(packet.ErrorMapConnectFailed)
		return false
	}
	v.sess.SetBitmasks(acct.Expansions, acct.Features, acct.Privileges)

	w := packet.NewWriter()
	w.WriteD(featuresUnknown)
	w.WriteD(acct.Expansions)
	w.WriteD(acct.Features)
	return v.send(packet.TypeFeaturesList, w.Bytes())
}

func (v *viewConn) handleGetWorldList() bool {
	_, _, privileges := v.sess.Bitmasks()
	if privileges&persist.PrivTestAccess != 0 {
		return v.send(packet.TypeWorldList, v.deps.Worlds.AdminWorldsPacket())
	}
	return v.send(packet.TypeWorldList, v.deps.Worlds.UserWorldsPacket())
}

// sendCharacterList purges abandoned creations, reloads the slots and
// sends the full 16-slot list.
func (v *viewConn) sendCharacterList(ctx context.Context) bool {
	v.deps.Mirror.CleanHalfCreated(ctx, v.sess.AccountID())
	if err := v.loadCharacters(ctx); err != nil {
		v.log.Error("reload character slots", zap.Error(err))
		v.sendError(packet.ErrorMapConnectFailed)
		return false
	}
	chars, _ := v.sess.Characters()
	payload := composeCharacterList(v.contents, chars, v.worldName)
	return v.send(packet.TypeCharacterList, payload)
}

func (v *viewConn) worldName(id uint8) string {
	name, err := v.deps.Worlds.WorldName(uint32(id))
	if err != nil {
		return ""
	}
	return name
}

// handleLoginRequest starts the hand-off to the character's world.
func (v *viewConn) handleLoginRequest(ctx context.Context, payload []byte) bool {
	if len(payload) < 24 {
		v.log.Warn("short login request")
		return false
	}
	r := packet.NewReader(payload)
	contentID := r.ReadD()
	wireCharID := r.ReadD()
	name := r.ReadString(16)

	if !v.sess.KeyInstalled() {
		v.log.Warn("login request before key install")
		v.sendError(packet.ErrorMapConnectFailed)
		return false
	}

	chars, _ := v.sess.Characters()
	entry, ok := recoverCharacter(chars, contentID, uint16(wireCharID), name)
	if !ok {
		v.log.Warn("login request for unknown character",
			zap.Uint32("content", contentID), zap.String("name", name))
		v.sendError(packet.ErrorMapConnectFailed)
		return false
	}
	if !entry.Enabled {
		v.sendError(packet.ErrorLoginDenied)
		return false
	}

	key := v.sess.Key()
	expansions, features, _ := v.sess.Bitmasks()
	req := mq.LoginRequest{
		Header: mq.Header{
			Type:        mq.MsgCharLogin,
			ContentID:   contentID,
			CharacterID: entry.CharacterID,
			AccountID:   v.sess.AccountID(),
		},
		IPAddr:     v.sess.ClientIP(),
		Expansions: expansions,
		Features:   features,
	}
	copy(req.Key[:], key[:16])
	if !v.sendWorldRPC(ctx, uint32(entry.WorldID), req.Marshal(), opLogin, contentID) {
		return false
	}
	return true
}

// handleReserve runs the first phase of character creation.
func (v *viewConn) handleReserve(ctx context.Context, payload []byte) bool {
	if len(payload) < 36 {
		v.log.Warn("short create request")
		return false
	}
	r := packet.NewReader(payload)
	contentID := r.ReadD()
	name := r.ReadString(16)
	worldName := r.ReadString(16)

	worldID, err := v.deps.Worlds.WorldIDByName(worldName)
	if err != nil {
		v.log.Warn("create for unknown world", zap.String("world", worldName))
		v.sendError(packet.ErrorCreateDenied)
		return false
	}
	isTest, err := v.deps.Worlds.IsTest(worldID)
	if err != nil {
		v.sendError(packet.ErrorCreateDenied)
		return false
	}
	_, _, privileges := v.sess.Bitmasks()
	if isTest && privileges&persist.PrivTestAccess == 0 {
		v.log.Warn("test world refused", zap.String("world", worldName))
		v.sendError(packet.ErrorCreateDenied)
		return false
	}
	if !v.slotVacant(contentID) {
		v.log.Warn("create on occupied or foreign slot", zap.Uint32("content", contentID))
		v.sendError(packet.ErrorCreateDenied)
		return false
	}

	chars, _ := v.sess.Characters()
	suggested, ok := suggestCharID(chars, worldID)
	if !ok {
		v.log.Warn("character id space exhausted", zap.Uint32("world", worldID))
		v.sendError(packet.ErrorCreateDenied)
		return false
	}
	v.sess.UpsertCharacter(mq.CharacterEntry{
		ContentID:   contentID,
		Enabled:     true,
		CharacterID: suggested,
		Name:        name,
		WorldID:     uint8(worldID),
	})

	req := mq.CreateRequest{
		Header: mq.Header{
			Type:        mq.MsgCharReserve,
			ContentID:   contentID,
			CharacterID: suggested,
			AccountID:   v.sess.AccountID(),
		},
		Name: name,
	}
	return v.sendWorldRPC(ctx, worldID, req.Marshal(), opReserve, contentID)
}

// handleConfirm commits a reserved character with the client's chosen
// appearance.
func (v *viewConn) handleConfirm(ctx context.Context, payload []byte) bool {
	if len(payload) < 4+mq.CharacterEntrySize {
		v.log.Warn("short confirm request")
		return false
	}
	r := packet.NewReader(payload)
	contentID := r.ReadD()
	details, err := mq.UnmarshalEntry(payload[4:])
	if err != nil {
		v.log.Warn("bad confirm entry", zap.Error(err))
		return false
	}

	slot, ok := v.sess.CharacterByContentID(contentID)
	if !ok || !slot.Enabled || slot.Nation != 0 || slot.Zone != 0 || slot.CharacterID == 0 {
		v.log.Warn("confirm without live reservation", zap.Uint32("content", contentID))
		v.sendError(packet.ErrorCreateDenied)
		return false
	}

	entry := slot
	entry.Race = details.Race
	entry.Face = details.Face
	entry.Hair = details.Hair
	entry.Size = details.Size
	entry.Nation = details.Nation
	entry.MainJob = clampMainJob(details.MainJob)
	entry.MainJobLevel = 1
	entry.Zone = 0
	v.confirmEntry = entry

	req := mq.ConfirmCreateRequest{
		Header: mq.Header{
			Type:        mq.MsgCharCreate,
			ContentID:   contentID,
			CharacterID: slot.CharacterID,
			AccountID:   v.sess.AccountID(),
		},
		Details: entry,
	}
	return v.sendWorldRPC(ctx, uint32(slot.WorldID), req.Marshal(), opConfirm, contentID)
}

// handleDelete removes a character after the owning world confirms.
func (v *viewConn) handleDelete(ctx context.Context, payload []byte) bool {
	if len(payload) < 8 {
		v.log.Warn("short delete request")
		return false
	}
	r := packet.NewReader(payload)
	contentID := r.ReadD()
	wireCharID := r.ReadD()

	slot, ok := v.sess.CharacterByContentID(contentID)
	if !ok || slot.CharacterID == 0 || uint16(slot.CharacterID) != uint16(wireCharID) {
		v.log.Warn("delete for unowned character",
			zap.Uint32("content", contentID), zap.Uint32("character", wireCharID))
		v.sendError(packet.ErrorMapConnectFailed)
		return false
	}

	header := mq.Header{
		Type:        mq.MsgCharDelete,
		ContentID:   contentID,
		CharacterID: slot.CharacterID,
		AccountID:   v.sess.AccountID(),
	}
	return v.sendWorldRPC(ctx, uint32(slot.WorldID), header.Marshal(), opDelete, contentID)
}

// sendWorldRPC publishes one request and arms the reply timeout. Only
// one RPC may be outstanding per session.
func (v *viewConn) sendWorldRPC(ctx context.Context, worldID uint32, body []byte, op pendingOp, contentID uint32) bool {
	if v.pending != opNone {
		v.log.Warn("world rpc already outstanding")
		v.sendError(packet.ErrorMapConnectFailed)
		return false
	}
	if err := v.deps.Worlds.SendToWorld(ctx, worldID, body); err != nil {
		if errors.Is(err, world.ErrNoSuchWorld) {
			v.log.Warn("rpc to unknown world", zap.Uint32("world", worldID))
		} else {
			v.log.Error("world rpc publish", zap.Uint32("world", worldID), zap.Error(err))
		}
		v.pending = op
		v.pendingContent = contentID
		v.failPending(ctx)
		return false
	}
	v.pending = op
	v.pendingWorld = worldID
	v.pendingContent = contentID
	v.opDeadline = time.Now().Add(operationTimeout)
	return true
}

// handleWorldReply consumes one mailbox message against the outstanding
// RPC. Returns false to terminate the connection.
func (v *viewConn) handleWorldReply(ctx context.Context, body []byte, originWorld uint8) bool {
	header, err := mq.ParseHeader(body)
	if err != nil {
		v.log.Error("malformed world reply", zap.Error(err))
		v.failPending(ctx)
		return false
	}
	if v.pending == opNone || header.AccountID != v.sess.AccountID() ||
		uint32(originWorld) != v.pendingWorld || header.ContentID != v.pendingContent {
		v.log.Warn("world reply does not match outstanding rpc",
			zap.Uint32("type", header.Type), zap.Uint8("world", originWorld))
		v.failPending(ctx)
		return false
	}

	switch v.pending {
	case opLogin:
		return v.finishLogin(body, header, originWorld)
	case opReserve:
		return v.finishReserve(ctx, body, header)
	case opConfirm:
		return v.finishConfirm(ctx, body, header)
	case opDelete:
		return v.finishDelete(ctx, body, header)
	}
	return true
}

func (v *viewConn) finishLogin(body []byte, header mq.Header, originWorld uint8) bool {
	ack, err := mq.UnmarshalLoginResponse(body)
	if err != nil || header.Type != mq.MsgCharLoginAck {
		v.log.Warn("bad login ack", zap.Error(err))
		v.sendError(packet.ErrorMapConnectFailed)
		return false
	}
	slot, ok := v.sess.CharacterByContentID(header.ContentID)
	if !ok || slot.CharacterID != header.CharacterID || slot.WorldID != originWorld {
		v.log.Warn("login ack identity mismatch", zap.Uint32("character", header.CharacterID))
		v.sendError(packet.ErrorMapConnectFailed)
		return false
	}
	if ack.ResponseCode != 0 {
		v.log.Warn("world refused login", zap.Uint32("code", ack.ResponseCode))
		v.sendError(packet.ErrorMapConnectFailed)
		return false
	}

	w := packet.NewWriter()
	w.WriteD(slot.ContentID)
	w.WriteD(slot.CharacterID)
	w.WriteString(slot.Name, 16)
	w.WriteD(2)
	w.WriteD(ack.ZoneIP)
	w.WriteH(ack.ZonePort)
	w.WriteH(0)
	w.WriteD(ack.SearchIP)
	w.WriteH(ack.SearchPort)
	w.WriteH(0)
	v.send(packet.TypeLoginResponse, w.Bytes())
	v.log.Info("login hand-off complete", zap.Uint32("character", slot.CharacterID))

	// The client disconnects and talks to the zone endpoint now.
	return false
}

func (v *viewConn) finishReserve(ctx context.Context, body []byte, header mq.Header) bool {
	ack, err := mq.UnmarshalGenericResponse(body)
	if err != nil || header.Type != mq.MsgCharReserveAck || ack.ResponseCode != 0 {
		v.log.Warn("reservation refused by world", zap.Error(err))
		v.failPending(ctx)
		return false
	}
	v.pending = opNone
	return v.sendDone()
}

func (v *viewConn) finishConfirm(ctx context.Context, body []byte, header mq.Header) bool {
	ack, err := mq.UnmarshalConfirmCreateResponse(body)
	if err != nil || header.Type != mq.MsgCharCreateAck || ack.ResponseCode != 0 {
		v.log.Warn("character commit refused by world", zap.Error(err))
		v.failPending(ctx)
		return false
	}

	// The world may have replaced the suggested id, and it rolled the
	// starting zone.
	entry := v.confirmEntry
	entry.CharacterID = ack.Header.CharacterID
	entry.Zone = ack.Zone
	if err := v.deps.Mirror.UpdateCharacter(ctx, &entry); err != nil {
		v.log.Error("commit character to mirror", zap.Error(err))
		v.failPending(ctx)
		return false
	}
	v.sess.UpsertCharacter(entry)
	v.pending = opNone
	v.log.Info("character committed",
		zap.Uint32("character", entry.CharacterID), zap.Uint16("zone", entry.Zone))
	return v.sendDone()
}

func (v *viewConn) finishDelete(ctx context.Context, body []byte, header mq.Header) bool {
	ack, err := mq.UnmarshalGenericResponse(body)
	if err != nil || header.Type != mq.MsgCharDeleteAck || ack.ResponseCode != 0 {
		v.log.Warn("delete refused by world", zap.Error(err))
		v.failPending(ctx)
		return false
	}
	if err := v.deps.Mirror.DeleteByContentID(ctx, header.ContentID); err != nil {
		v.log.Error("remove character row", zap.Error(err))
		v.failPending(ctx)
		return false
	}
	v.sess.ClearCharacter(header.ContentID)
	v.pending = opNone
	v.log.Info("character deleted", zap.Uint32("content", header.ContentID))
	return v.sendDone()
}

// slotVacant reports whether the content id belongs to this account and
// has no character on it.
func (v *viewConn) slotVacant(contentID uint32) bool {
	owned := false
	for _, c := range v.contents {
		if c.ContentID == contentID {
			owned = c.Enabled
			break
		}
	}
	if !owned {
		return false
	}
	slot, ok := v.sess.CharacterByContentID(contentID)
	return !ok || slot.CharacterID == 0
}

// versionOK applies the configured version lock. Lock 2 accepts the
// expected version or anything lexicographically newer.
func versionOK(lock int, expected, client string) bool {
	switch lock {
	case 1:
		return client == expected
	case 2:
		return client >= expected
	default:
		return true
	}
}

// clampMainJob forces the job to one of the six starting jobs.
func clampMainJob(job uint8) uint8 {
	if job < 1 || job > 6 {
		return 1
	}
	return job
}

// recoverCharacter resolves the truncated wire character id back to the
// full stored id.
func recoverCharacter(chars []mq.CharacterEntry, contentID uint32, wireCharID uint16, name string) (mq.CharacterEntry, bool) {
	for _, c := range chars {
		if uint16(c.CharacterID) == wireCharID && c.ContentID == contentID && c.Name == name {
			return c, true
		}
	}
	return mq.CharacterEntry{}, false
}

// suggestCharID picks the next world-scoped character id for a reserve:
// the world id in the high 16 bits, one past the account's highest low
// word on that world below. Returns false when the low word is exhausted
// and no id on that world remains.
func suggestCharID(chars []mq.CharacterEntry, worldID uint32) (uint32, bool) {
	var maxLow uint16
	for _, c := range chars {
		if uint32(c.WorldID) == worldID && uint16(c.CharacterID) > maxLow {
			maxLow = uint16(c.CharacterID)
		}
	}
	if maxLow == 0xFFFF {
		return 0, false
	}
	return worldID<<16 + uint32(maxLow) + 1, true
}

// composeCharacterList renders the fixed 16-slot view-port list.
func composeCharacterList(contents []persist.ContentRow, chars []mq.CharacterEntry, worldName func(uint8) string) []byte {
	byContent := make(map[uint32]*mq.CharacterEntry, len(chars))
	for i := range chars {
		byContent[chars[i].ContentID] = &chars[i]
	}

	w := packet.NewWriter()
	w.WriteD(uint32(len(contents)))
	for slot := 0; slot < viewCharListSlots; slot++ {
		if slot >= len(contents) {
			w.WriteZero(viewCharListEntrySize)
			continue
		}
		c := contents[slot]
		entry := byContent[c.ContentID]
		writeCharListEntry(w, c, entry, worldName)
	}
	return w.Bytes()
}

const viewCharListEntrySize = 140

// writeCharListEntry emits one 140-byte slot. Marker constants follow
// captures of the retail server.
func writeCharListEntry(w *packet.Writer, c persist.ContentRow, e *mq.CharacterEntry, worldName func(uint8) string) {
	if e == nil || e.CharacterID == 0 {
		vacant := mq.CharacterEntry{ContentID: c.ContentID, Name: " "}
		e = &vacant
	}
	w.WriteD(e.CharacterID)
	w.WriteD(c.ContentID)
	if c.Enabled && e.Enabled {
		w.WriteD(1)
	} else {
		w.WriteD(0)
	}
	w.WriteString(e.Name, 16)
	w.WriteString(worldName(e.WorldID), 16)
	w.WriteC(e.Race)
	w.WriteC(0)
	w.WriteC(e.MainJob)
	w.WriteZero(9)
	w.WriteC(e.Face)
	w.WriteC(0x02)
	w.WriteH(e.Head)
	w.WriteH(e.Body)
	w.WriteH(e.Hands)
	w.WriteH(e.Legs)
	w.WriteH(e.Feet)
	w.WriteH(e.Main)
	w.WriteH(e.Sub)
	w.WriteC(uint8(e.Zone))
	w.WriteC(e.MainJobLevel)
	w.WriteBytes([]byte{0x01, 0x00, 0x02, 0x00})
	w.WriteH(e.Zone)
	w.WriteZero(60)
}
