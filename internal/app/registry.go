package app

import (
	"slices"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/metrics"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

type roomEntry struct {
	id      domain.RoomID
	members []domain.Member // join order, unique by id
}

func (e *roomEntry) indexOf(id domain.ConnectionID) int {
	return slices.IndexFunc(e.members, func(m domain.Member) bool { return m.ID == id })
}

func (e *roomEntry) snapshot() []domain.Member {
	return slices.Clone(e.members)
}

// Registry is the authoritative in-memory room table. Every exported
// operation runs to completion under one lock, so no caller can observe a
// partially applied join or leave. version grows with every membership
// change and stamps each member list handed out.
type Registry struct {
	mu      sync.Mutex
	rooms   map[domain.RoomID]*roomEntry
	roomOf  map[domain.ConnectionID]domain.RoomID
	ready   *MediaReadyTracker
	version uint64
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[domain.RoomID]*roomEntry),
		roomOf: make(map[domain.ConnectionID]domain.RoomID),
		ready:  NewMediaReadyTracker(),
	}
}

type JoinResult struct {
	Member  domain.Member
	Members []domain.Member
}

// Join admits conn into roomID, leaving any other room first. Re-joining the
// same room only updates the display name.
func (r *Registry) Join(conn domain.ConnectionID, rawRoom, displayName string) (JoinResult, []core.Outbound, error) {
	roomID, err := domain.NormalizeRoomID(rawRoom)
	if err != nil {
		return JoinResult{}, nil, domain.InvalidInput("join", err)
	}
	member, err := domain.NewMember(conn, displayName)
	if err != nil {
		return JoinResult{}, nil, domain.InvalidInput("join", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var outs []core.Outbound
	if prev, ok := r.roomOf[conn]; ok && prev != roomID {
		outs = append(outs, r.leaveLocked(conn, prev)...)
		log.Info().Str("module", "app.registry").Str("conn", string(conn)).Str("from_room", string(prev)).Msg("implicit leave on join")
	}

	room, ok := r.rooms[roomID]
	if !ok {
		room = &roomEntry{id: roomID}
		r.rooms[roomID] = room
		log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("room created")
	}
	if i := room.indexOf(conn); i >= 0 {
		room.members[i].DisplayName = member.DisplayName
		log.Info().Str("module", "app.registry").Str("conn", string(conn)).Str("room", string(roomID)).Str("name", member.DisplayName).Msg("re-join, name updated")
	} else {
		room.members = append(room.members, member)
		log.Info().Str("module", "app.registry").Str("conn", string(conn)).Str("room", string(roomID)).Str("name", member.DisplayName).Msg("member joined")
	}
	r.roomOf[conn] = roomID
	r.version++

	members := room.snapshot()
	outs = append(outs, core.Outbound{
		To:  conn,
		Msg: protocol.JoinSuccess{RoomID: roomID, Self: member, Members: members, Version: r.version},
	})
	for _, m := range members {
		outs = append(outs, core.Outbound{
			To:  m.ID,
			Msg: protocol.MemberJoined{RoomID: roomID, Member: member, Members: members, Version: r.version},
		})
	}
	r.updateGaugesLocked()
	return JoinResult{Member: member, Members: members}, outs, nil
}

// Leave is a no-op when the room or the member is already gone.
func (r *Registry) Leave(conn domain.ConnectionID, roomID domain.RoomID) []core.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	outs := r.leaveLocked(conn, roomID)
	r.updateGaugesLocked()
	return outs
}

// LeaveAll removes conn from every room that lists it.
func (r *Registry) LeaveAll(conn domain.ConnectionID) []core.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []domain.RoomID
	for id, room := range r.rooms {
		if room.indexOf(conn) >= 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	var outs []core.Outbound
	for _, id := range ids {
		outs = append(outs, r.leaveLocked(conn, id)...)
	}
	delete(r.roomOf, conn)
	r.updateGaugesLocked()
	return outs
}

func (r *Registry) leaveLocked(conn domain.ConnectionID, roomID domain.RoomID) []core.Outbound {
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	i := room.indexOf(conn)
	if i < 0 {
		return nil
	}
	gone := room.members[i]
	room.members = slices.Delete(room.members, i, i+1)
	if r.roomOf[conn] == roomID {
		delete(r.roomOf, conn)
	}
	r.ready.Clear(roomID, conn)
	r.version++
	log.Info().Str("module", "app.registry").Str("conn", string(conn)).Str("room", string(roomID)).Msg("member left")

	if len(room.members) == 0 {
		delete(r.rooms, roomID)
		log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("room deleted")
		return nil
	}

	members := room.snapshot()
	outs := make([]core.Outbound, 0, len(members))
	for _, m := range members {
		outs = append(outs, core.Outbound{
			To: m.ID,
			Msg: protocol.MemberLeft{
				RoomID:      roomID,
				MemberID:    gone.ID,
				DisplayName: gone.DisplayName,
				Members:     members,
				Version:     r.version,
			},
		})
	}
	return outs
}

// ListOthers returns the room without conn and the version it was taken
// at; unknown rooms yield an empty list.
func (r *Registry) ListOthers(conn domain.ConnectionID, roomID domain.RoomID) ([]domain.Member, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.othersLocked(conn, roomID), r.version
}

func (r *Registry) othersLocked(conn domain.ConnectionID, roomID domain.RoomID) []domain.Member {
	room, ok := r.rooms[roomID]
	if !ok {
		return []domain.Member{}
	}
	return domain.Room{ID: roomID, Members: room.members}.Others(conn)
}

func (r *Registry) Members(roomID domain.RoomID) ([]domain.Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	return room.snapshot(), true
}

func (r *Registry) Member(roomID domain.RoomID, id domain.ConnectionID) (domain.Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memberLocked(roomID, id)
}

func (r *Registry) memberLocked(roomID domain.RoomID, id domain.ConnectionID) (domain.Member, bool) {
	room, ok := r.rooms[roomID]
	if !ok {
		return domain.Member{}, false
	}
	i := room.indexOf(id)
	if i < 0 {
		return domain.Member{}, false
	}
	return room.members[i], true
}

// Pair resolves sender and target of a relayed message in one consistent read.
func (r *Registry) Pair(roomID domain.RoomID, from, to domain.ConnectionID) (sender, target domain.Member, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; !ok {
		return sender, target, domain.NotFound("relay", domain.ErrRoomNotFound)
	}
	sender, ok := r.memberLocked(roomID, from)
	if !ok {
		return sender, target, domain.NotFound("relay", domain.ErrNotMember)
	}
	target, ok = r.memberLocked(roomID, to)
	if !ok {
		return sender, target, domain.NotFound("relay", domain.ErrTargetNotMember)
	}
	return sender, target, nil
}

func (r *Registry) RoomOf(conn domain.ConnectionID) (domain.RoomID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.roomOf[conn]
	return id, ok
}

// AnnounceMediaReady marks conn media-ready in roomID and, on the first
// announcement of its current membership, returns the members to notify.
// Membership check, mark and recipient snapshot happen under one lock.
func (r *Registry) AnnounceMediaReady(roomID domain.RoomID, conn domain.ConnectionID) (sender domain.Member, recipients []domain.Member, first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sender, ok := r.memberLocked(roomID, conn)
	if !ok {
		return sender, nil, false, domain.NotFound("media-ready", domain.ErrNotMember)
	}
	if !r.ready.Mark(roomID, conn) {
		return sender, nil, false, nil
	}
	return sender, r.othersLocked(conn, roomID), true, nil
}

func (r *Registry) Rooms() []core.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.RoomInfo, 0, len(r.rooms))
	for id, room := range r.rooms {
		out = append(out, core.RoomInfo{ID: id, MemberCount: len(room.members)})
	}
	slices.SortFunc(out, func(a, b core.RoomInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) updateGaugesLocked() {
	metrics.ActiveRooms.Set(float64(len(r.rooms)))
	metrics.ActiveMembers.Set(float64(len(r.roomOf)))
}
