package services

import (
	"context"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/utils"

	"go.uber.org/zap"
)

// RegistryConfig bounds the registry.
type RegistryConfig struct {
	MaxRooms          int
	MaxViewersPerRoom int
}

type roomState struct {
	room           domain.Room
	router         ports.Router
	viewers        []domain.PeerID // registration order
	lastPeerChange time.Time
}

type peerState struct {
	peer              domain.Peer
	transports        map[domain.TransportDirection]ports.Transport
	producers         []ports.Producer // creation order
	consumers         []ports.Consumer
	consumedProducers map[domain.ProducerID]bool
}

// Registry is the single owner of all room and peer state. Entities are
// linked by id only; callers get immutable snapshots. Media teardown
// happens outside the lock since transport Close can block.
type Registry struct {
	cfg    RegistryConfig
	engine ports.MediaEngine
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomState
	peers map[domain.PeerID]*peerState
	evict ports.PeerEvictionHandler
}

func NewRegistry(cfg RegistryConfig, engine ports.MediaEngine, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		cfg:    cfg,
		engine: engine,
		logger: logger,
		rooms:  make(map[domain.RoomID]*roomState),
		peers:  make(map[domain.PeerID]*peerState),
	}
}

func (r *Registry) SetEvictionHandler(h ports.PeerEvictionHandler) {
	r.mu.Lock()
	r.evict = h
	r.mu.Unlock()
}

func (r *Registry) CreateRoom(ctx context.Context, postID string, hostUserID domain.UserID) (domain.RoomID, error) {
	r.mu.RLock()
	atCap := len(r.rooms) >= r.cfg.MaxRooms
	r.mu.RUnlock()
	if atCap {
		return "", domain.ErrRoomCapacity
	}

	router, err := r.engine.CreateRouter(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now()
	room := domain.Room{
		ID:         domain.RoomID(utils.GenerateRoomID()),
		PostID:     postID,
		HostUserID: hostUserID,
		RouterID:   router.ID(),
		ViewerCap:  r.cfg.MaxViewersPerRoom,
		Active:     true,
		CreatedAt:  now,
	}

	r.mu.Lock()
	if len(r.rooms) >= r.cfg.MaxRooms {
		r.mu.Unlock()
		router.Close()
		return "", domain.ErrRoomCapacity
	}
	r.rooms[room.ID] = &roomState{
		room:           room,
		router:         router,
		lastPeerChange: now,
	}
	r.mu.Unlock()

	r.logger.Infow("room created",
		"room_id", room.ID,
		"post_id", postID,
		"host_user_id", hostUserID,
		"router_id", router.ID(),
	)
	return room.ID, nil
}

// StopRoom destroys every peer, then the router, then the room record.
// A second call finds nothing and reports domain.ErrRoomNotFound.
func (r *Registry) StopRoom(ctx context.Context, roomID domain.RoomID) error {
	return r.stopRoom(ctx, roomID, "", "room_stopped")
}

// stopRoom is the single teardown path. skipEvict suppresses the
// eviction callback for the peer that initiated its own departure.
func (r *Registry) stopRoom(ctx context.Context, roomID domain.RoomID, skipEvict domain.PeerID, reason string) error {
	r.mu.Lock()
	rs, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrRoomNotFound
	}
	delete(r.rooms, roomID)

	var doomed []*peerState
	collect := func(id domain.PeerID) {
		if ps, ok := r.peers[id]; ok {
			doomed = append(doomed, ps)
			delete(r.peers, id)
		}
	}
	// Viewers go first so their consumers detach before the host's
	// producers close.
	for _, id := range rs.viewers {
		collect(id)
	}
	if rs.room.HostPeerID != "" {
		collect(rs.room.HostPeerID)
	}
	evict := r.evict
	r.mu.Unlock()

	for _, ps := range doomed {
		r.teardownPeerMedia(ps)
		if evict != nil && ps.peer.ID != skipEvict {
			evict(ps.peer.ID, reason)
		}
	}
	rs.router.Close()

	r.logger.Infow("room stopped",
		"room_id", roomID,
		"reason", reason,
		"peers_evicted", len(doomed),
	)
	return nil
}

func (r *Registry) RegisterPeer(ctx context.Context, roomID domain.RoomID, userID domain.UserID, username string, role domain.Role) (domain.Peer, error) {
	if !role.Valid() {
		return domain.Peer{}, domain.ErrRoleMismatch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.rooms[roomID]
	if !ok || !rs.room.Active {
		return domain.Peer{}, domain.ErrRoomNotFound
	}

	if role == domain.RoleHost && rs.room.HostPeerID != "" {
		return domain.Peer{}, domain.ErrHostPresent
	}
	if role == domain.RoleViewer && len(rs.viewers) >= rs.room.ViewerCap {
		return domain.Peer{}, domain.ErrRoomFull
	}

	peer := domain.Peer{
		ID:        domain.PeerID(utils.GeneratePeerID()),
		RoomID:    roomID,
		UserID:    userID,
		Username:  username,
		Role:      role,
		CreatedAt: time.Now(),
	}
	r.peers[peer.ID] = &peerState{
		peer:              peer,
		transports:        make(map[domain.TransportDirection]ports.Transport),
		consumedProducers: make(map[domain.ProducerID]bool),
	}

	if role == domain.RoleHost {
		rs.room.HostPeerID = peer.ID
	} else {
		rs.viewers = append(rs.viewers, peer.ID)
	}
	rs.lastPeerChange = time.Now()

	r.logger.Infow("peer registered",
		"room_id", roomID,
		"peer_id", peer.ID,
		"user_id", userID,
		"role", role,
	)
	return peer, nil
}

// UnregisterPeer removes one peer. A departing host takes the whole
// room down with it.
func (r *Registry) UnregisterPeer(ctx context.Context, peerID domain.PeerID) error {
	r.mu.Lock()
	ps, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	if ps.peer.Role == domain.RoleHost {
		roomID := ps.peer.RoomID
		r.mu.Unlock()
		err := r.stopRoom(ctx, roomID, peerID, "host_left")
		if err == domain.ErrRoomNotFound {
			return nil
		}
		return err
	}

	delete(r.peers, peerID)
	if rs, ok := r.rooms[ps.peer.RoomID]; ok {
		for i, id := range rs.viewers {
			if id == peerID {
				rs.viewers = append(rs.viewers[:i], rs.viewers[i+1:]...)
				break
			}
		}
		rs.lastPeerChange = time.Now()
	}
	r.mu.Unlock()

	r.teardownPeerMedia(ps)
	r.logger.Infow("peer unregistered",
		"room_id", ps.peer.RoomID,
		"peer_id", peerID,
		"role", ps.peer.Role,
	)
	return nil
}

// teardownPeerMedia closes the peer's media in the required order:
// producers, then consumers, then transports.
func (r *Registry) teardownPeerMedia(ps *peerState) {
	for _, p := range ps.producers {
		p.Close()
	}
	for _, c := range ps.consumers {
		c.Close()
	}
	for _, t := range ps.transports {
		t.Close()
	}
}

func (r *Registry) GetRoom(roomID domain.RoomID) (domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return rs.room, nil
}

func (r *Registry) GetPeer(peerID domain.PeerID) (domain.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps, ok := r.peers[peerID]
	if !ok {
		return domain.Peer{}, domain.ErrPeerNotFound
	}
	return ps.peer, nil
}

func (r *Registry) Router(roomID domain.RoomID) (ports.Router, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return rs.router, nil
}

func (r *Registry) AttachTransport(peerID domain.PeerID, t ports.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.peers[peerID]
	if !ok {
		return domain.ErrPeerNotFound
	}
	ps.transports[t.Direction()] = t
	return nil
}

func (r *Registry) TransportFor(peerID domain.PeerID, direction domain.TransportDirection) (ports.Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps, ok := r.peers[peerID]
	if !ok {
		return nil, false
	}
	t, ok := ps.transports[direction]
	return t, ok
}

func (r *Registry) AddProducer(peerID domain.PeerID, p ports.Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.peers[peerID]
	if !ok {
		return domain.ErrPeerNotFound
	}
	if ps.peer.Role != domain.RoleHost {
		return domain.ErrRoleMismatch
	}
	ps.producers = append(ps.producers, p)
	return nil
}

func (r *Registry) AddConsumer(peerID domain.PeerID, c ports.Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.peers[peerID]
	if !ok {
		return domain.ErrPeerNotFound
	}
	if ps.consumedProducers[c.ProducerID()] {
		return domain.ErrAlreadyConsuming
	}
	ps.consumers = append(ps.consumers, c)
	ps.consumedProducers[c.ProducerID()] = true
	return nil
}

func (r *Registry) HasConsumerFor(peerID domain.PeerID, producerID domain.ProducerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps, ok := r.peers[peerID]
	return ok && ps.consumedProducers[producerID]
}

func (r *Registry) HostProducers(roomID domain.RoomID) []ports.Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.rooms[roomID]
	if !ok || rs.room.HostPeerID == "" {
		return nil
	}
	ps, ok := r.peers[rs.room.HostPeerID]
	if !ok {
		return nil
	}
	out := make([]ports.Producer, len(ps.producers))
	copy(out, ps.producers)
	return out
}

func (r *Registry) ViewerPeers(roomID domain.RoomID) []domain.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]domain.Peer, 0, len(rs.viewers))
	for _, id := range rs.viewers {
		if ps, ok := r.peers[id]; ok {
			out = append(out, ps.peer)
		}
	}
	return out
}

func (r *Registry) RoomStats(roomID domain.RoomID) (domain.RoomStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		return domain.RoomStats{}, domain.ErrRoomNotFound
	}
	return r.roomStatsLocked(rs), nil
}

func (r *Registry) roomStatsLocked(rs *roomState) domain.RoomStats {
	sent, received := rs.router.BytesForwarded()
	return domain.RoomStats{
		RoomID:        rs.room.ID,
		PostID:        rs.room.PostID,
		HostUserID:    rs.room.HostUserID,
		IsActive:      rs.room.Active,
		HasHost:       rs.room.HostPeerID != "",
		ViewerCount:   len(rs.viewers),
		CreatedAt:     rs.room.CreatedAt,
		BytesSent:     sent,
		BytesReceived: received,
	}
}

func (r *Registry) ServerStats() domain.ServerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := domain.ServerStats{
		TotalRooms: len(r.rooms),
		TotalPeers: len(r.peers),
		Rooms:      make([]domain.RoomStats, 0, len(r.rooms)),
	}
	for _, rs := range r.rooms {
		rstats := r.roomStatsLocked(rs)
		if rstats.IsActive {
			stats.ActiveRooms++
		}
		if rstats.HasHost {
			stats.TotalHosts++
		}
		stats.TotalViewers += rstats.ViewerCount
		stats.TotalBytesSent += rstats.BytesSent
		stats.TotalBytesReceived += rstats.BytesReceived
		stats.Rooms = append(stats.Rooms, rstats)
	}
	return stats
}

func (r *Registry) Counts() (rooms, peers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.peers)
}

// ReapIdle removes rooms that have sat hostless past the timeout,
// typically rooms whose host never connected after create.
func (r *Registry) ReapIdle(now time.Time, timeout time.Duration) int {
	r.mu.RLock()
	var idle []domain.RoomID
	for id, rs := range r.rooms {
		if rs.room.HostPeerID == "" && now.Sub(rs.lastPeerChange) > timeout {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	reaped := 0
	for _, id := range idle {
		if err := r.stopRoom(context.Background(), id, "", "idle_timeout"); err == nil {
			reaped++
		}
	}
	if reaped > 0 {
		r.logger.Infow("reaped idle rooms", "count", reaped)
	}
	return reaped
}

func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]domain.RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.stopRoom(ctx, id, "", "server_shutdown")
	}
}
