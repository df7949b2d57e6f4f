package coord

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	v1 "quorum/shared/contracts/coord/v1"
)

// PropagationOptions controls how far and in which direction an event
// walks the room hierarchy beyond its target room.
type PropagationOptions struct {
	Direction string // v1.DirectionUp, v1.DirectionDown or v1.DirectionBoth
	Depth     int    // hops beyond the target room
	SkipRooms map[string]struct{}
	Exclude   []string // connection ids never delivered to
}

// propagationPolicy overrides direction/depth per event name and may
// restrict which room types receive the propagated copies.
type propagationPolicy struct {
	direction string
	depth     int
	roomTypes map[RoomType]struct{} // nil means all types
}

// Event-name propagation policies. Events absent from this table
// propagate exactly as the caller requested.
var propagationPolicies = map[string]propagationPolicy{
	// Leadership changes concern every connection of the user: walk the
	// whole hierarchy down from the user room.
	v1.TypeLeaderElected: {direction: v1.DirectionDown, depth: 3},
	v1.TypeLeaderFailed:  {direction: v1.DirectionDown, depth: 3},

	// Token material stays on the device: siblings only, never up to
	// other devices.
	v1.TypeTokenUpdated: {direction: v1.DirectionDown, depth: 2, roomTypes: map[RoomType]struct{}{
		RoomDevice: {}, RoomSession: {}, RoomTab: {},
	}},

	// Visibility changes bubble up so sibling tabs can re-rank
	// election priority.
	v1.TypeVisibilityChanged: {direction: v1.DirectionUp, depth: 3},
}

// Propagator emits events into rooms and optionally re-emits them
// along the hierarchy with provenance, cycle-protected.
type Propagator struct {
	log *slog.Logger
	reg *Registry
}

// NewPropagator constructs a propagator over the registry.
func NewPropagator(log *slog.Logger, reg *Registry) *Propagator {
	return &Propagator{log: log, reg: reg}
}

// NewEnvelope wraps a payload into the canonical wire envelope.
// The contract payload structs cannot fail to marshal.
func NewEnvelope(typ string, payload any) v1.Envelope {
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: raw,
	}
}

// Emit delivers to the target room only.
func (p *Propagator) Emit(roomID string, env v1.Envelope, exclude ...string) int {
	return p.reg.Emit(roomID, env, exclude...)
}

// EmitWithPropagation delivers to the target room, then walks the
// hierarchy up and/or down to opts.Depth hops, re-emitting annotated
// copies. A room in opts.SkipRooms, or one already visited during this
// emit, is never delivered to twice.
func (p *Propagator) EmitWithPropagation(roomID string, env v1.Envelope, opts PropagationOptions) int {
	direction := opts.Direction
	depth := opts.Depth
	allowed := map[RoomType]struct{}(nil)

	if policy, ok := propagationPolicies[env.Type]; ok {
		direction = policy.direction
		depth = policy.depth
		allowed = policy.roomTypes
	}
	if depth < 0 {
		depth = 0
	}

	visited := make(map[string]struct{}, 8)
	for id := range opts.SkipRooms {
		visited[id] = struct{}{}
	}

	delivered := 0
	if _, skip := visited[roomID]; !skip {
		visited[roomID] = struct{}{}
		delivered += p.reg.Emit(roomID, env, opts.Exclude...)
	}

	if direction == v1.DirectionUp || direction == v1.DirectionBoth {
		delivered += p.walkUp(roomID, env, depth, visited, allowed, opts.Exclude)
	}
	if direction == v1.DirectionDown || direction == v1.DirectionBoth {
		delivered += p.walkDown(roomID, env, depth, visited, allowed, opts.Exclude)
	}
	return delivered
}

func (p *Propagator) walkUp(sourceRoom string, env v1.Envelope, depth int, visited map[string]struct{}, allowed map[RoomType]struct{}, exclude []string) int {
	annotated := env
	annotated.Origin = &v1.Provenance{Direction: v1.DirectionUp, SourceRoom: sourceRoom}

	delivered := 0
	cur := sourceRoom
	for hop := 0; hop < depth && hop < maxHierarchyHops; hop++ {
		parent := p.reg.Parent(cur)
		if parent == "" {
			break
		}
		if _, seen := visited[parent]; seen {
			break
		}
		visited[parent] = struct{}{}

		if p.roomAllowed(parent, allowed) {
			delivered += p.reg.Emit(parent, annotated, exclude...)
		}
		cur = parent
	}
	return delivered
}

func (p *Propagator) walkDown(sourceRoom string, env v1.Envelope, depth int, visited map[string]struct{}, allowed map[RoomType]struct{}, exclude []string) int {
	annotated := env
	annotated.Origin = &v1.Provenance{Direction: v1.DirectionDown, SourceRoom: sourceRoom}

	delivered := 0
	frontier := []string{sourceRoom}
	for hop := 0; hop < depth && hop < maxHierarchyHops && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, child := range p.reg.Children(id) {
				if _, seen := visited[child]; seen {
					continue
				}
				visited[child] = struct{}{}

				if p.roomAllowed(child, allowed) {
					delivered += p.reg.Emit(child, annotated, exclude...)
				}
				next = append(next, child)
			}
		}
		frontier = next
	}
	return delivered
}

func (p *Propagator) roomAllowed(roomID string, allowed map[RoomType]struct{}) bool {
	if allowed == nil {
		return true
	}
	typ, ok := p.reg.RoomInfo(roomID)
	if !ok {
		return false
	}
	_, ok = allowed[typ]
	return ok
}
