package media

import "sync"

// Participant is one remote session member's published-media state as
// observed locally. Keyed by the transport-assigned uid, not the application
// user id.
type Participant struct {
	UID        uint32
	HasAudio   bool
	HasVideo   bool
	AudioTrack RemoteTrack
	VideoTrack RemoteTrack
}

// participantSet is the single authoritative remote-participants map. All
// mutation goes through it; snapshots are what the UI renders.
type participantSet struct {
	mu    sync.Mutex
	byUID map[uint32]*Participant
}

func newParticipantSet() *participantSet {
	return &participantSet{byUID: make(map[uint32]*Participant)}
}

// setVideo records that uid publishes video and, when track is non-nil,
// attaches the handle. A changed handle for the same uid replaces the entry,
// never duplicates it. Reports whether anything visible changed.
func (p *participantSet) setVideo(uid uint32, track RemoteTrack) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byUID[uid]
	if !ok {
		e = &Participant{UID: uid}
		p.byUID[uid] = e
	}
	changed := !e.HasVideo
	e.HasVideo = true
	if track != nil {
		if e.VideoTrack == nil || e.VideoTrack.ID() != track.ID() {
			e.VideoTrack = track
			changed = true
		}
	}
	return changed
}

func (p *participantSet) setAudio(uid uint32, track RemoteTrack) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byUID[uid]
	if !ok {
		e = &Participant{UID: uid}
		p.byUID[uid] = e
	}
	changed := !e.HasAudio
	e.HasAudio = true
	if track != nil {
		if e.AudioTrack == nil || e.AudioTrack.ID() != track.ID() {
			e.AudioTrack = track
			changed = true
		}
	}
	return changed
}

// dropVideo removes the whole entry: the video tile is gone. Matches the
// upstream behavior where a video unpublish removes the participant view.
func (p *participantSet) dropVideo(uid uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byUID[uid]; !ok {
		return false
	}
	delete(p.byUID, uid)
	return true
}

// dropAudio clears audio state only; video is an independent category. The
// entry goes away once no categories remain.
func (p *participantSet) dropAudio(uid uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byUID[uid]
	if !ok {
		return false
	}
	if !e.HasAudio {
		return false
	}
	e.HasAudio = false
	e.AudioTrack = nil
	if !e.HasVideo {
		delete(p.byUID, uid)
	}
	return true
}

func (p *participantSet) remove(uid uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byUID[uid]; !ok {
		return false
	}
	delete(p.byUID, uid)
	return true
}

func (p *participantSet) get(uid uint32) (Participant, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byUID[uid]
	if !ok {
		return Participant{}, false
	}
	return *e, true
}

func (p *participantSet) snapshot() []Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Participant, 0, len(p.byUID))
	for _, e := range p.byUID {
		out = append(out, *e)
	}
	return out
}

func (p *participantSet) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byUID = make(map[uint32]*Participant)
}
