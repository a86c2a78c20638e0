// Copyright (C) 2025 The kvbd authors

package index

// Proxy serializes and prioritizes requests coming to the index. All map
// traffic is done by the same goroutine, which also improves cache locality.
// Applies and lookups have the highest priority, the maintenance operations
// of the garbage collector and checkpointing run when the hot path is idle.
type Proxy struct {
	Instance *Map

	// Channels for internal communication specific to one type of
	// request.
	applyChan   chan applyRequest
	lookupChan  chan lookupRequest
	segmentChan chan segmentRequest

	// General low priority channel used for multiple types of requests.
	lockChan chan lockRequest
}

// NewProxy returns a proxy which can be directly used. It spawns one worker
// which handles all serialized and prioritized requests.
func NewProxy(instance *Map) *Proxy {
	p := &Proxy{
		Instance:    instance,
		applyChan:   make(chan applyRequest),
		lookupChan:  make(chan lookupRequest),
		segmentChan: make(chan segmentRequest),
		lockChan:    make(chan lockRequest),
	}

	go p.worker()

	return p
}

// Apply applies the records of one segment.
func (p *Proxy) Apply(entries []Entry) {
	done := make(chan struct{})
	p.applyChan <- applyRequest{entries, done}
	<-done
}

// ApplyIf applies only the records whose key still resolves to the matching
// origin location.
func (p *Proxy) ApplyIf(entries []Entry, origins []Location) {
	done := make(chan struct{})
	p.lockChan <- lockRequest{done}
	defer func() {
		<-done
	}()

	p.Instance.ApplyIf(entries, origins)
}

// Lookup returns the current location of the key.
func (p *Proxy) Lookup(key uint64) (Location, bool) {
	reply := make(chan lookupReply)
	p.lookupChan <- lookupRequest{key, reply}
	r := <-reply
	return r.loc, r.ok
}

// EntriesInSegments returns the live entries located in any of the given
// segments.
func (p *Proxy) EntriesInSegments(segs map[int64]struct{}) []Entry {
	reply := make(chan []Entry)
	p.segmentChan <- segmentRequest{segs, reply}
	return <-reply
}

// Utilization returns the live bytes of every registered segment.
func (p *Proxy) Utilization() map[int64]int64 {
	done := make(chan struct{})
	p.lockChan <- lockRequest{done}
	tmp := p.Instance.Utilization()
	<-done

	return tmp
}

// Dead returns all segments without any live data.
func (p *Proxy) Dead() map[int64]struct{} {
	done := make(chan struct{})
	p.lockChan <- lockRequest{done}
	tmp := p.Instance.Dead()
	<-done

	return tmp
}

// MaxSegment returns the highest registered segment.
func (p *Proxy) MaxSegment() int64 {
	done := make(chan struct{})
	p.lockChan <- lockRequest{done}
	tmp := p.Instance.MaxSegment()
	<-done

	return tmp
}

// DropSegments forgets the given segments.
func (p *Proxy) DropSegments(segs map[int64]struct{}) {
	done := make(chan struct{})
	p.lockChan <- lockRequest{done}
	defer func() {
		<-done
	}()

	p.Instance.DropSegments(segs)
}

// Serialize dumps the index into a checkpoint blob.
func (p *Proxy) Serialize(nextSeq int64) []byte {
	done := make(chan struct{})
	p.lockChan <- lockRequest{done}
	tmp := p.Instance.Serialize(nextSeq)
	<-done

	return tmp
}

// Deserialize replaces the index content with the checkpoint blob.
func (p *Proxy) Deserialize(buf []byte) (int64, error) {
	done := make(chan struct{})
	p.lockChan <- lockRequest{done}
	defer func() {
		<-done
	}()

	return p.Instance.Deserialize(buf)
}

// Internal request structures just for wrapping the function calls into the
// channel communication.

type applyRequest struct {
	entries []Entry
	done    chan struct{}
}

type lookupRequest struct {
	key   uint64
	reply chan lookupReply
}

type lookupReply struct {
	loc Location
	ok  bool
}

type segmentRequest struct {
	segs  map[int64]struct{}
	reply chan []Entry
}

type lockRequest struct {
	done chan struct{}
}

// worker does the prioritization and serialization of the requests. While a
// lockRequest is held the worker is parked on the unbuffered done channel,
// which gives the caller exclusive access to the instance.
func (p *Proxy) worker() {
	for {
		select {
		case a := <-p.applyChan:
			p.apply(a)

		case l := <-p.lookupChan:
			p.lookup(l)

		default:
			select {
			case a := <-p.applyChan:
				p.apply(a)

			case l := <-p.lookupChan:
				p.lookup(l)

			case s := <-p.segmentChan:
				s.reply <- p.Instance.EntriesInSegments(s.segs)

			case l := <-p.lockChan:
				l.done <- struct{}{}
			}
		}
	}
}

func (p *Proxy) apply(r applyRequest) {
	p.Instance.Apply(r.entries)
	r.done <- struct{}{}
}

func (p *Proxy) lookup(r lookupRequest) {
	loc, ok := p.Instance.Lookup(r.key)
	r.reply <- lookupReply{loc, ok}
}
