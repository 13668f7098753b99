package fs

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/losgopheros/nachos-go/internal/debugflag"
	"github.com/losgopheros/nachos-go/machine"
	"github.com/losgopheros/nachos-go/synch"
	"github.com/losgopheros/nachos-go/thread"
)

type cacheEntry struct {
	valid, use, dirty bool
	sector            int
	data              []byte
}

// SynchDisk wraps the raw asynchronous machine.Disk with a fixed-size
// sector cache (second-chance replacement, write-behind) and presents a
// synchronous ReadSector/WriteSector interface to the rest of fs (§4.13).
//
// A single disk-in-flight lock serializes actual device operations; a
// separate cache lock guards cache metadata, so readers can hit the cache
// while a write-behind flush is in flight under the disk lock.
type SynchDisk struct {
	disk       machine.Disk
	sectorSize int

	cacheLock       sync.Mutex
	cache           []cacheEntry
	victim          int
	writeQueue      []int
	writeQueueBound int

	diskLock *synch.Lock
	ack      *synch.Semaphore

	sched      *thread.Scheduler
	interrupts *machine.Interrupts
	log        *slog.Logger
	debug      *debugflag.Registry
}

// NewSynchDisk builds a SynchDisk of cacheSize entries over disk, flushing
// a deferred write once the write-behind queue exceeds writeQueueBound.
func NewSynchDisk(disk machine.Disk, cacheSize, writeQueueBound int, sched *thread.Scheduler, interrupts *machine.Interrupts, log *slog.Logger, debug *debugflag.Registry) *SynchDisk {
	if log == nil {
		log = slog.Default()
	}
	sd := &SynchDisk{
		disk:            disk,
		sectorSize:      disk.SectorSize(),
		cache:           make([]cacheEntry, cacheSize),
		writeQueueBound: writeQueueBound,
		sched:           sched,
		interrupts:      interrupts,
		log:             log,
		debug:           debug,
	}
	sd.ack = synch.NewSemaphore("synchdisk.ack", 0, sched, interrupts, log, debug)
	sd.diskLock = synch.NewLock("synchdisk.device", sched, interrupts, log, debug)
	disk.SetHandler(sd)
	return sd
}

func (sd *SynchDisk) SectorSize() int { return sd.sectorSize }

// RequestDone implements machine.DiskInterruptHandler: the disk ISR calls
// this on completion of whichever request is currently in flight.
func (sd *SynchDisk) RequestDone() { sd.ack.V() }

// ReadSector returns the current contents of sector, through the cache.
func (sd *SynchDisk) ReadSector(sector int) ([]byte, error) {
	if sector < 0 || sector >= sd.disk.NumSectors() {
		return nil, fmt.Errorf("fs: ReadSector: sector %d out of range", sector)
	}
	sd.cacheLock.Lock()
	if i := sd.find(sector); i >= 0 {
		sd.cache[i].use = true
		out := append([]byte(nil), sd.cache[i].data...)
		sd.cacheLock.Unlock()
		if sd.debug.Enabled(debugflag.Disk) {
			sd.log.Debug("cache hit", "op", "read", "sector", sector)
		}
		return out, nil
	}
	sd.cacheLock.Unlock()

	if sd.debug.Enabled(debugflag.Disk) {
		sd.log.Debug("cache miss", "op", "read", "sector", sector)
	}
	data, err := sd.deviceRead(sector)
	if err != nil {
		return nil, err
	}
	sd.install(sector, data, false)
	sd.readAhead(sector + 1)
	return data, nil
}

// WriteSector writes data (exactly SectorSize bytes) into sector, through
// the cache; the write is deferred to the write-behind queue, not
// necessarily reflected on the underlying disk until a flush.
func (sd *SynchDisk) WriteSector(sector int, data []byte) error {
	if sector < 0 || sector >= sd.disk.NumSectors() {
		return fmt.Errorf("fs: WriteSector: sector %d out of range", sector)
	}
	buf := append([]byte(nil), data...)
	sd.cacheLock.Lock()
	if i := sd.find(sector); i >= 0 {
		sd.cache[i].data = buf
		sd.cache[i].use = true
		if !sd.cache[i].dirty {
			sd.cache[i].dirty = true
			sd.writeQueue = append(sd.writeQueue, i)
		}
		sd.cacheLock.Unlock()
		return nil
	}
	sd.cacheLock.Unlock()
	sd.install(sector, buf, true)
	return nil
}

// FlushCache writes back every dirty cache entry.
func (sd *SynchDisk) FlushCache() error {
	sd.cacheLock.Lock()
	var toFlush []cacheEntry
	for i := range sd.cache {
		if sd.cache[i].valid && sd.cache[i].dirty {
			toFlush = append(toFlush, sd.cache[i])
			sd.cache[i].dirty = false
		}
	}
	sd.writeQueue = sd.writeQueue[:0]
	sd.cacheLock.Unlock()

	for _, e := range toFlush {
		if err := sd.deviceWrite(e.sector, e.data); err != nil {
			return err
		}
	}
	return nil
}

func (sd *SynchDisk) find(sector int) int {
	for i, e := range sd.cache {
		if e.valid && e.sector == sector {
			return i
		}
	}
	return -1
}

// install places data for sector into a cache slot, flushing whatever
// victim that slot held if it was dirty. The actual device write (a
// suspension point) happens with the cache lock released so other cache
// lookups aren't blocked behind it.
func (sd *SynchDisk) install(sector int, data []byte, dirty bool) {
	sd.cacheLock.Lock()
	idx, evicted := sd.reclaim()
	sd.cacheLock.Unlock()

	if evicted.valid && evicted.dirty {
		if sd.debug.Enabled(debugflag.Disk) {
			sd.log.Debug("flushing victim before reuse", "sector", evicted.sector)
		}
		_ = sd.deviceWrite(evicted.sector, evicted.data)
	}

	sd.cacheLock.Lock()
	sd.cache[idx] = cacheEntry{valid: true, use: true, dirty: dirty, sector: sector, data: data}
	if dirty {
		sd.writeQueue = append(sd.writeQueue, idx)
	}
	sd.cacheLock.Unlock()
}

// reclaim picks a cache slot to reuse, preferring (in order): the oldest
// write-behind entry once the queue is longer than its bound (flush to
// make room), an invalid slot, or a second-chance sweep over at most 2*len(cache)
// visits looking for (use=0, dirty=0), clearing use bits as it goes.
// Falling through the budget returns whatever the cursor lands on.
// Callers must hold cacheLock; install is reclaim's only caller.
func (sd *SynchDisk) reclaim() (int, cacheEntry) {
	if len(sd.writeQueue) > sd.writeQueueBound {
		idx := sd.writeQueue[0]
		sd.writeQueue = sd.writeQueue[1:]
		return idx, sd.cache[idx]
	}
	for i, e := range sd.cache {
		if !e.valid {
			return i, cacheEntry{}
		}
	}
	visits := 0
	for {
		i := sd.victim
		sd.victim = (sd.victim + 1) % len(sd.cache)
		visits++
		e := &sd.cache[i]
		if !e.use && !e.dirty {
			return i, cacheEntry{}
		}
		e.use = false
		if visits >= 2*len(sd.cache) {
			evicted := *e
			sd.removeFromWriteQueue(i)
			return i, evicted
		}
	}
}

func (sd *SynchDisk) removeFromWriteQueue(idx int) {
	for i, q := range sd.writeQueue {
		if q == idx {
			sd.writeQueue = append(sd.writeQueue[:i], sd.writeQueue[i+1:]...)
			return
		}
	}
}

func (sd *SynchDisk) readAhead(sector int) {
	if sector < 0 || sector >= sd.disk.NumSectors() {
		return
	}
	sd.cacheLock.Lock()
	cached := sd.find(sector) >= 0
	sd.cacheLock.Unlock()
	if cached {
		return
	}
	data, err := sd.deviceRead(sector)
	if err != nil {
		return
	}
	sd.install(sector, data, false)
}

// deviceRead and deviceWrite serialize actual device operations through
// diskLock, a cooperative synch.Lock rather than a raw mutex: both hold it
// across ack.P(), which can Sleep the calling thread until the disk ISR
// fires RequestDone, and only a lock that participates in the scheduler's
// own dispatch (like SynchConsole's) can be held across that safely.
func (sd *SynchDisk) deviceRead(sector int) ([]byte, error) {
	sd.diskLock.Acquire(false)
	defer sd.diskLock.Release()
	buf := make([]byte, sd.sectorSize)
	sd.disk.ReadRequest(sector, buf)
	sd.ack.P()
	return buf, nil
}

func (sd *SynchDisk) deviceWrite(sector int, data []byte) error {
	sd.diskLock.Acquire(false)
	defer sd.diskLock.Release()
	sd.disk.WriteRequest(sector, data)
	sd.ack.P()
	return nil
}
