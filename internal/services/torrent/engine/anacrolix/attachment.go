package anacrolix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"

	"torrentdesk/internal/domain"
	"torrentdesk/internal/pathguard"
)

// attachment is one torrent inside the client plus the goroutine that turns
// its state into engine events.
type attachment struct {
	engine   *Engine
	handle   domain.Handle
	t        *torrent.Torrent
	savePath string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex
	priorities    []domain.FilePriority
	paused        bool
	purge         bool
	stopped       bool
	infoOK        bool
	dlAllowed     bool
	ulAllowed     bool
	dlThrottle    *throttle
	ulThrottle    *throttle
	speed         speedSample
	rates         [2]int64
	peakCompleted int64
	completedSent bool
	peers         int
}

func newAttachment(e *Engine, h domain.Handle, t *torrent.Torrent, savePath string, files []domain.FilePriority) *attachment {
	ctx, cancel := context.WithCancel(context.Background())
	a := &attachment{
		engine:     e,
		handle:     h,
		t:          t,
		savePath:   savePath,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		priorities: append([]domain.FilePriority(nil), files...),
		ulAllowed:  true,
	}
	// Nothing is written until the file layout has been checked against the
	// save path.
	t.DisallowDataDownload()
	return a
}

func (a *attachment) dead() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// reset re-applies priorities and clears a pause, used when an attached
// infohash is added again.
func (a *attachment) reset(files []domain.FilePriority) {
	a.mu.Lock()
	if files != nil {
		a.priorities = append([]domain.FilePriority(nil), files...)
	}
	if a.infoOK {
		applyFilePriorities(a.t, a.priorities)
		a.completedSent = false
	}
	a.mu.Unlock()
	a.setPaused(false)
}

func (a *attachment) stop(purge bool) {
	a.mu.Lock()
	a.stopped = true
	a.purge = a.purge || purge
	a.mu.Unlock()
	a.cancel()
}

func (a *attachment) setPaused(paused bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused == paused {
		return
	}
	a.paused = paused
	if paused {
		hardPauseTorrent(a.t)
		a.dlAllowed, a.ulAllowed = false, false
		a.rates = [2]int64{}
		return
	}
	a.t.SetMaxEstablishedConns(defaultMaxConns)
	a.applyTransferLocked(time.Now())
}

func (a *attachment) setFilePriority(index int, p domain.FilePriority) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.infoOK {
		return fmt.Errorf("%w: metadata not available yet", domain.ErrInvalidInput)
	}
	files := a.t.Files()
	if index < 0 || index >= len(files) {
		return fmt.Errorf("%w: file index %d out of range", domain.ErrInvalidInput, index)
	}
	for len(a.priorities) < len(files) {
		a.priorities = append(a.priorities, domain.PriorityNormal)
	}
	a.priorities[index] = p
	files[index].SetPriority(mapFilePriority(p))
	if p.Selected() {
		a.completedSent = false
	}
	return nil
}

func (a *attachment) setLimits(downloadKiB, uploadKiB int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dlThrottle = newThrottle(downloadKiB)
	a.ulThrottle = newThrottle(uploadKiB)
	a.applyTransferLocked(time.Now())
}

// applyTransferLocked toggles data transfer from pause, metadata validation
// and throttle state. Toggles are issued only on change.
func (a *attachment) applyTransferLocked(now time.Time) {
	download := !a.paused && a.infoOK && !a.dlThrottle.holding(now)
	upload := !a.paused && !a.ulThrottle.holding(now)
	if download != a.dlAllowed {
		if download {
			a.t.AllowDataDownload()
		} else {
			a.t.DisallowDataDownload()
		}
		a.dlAllowed = download
	}
	if upload != a.ulAllowed {
		if upload {
			a.t.AllowDataUpload()
		} else {
			a.t.DisallowDataUpload()
		}
		a.ulAllowed = upload
	}
}

// watch runs for the life of the attachment. It always ends with the
// attachment torn down and, unless the engine is closing, a detached event.
func (a *attachment) watch() {
	defer a.engine.wg.Done()
	defer close(a.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("attachment watcher panic recovered",
				slog.Any("error", r),
				slog.String("infoHash", a.handle.Short()),
				slog.String("stack", string(debug.Stack())),
			)
			a.finish("engine internal error")
		}
	}()

	if reason, ok := a.awaitInfo(); !ok {
		a.finish(reason)
		return
	}
	if err := a.onInfo(); err != nil {
		// Tear down so a retry gets a fresh attachment and a new
		// metadata_ready.
		a.finish(err.Error())
		return
	}

	ticker := time.NewTicker(a.engine.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			a.finish("")
			return
		case <-a.t.Closed():
			a.finish("torrent closed by client")
			return
		case now := <-ticker.C:
			a.poll(now)
		}
	}
}

// awaitInfo blocks until metadata arrives. The reason is empty when the
// attachment was stopped on purpose.
func (a *attachment) awaitInfo() (string, bool) {
	timer := time.NewTimer(a.engine.metadataTimeout)
	defer timer.Stop()
	select {
	case <-a.t.GotInfo():
		return "", true
	case <-a.ctx.Done():
		return "", false
	case <-a.t.Closed():
		return "torrent closed by client", false
	case <-timer.C:
		return fmt.Sprintf("metadata not received within %s", a.engine.metadataTimeout), false
	}
}

// onInfo publishes metadata and enables download if every file stays inside
// the save path. On an escape the data stays disallowed and the session is
// expected to remove the torrent.
func (a *attachment) onInfo() error {
	t := a.t
	files := t.Files()
	payload := domain.MetadataPayload{
		Name:       t.Name(),
		TotalBytes: t.Length(),
		Files:      make([]domain.File, 0, len(files)),
	}

	var pathErr error
	a.mu.Lock()
	for i, f := range files {
		payload.Files = append(payload.Files, domain.File{
			Index:    i,
			Path:     f.Path(),
			Offset:   f.Offset(),
			Length:   f.Length(),
			Priority: priorityAt(a.priorities, i),
		})
		if pathErr == nil {
			pathErr = pathguard.Contains(a.savePath, filepath.FromSlash(f.Path()))
		}
	}
	if pathErr == nil {
		a.infoOK = true
		applyFilePriorities(t, a.priorities)
		a.applyTransferLocked(time.Now())
	}
	a.mu.Unlock()

	var buf bytes.Buffer
	mi := t.Metainfo()
	if err := mi.Write(&buf); err != nil {
		a.engine.logger.Warn("metainfo encode failed", slog.String("infoHash", a.handle.Short()), slog.String("error", err.Error()))
	} else {
		payload.Metainfo = buf.Bytes()
	}

	a.engine.emit(a.handle, domain.EventMetadataReady, payload, false)
	trackers := trackerURLs(mi.UpvertedAnnounceList())
	if len(trackers) > 0 {
		status := make([]domain.Tracker, 0, len(trackers))
		for _, url := range trackers {
			status = append(status, domain.Tracker{URL: url, Status: domain.TrackerUnknown})
		}
		a.engine.emit(a.handle, domain.EventTrackerStatus, domain.TrackerPayload{Trackers: status}, false)
	}

	var escape *domain.PathEscapeError
	if errors.As(pathErr, &escape) {
		a.engine.logger.Warn("torrent file escapes save path",
			slog.String("infoHash", a.handle.Short()),
			slog.String("path", escape.Requested),
		)
		return nil
	}
	return pathErr
}

func (a *attachment) poll(now time.Time) {
	stats := a.t.Stats()

	a.mu.Lock()
	dl, ul, readDelta, writeDelta := a.speed.advance(stats, now)
	if a.paused {
		dl, ul = 0, 0
	}
	a.rates = [2]int64{dl, ul}
	a.peers = stats.ActivePeers
	a.dlThrottle.charge(readDelta, now)
	a.ulThrottle.charge(writeDelta, now)
	a.applyTransferLocked(now)

	done := a.t.BytesCompleted()
	if done > a.peakCompleted {
		a.peakCompleted = done
	} else {
		done = a.peakCompleted
	}

	files := a.t.Files()
	fileBytes := make([]int64, len(files))
	complete := a.infoOK
	selected := false
	for i, f := range files {
		fileBytes[i] = f.BytesCompleted()
		if priorityAt(a.priorities, i).Selected() {
			selected = true
			if fileBytes[i] < f.Length() {
				complete = false
			}
		}
	}
	complete = complete && selected
	sendCompleted := complete && !a.completedSent
	if complete {
		a.completedSent = true
	} else {
		a.completedSent = false
	}
	a.mu.Unlock()

	payload := domain.ProgressPayload{
		DoneBytes:    done,
		TotalBytes:   a.t.Length(),
		FileBytes:    fileBytes,
		DownloadRate: dl,
		UploadRate:   ul,
		Peers:        stats.ActivePeers,
	}
	if sendCompleted {
		a.engine.emit(a.handle, domain.EventCompleted, payload, false)
		return
	}
	a.engine.emit(a.handle, domain.EventProgress, payload, true)
}

func (a *attachment) status(now time.Time) domain.EngineStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := domain.EngineStatus{
		Paused:       a.paused,
		Name:         a.t.Name(),
		DownloadRate: a.rates[0],
		UploadRate:   a.rates[1],
		Peers:        a.peers,
	}
	if !torrentInfoReady(a.t) {
		return st
	}
	st.HasMetadata = true
	st.TotalBytes = a.t.Length()
	st.DoneBytes = max(a.t.BytesCompleted(), a.peakCompleted)
	for _, f := range a.t.Files() {
		st.FileBytes = append(st.FileBytes, f.BytesCompleted())
	}
	mi := a.t.Metainfo()
	for _, url := range trackerURLs(mi.UpvertedAnnounceList()) {
		st.Trackers = append(st.Trackers, domain.Tracker{URL: url, Status: domain.TrackerUnknown})
	}
	return st
}

// finish tears the attachment down. A non-empty reason means the torrent
// died on its own and is reported as an error before the detached event.
func (a *attachment) finish(reason string) {
	a.engine.forget(a)

	a.mu.Lock()
	purge := a.purge
	a.mu.Unlock()

	closing := false
	select {
	case <-a.engine.closing:
		closing = true
	default:
	}

	if reason != "" && !closing {
		a.engine.logger.Warn("torrent attachment lost",
			slog.String("infoHash", a.handle.Short()),
			slog.String("reason", reason),
		)
		a.engine.emit(a.handle, domain.EventError, domain.ErrorPayload{Message: reason}, false)
	}

	var name string
	if torrentInfoReady(a.t) {
		name = a.t.Info().BestName()
	}
	a.t.Drop()

	if purge && name != "" {
		if err := purgeData(a.savePath, name); err != nil {
			a.engine.logger.Warn("purge torrent data failed",
				slog.String("infoHash", a.handle.Short()),
				slog.String("error", err.Error()),
			)
		}
	}

	if !closing {
		a.engine.emit(a.handle, domain.EventDetached, nil, false)
	}
}

// purgeData deletes the payload root of a torrent, refusing anything that
// resolves outside the save path.
func purgeData(savePath, name string) error {
	if err := pathguard.Contains(savePath, name); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(savePath, name))
}

// hardPauseTorrent disallows data transfer and disconnects all peers.
func hardPauseTorrent(t *torrent.Torrent) {
	if t == nil {
		return
	}
	t.DisallowDataDownload()
	t.DisallowDataUpload()
	t.SetMaxEstablishedConns(0)
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}

type speedSample struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
}

// advance stores a new sample and returns rates in bytes/s plus the byte
// deltas since the previous sample. Counter resets clamp to zero.
func (s *speedSample) advance(stats torrent.TorrentStats, now time.Time) (download, upload, readDelta, writeDelta int64) {
	currentRead := stats.BytesReadUsefulData.Int64()
	currentWritten := stats.BytesWrittenData.Int64()

	prev := *s
	*s = speedSample{at: now, bytesRead: currentRead, bytesWritten: currentWritten}
	if prev.at.IsZero() {
		return 0, 0, 0, 0
	}

	dt := now.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0, 0, 0, 0
	}
	readDelta = max(currentRead-prev.bytesRead, 0)
	writeDelta = max(currentWritten-prev.bytesWritten, 0)
	return int64(float64(readDelta) / dt), int64(float64(writeDelta) / dt), readDelta, writeDelta
}
