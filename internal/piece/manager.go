// Package piece owns the ordered set of pieces that make up a download, the
// locally-completed bitfield, and the file layout each piece writes into.
package piece

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anteii/leech/internal/bitfield"
	"github.com/anteii/leech/internal/block"
	"github.com/anteii/leech/internal/events"
	"github.com/anteii/leech/internal/meta"
)

// Sink is the narrow interface a peer session depends on to push received
// block data into the download and to check whether a piece is still
// wanted. PeerSession takes it as a constructor-injected handle rather than
// a pub/sub topic: it is the one collaborator every session needs, and an
// explicit interface avoids a topic-lookup cycle back to the manager.
type Sink interface {
	HandleBlock(pieceIndex, begin int, data []byte) error
	Has(pieceIndex int) bool
}

// Manager owns every Piece, the aggregate completed-bitfield, and disk I/O
// for finished pieces.
type Manager struct {
	log *slog.Logger

	mu          sync.RWMutex
	pieces      []*block.Piece
	bitfield    bitfield.Bitfield
	downloadDir string

	completed *events.Bus[events.PieceCompleted]
}

var _ Sink = (*Manager)(nil)
var _ block.FileWriter = (*Manager)(nil)

// New builds a Manager for the given metainfo, rooted at downloadDir.
func New(m *meta.Metainfo, downloadDir string, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "piece-manager")

	fileMap, err := buildFileMap(m)
	if err != nil {
		return nil, err
	}

	pieceLen := int(m.Info.PieceLength)
	total := m.Size()
	numPieces := len(m.Info.Pieces)

	pieces := make([]*block.Piece, numPieces)
	for i := 0; i < numPieces; i++ {
		size := pieceLen
		if start := int64(i) * int64(pieceLen); start+int64(size) > total {
			size = int(total - start)
		}
		pieces[i] = block.New(i, size, m.Info.Pieces[i], fileMap[i])
	}

	if err := setupFiles(m, downloadDir); err != nil {
		return nil, err
	}

	return &Manager{
		log:         log,
		pieces:      pieces,
		bitfield:    bitfield.New(numPieces),
		downloadDir: downloadDir,
		completed:   events.New[events.PieceCompleted](),
	}, nil
}

// NumPieces returns the number of pieces in the torrent.
func (m *Manager) NumPieces() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pieces)
}

// Bitfield returns a copy of the locally-completed bitfield, suitable for
// sending as a Bitfield message.
func (m *Manager) Bitfield() bitfield.Bitfield {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bitfield.Clone()
}

// Has reports whether piece index has already been fully downloaded and
// verified.
func (m *Manager) Has(index int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bitfield.Has(index)
}

// IsComplete reports whether every piece has been downloaded.
func (m *Manager) IsComplete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bitfield.Count() == len(m.pieces)
}

// BytesCompleted returns the total size of every fully-verified piece.
func (m *Manager) BytesCompleted() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for i, p := range m.pieces {
		if m.bitfield.Has(i) {
			sum += int64(p.Size)
		}
	}
	return sum
}

// OnSubscribeCompleted registers fn to be called every time a piece
// verifies and its write to disk has been attempted.
func (m *Manager) OnSubscribeCompleted(fn func(events.PieceCompleted)) {
	m.completed.Subscribe(fn)
}

// GetEmptyBlock returns a PENDING block from piece index, or nil if the
// piece has no FREE blocks left.
func (m *Manager) GetEmptyBlock(index int) *block.Block {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < 0 || index >= len(m.pieces) {
		return nil
	}
	return m.pieces[index].GetEmptyBlock()
}

// ExpireLeases reverts every piece's timed-out PENDING blocks back to FREE.
func (m *Manager) ExpireLeases(lease time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.pieces {
		p.UpdateBlockStatus(lease)
	}
}

// HandleBlock implements Sink: it writes data into piece pieceIndex at
// begin, and on piece completion verifies the hash, persists to disk, marks
// the bitfield, and publishes PieceCompleted.
func (m *Manager) HandleBlock(pieceIndex, begin int, data []byte) error {
	m.mu.RLock()
	if pieceIndex < 0 || pieceIndex >= len(m.pieces) {
		m.mu.RUnlock()
		return fmt.Errorf("piece: index %d out of range", pieceIndex)
	}
	p := m.pieces[pieceIndex]
	m.mu.RUnlock()

	completed, err := p.SetBlock(begin, data)
	if err != nil {
		m.log.Warn("piece hash mismatch, block reset", "piece", pieceIndex, "error", err)
		return nil
	}
	if !completed {
		return nil
	}

	// Write failures are not fatal: the piece stays verified in memory and
	// the session that delivered the final block keeps running.
	if err := p.WritePiece(m); err != nil {
		m.log.Warn("piece write failed", "piece", pieceIndex, "error", err.Error())
	}

	m.mu.Lock()
	m.bitfield.Set(pieceIndex)
	m.mu.Unlock()

	m.log.Info("piece completed", "piece", pieceIndex, "size", p.Size)
	m.completed.Publish(events.PieceCompleted{Index: pieceIndex, Size: p.Size})

	return nil
}

// WriteAt implements block.FileWriter, writing to downloadDir/path.
func (m *Manager) WriteAt(path string, offset int64, data []byte) error {
	full := filepath.Join(m.downloadDir, path)

	f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := f.WriteAt(data, offset)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("piece: short write to %s: wrote %d of %d", full, n, len(data))
	}
	return nil
}

func setupFiles(m *meta.Metainfo, downloadDir string) error {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return err
	}

	for _, rel := range fileList(m) {
		full := filepath.Join(downloadDir, rel.path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}

		f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return err
		}
		err = f.Truncate(rel.length)
		f.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

type fileEntry struct {
	path   string
	length int64
}

func fileList(m *meta.Metainfo) []fileEntry {
	if m.Info.Length > 0 {
		return []fileEntry{{path: m.Info.Name, length: m.Info.Length}}
	}

	out := make([]fileEntry, 0, len(m.Info.Files))
	for _, f := range m.Info.Files {
		parts := append([]string{m.Info.Name}, f.Path...)
		out = append(out, fileEntry{path: filepath.Join(parts...), length: f.Length})
	}
	return out
}

// buildFileMap returns, for each piece index, the FileSlices that piece
// spans. It walks pieces and files in lockstep across their absolute byte
// ranges, mirroring how the original client's pieces manager grouped
// (piece, file) overlaps when it loaded the payload layout.
func buildFileMap(m *meta.Metainfo) ([][]block.FileSlice, error) {
	pieceLen := int64(m.Info.PieceLength)
	if pieceLen <= 0 {
		return nil, fmt.Errorf("piece: invalid piece length %d", pieceLen)
	}

	numPieces := len(m.Info.Pieces)
	fileMap := make([][]block.FileSlice, numPieces)

	var fileOffset int64
	for _, fe := range fileList(m) {
		fileStart := fileOffset
		fileEnd := fileStart + fe.length
		fileOffset = fileEnd

		firstPiece := int(fileStart / pieceLen)
		lastPiece := int((fileEnd - 1) / pieceLen)
		if fe.length == 0 {
			continue
		}

		for idx := firstPiece; idx <= lastPiece && idx < numPieces; idx++ {
			pieceStart := int64(idx) * pieceLen
			pieceEnd := pieceStart + pieceLen

			overlapStart := max64(pieceStart, fileStart)
			overlapEnd := min64(pieceEnd, fileEnd)
			if overlapStart >= overlapEnd {
				continue
			}

			fileMap[idx] = append(fileMap[idx], block.FileSlice{
				Path:        fe.path,
				FileOffset:  overlapStart - fileStart,
				PieceOffset: overlapStart - pieceStart,
				Length:      overlapEnd - overlapStart,
			})
		}
	}

	return fileMap, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
