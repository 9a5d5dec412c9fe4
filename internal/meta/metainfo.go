// Package meta loads and parses .torrent metainfo files.
package meta

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/anteii/leech/internal/bencode"
	"github.com/anteii/leech/internal/cast"
)

// Metainfo is the parsed contents of a .torrent file.
type Metainfo struct {
	Info         *Info
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	InfoHash     [sha1.Size]byte
}

// Info is the "info" dictionary: the payload layout and its piece hashes.
type Info struct {
	Name        string
	PieceLength int32
	Pieces      [][sha1.Size]byte
	// Length is set for single-file torrents; zero otherwise.
	Length int64
	// Files is set for multi-file torrents; nil otherwise.
	Files []*File
}

// File describes one file of a multi-file torrent, with Path relative to
// Info.Name.
type File struct {
	Length int64
	Path   []string
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: announce and announce-list both missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing or invalid")
	ErrPieceLenInvalid     = errors.New("metainfo: 'info' piece length missing or non-positive")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not a multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: must have exactly one of 'length' or 'files'")
	ErrCreationDateInvalid = errors.New("metainfo: invalid creation date")
)

// Size returns the total payload size across all files.
func (m *Metainfo) Size() int64 {
	if m.Info.Length > 0 {
		return m.Info.Length
	}

	var sum int64
	for _, f := range m.Info.Files {
		sum += f.Length
	}
	return sum
}

// Load reads and parses a .torrent file from path.
func Load(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses raw bencoded metainfo bytes.
func Parse(data []byte) (*Metainfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := parseOptionalString(root["announce"])
	if err != nil {
		return nil, err
	}
	announceList, err := parseAnnounceList(root["announce-list"])
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	var creationDate time.Time
	if v, ok := root["creation date"]; ok {
		secs, err := cast.ToInt(v)
		if err != nil || secs < 0 {
			return nil, ErrCreationDateInvalid
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdBy, err := parseOptionalString(root["created by"])
	if err != nil {
		return nil, err
	}
	comment, err := parseOptionalString(root["comment"])
	if err != nil {
		return nil, err
	}

	infoRaw, ok := root["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	infoDict, ok := infoRaw.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	info, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	encoded, err := bencode.Marshal(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}

	return &Metainfo{
		Info:         info,
		InfoHash:     sha1.Sum(encoded),
		Announce:     announce,
		AnnounceList: announceList,
		CreationDate: creationDate,
		CreatedBy:    createdBy,
		Comment:      comment,
	}, nil
}

func parseInfo(dict map[string]any) (*Info, error) {
	var (
		out Info
		err error
	)

	nameVal, ok := dict["name"]
	if !ok {
		return nil, ErrNameMissing
	}
	out.Name, err = cast.ToString(nameVal)
	if err != nil || out.Name == "" {
		return nil, ErrNameMissing
	}

	plVal, ok := dict["piece length"]
	if !ok {
		return nil, ErrPieceLenInvalid
	}
	plen, err := cast.ToInt(plVal)
	if err != nil || plen <= 0 {
		return nil, ErrPieceLenInvalid
	}
	out.PieceLength = int32(plen)

	out.Pieces, err = parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}

	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		length, err := cast.ToInt(lengthVal)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("metainfo: invalid 'length'")
		}
		out.Length = length
	case hasFiles && !hasLength:
		out.Files, err = parseFiles(filesVal)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrLayoutInvalid
	}

	return &out, nil
}

func parseFiles(v any) ([]*File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("metainfo: invalid or empty 'files'")
	}

	files := make([]*File, 0, len(arr))
	for i, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}

		ln, err := cast.ToInt(m["length"])
		if err != nil || ln < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		segments, err := cast.ToStringSlice(m["path"])
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}

		files = append(files, &File{Length: ln, Path: segments})
	}

	return files, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("metainfo: invalid announce-list")
	}

	tiered, err := cast.ToTieredStrings(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid announce-list: %w", err)
	}

	out := make([][]string, 0, len(tiered))
	for _, tier := range tiered {
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out, nil
}

func parseOptionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return cast.ToString(v)
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	b, err := cast.ToBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(b)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(b) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], b[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}
