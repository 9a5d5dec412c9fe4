// Package tracker implements the HTTP tracker announce protocol used to
// discover peers for a torrent. UDP trackers are out of scope.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/anteii/leech/internal/bencode"
	"github.com/anteii/leech/internal/cast"
)

// Event is the lifecycle hint sent with an announce.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// AnnounceParams are the query parameters sent with a tracker announce.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	NumWant    int
	Event      Event
}

// AnnounceResponse is a tracker's reply to an announce.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Seeders     int64
	Leechers    int64
	Peers       []netip.AddrPort
}

const maxResponseSize = 2 * 1024 * 1024

// Client announces to a single HTTP tracker URL.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// NewClient returns a Client for announceURL, timing announces out after
// timeout.
func NewClient(announceURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid announce url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tracker: unsupported scheme %q (UDP trackers unsupported)", u.Scheme)
	}

	return &Client{
		baseURL: u,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// Announce performs one tracker announce and returns the peer list.
func (c *Client) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(params), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: announce returned %d: %s", resp.StatusCode, body)
	}

	return parseAnnounceResponse(resp.Body)
}

func (c *Client) buildURL(p AnnounceParams) string {
	u := *c.baseURL
	q := u.Query()

	q.Set("info_hash", string(p.InfoHash[:]))
	q.Set("peer_id", string(p.PeerID[:]))
	q.Set("port", strconv.Itoa(int(p.Port)))
	q.Set("uploaded", strconv.FormatUint(p.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(p.Downloaded, 10))
	q.Set("left", strconv.FormatUint(p.Left, 10))
	q.Set("compact", "1")

	if p.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(p.NumWant))
	}
	if s := p.Event.String(); s != "" {
		q.Set("event", s)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxResponseSize))
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: announce response is not a dict")
	}

	if failure, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce failure: %s", failure)
	}

	interval, err := cast.ToInt(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("tracker: 'interval': %w", err)
	}

	peers, err := decodePeers(dict["peers"])
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid peers: %w", err)
	}

	minInterval, _ := cast.ToInt(dict["min interval"])
	seeders, _ := cast.ToInt(dict["complete"])
	leechers, _ := cast.ToInt(dict["incomplete"])

	return &AnnounceResponse{
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
	}, nil
}

var errUnsupportedPeersType = errors.New("tracker: unsupported peers encoding")
